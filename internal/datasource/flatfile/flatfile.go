// Package flatfile implements the datasource.Driver contract (C4) over a
// directory of CSV files, one per declared type, matching the layout
// original_source/plugins/datasources uses for its file-backed sources.
// Mutations (Add/Modify/Delete) rewrite the whole file atomically —
// temp file plus rename — the same discipline the producer cache (C7)
// uses for its own snapshot files.
package flatfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/datasource"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Driver reads/writes "<dir>/<query>.csv" where query is treated as the
// logical table name rather than a SQL string — flatfile has no query
// language beyond "which file".
type Driver struct {
	dir string
}

func Open(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("flatfile: mkdir %s: %w", dir, err)
	}
	return &Driver{dir: dir}, nil
}

func (d *Driver) path(table string) string {
	return filepath.Join(d.dir, table+".csv")
}

func (d *Driver) Fetch(ctx context.Context, query string, vars datasource.Vars, yield func(datasource.Row) bool) error {
	f, err := os.Open(d.path(query))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("flatfile: open %s: %w", query, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil // empty file: no rows
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec, err := r.Read()
		if err != nil {
			break
		}
		row := make(value.AttrMap, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = value.String(rec[i])
			}
		}
		if !yield(row) {
			break
		}
	}
	return nil
}

// Add appends a new record, rewriting the file atomically with the new
// row included so a crash mid-write never leaves a half-written CSV.
func (d *Driver) Add(ctx context.Context, query string, vars datasource.Vars) error {
	return d.rewrite(query, func(rows []map[string]string) []map[string]string {
		return append(rows, varsToRow(vars))
	})
}

func (d *Driver) Modify(ctx context.Context, query string, vars datasource.Vars) error {
	key := fmt.Sprint(vars["pkey"])
	return d.rewrite(query, func(rows []map[string]string) []map[string]string {
		for i, r := range rows {
			if r["pkey"] == key {
				rows[i] = varsToRow(vars)
				return rows
			}
		}
		return append(rows, varsToRow(vars))
	})
}

func (d *Driver) Delete(ctx context.Context, query string, vars datasource.Vars) error {
	key := fmt.Sprint(vars["pkey"])
	return d.rewrite(query, func(rows []map[string]string) []map[string]string {
		out := rows[:0]
		for _, r := range rows {
			if r["pkey"] != key {
				out = append(out, r)
			}
		}
		return out
	})
}

func (d *Driver) Close() error { return nil }

func varsToRow(vars datasource.Vars) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (d *Driver) rewrite(table string, mutate func([]map[string]string) []map[string]string) error {
	path := d.path(table)
	rows, header, err := readAll(path)
	if err != nil {
		return err
	}
	rows = mutate(rows)
	if header == nil {
		header = inferHeader(rows)
	}

	tmp, err := os.CreateTemp(d.dir, ".flatfile-*.tmp")
	if err != nil {
		return fmt.Errorf("flatfile: tempfile: %w", err)
	}
	w := csv.NewWriter(tmp)
	_ = w.Write(header)
	for _, r := range rows {
		rec := make([]string, len(header))
		for i, col := range header {
			rec[i] = r[col]
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("flatfile: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flatfile: close temp: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func readAll(path string) (rows []map[string]string, header []string, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("flatfile: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err = r.Read()
	if err != nil {
		return nil, nil, nil
	}
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

func inferHeader(rows []map[string]string) []string {
	if len(rows) == 0 {
		return []string{"pkey"}
	}
	var header []string
	for k := range rows[0] {
		header = append(header, k)
	}
	return header
}
