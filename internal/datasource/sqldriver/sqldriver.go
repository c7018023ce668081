// Package sqldriver implements the datasource.Driver contract (C4) over
// any database/sql backend reachable through gorm, the way
// MarcoPoloResearchLab-gravity's internal/database package opens and
// pings its store. Parameters are always bound through gorm's named-arg
// support (sql.Named), never string-formatted into the query.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/datasource"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Driver wraps a *gorm.DB opened against any gorm dialector (sqlite,
// postgres, mysql — whichever the deployment's go.mod pulls in); hermes-go
// itself only depends on glebarez/sqlite for local/dev use and tests.
type Driver struct {
	db          *gorm.DB
	dialOpen    func() (gorm.Dialector, error)
	reconnectMu chan struct{}
}

// Open connects using dialOpen, a thunk so Reconnect can recreate the
// dialector (e.g. re-resolve a DSN from config) without hermes-go's
// caller needing to know the backend's driver package.
func Open(dialOpen func() (gorm.Dialector, error)) (*Driver, error) {
	d := &Driver{dialOpen: dialOpen, reconnectMu: make(chan struct{}, 1)}
	if err := d.connect(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) connect() error {
	dialector, err := d.dialOpen()
	if err != nil {
		return fmt.Errorf("sqldriver: open dialector: %w", err)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("sqldriver: connect: %w", err)
	}
	d.db = db
	return nil
}

// Reconnect satisfies datasource.Reconnector: on a transient failure the
// caller re-dials before retrying the same tick's fetch (spec.md §4.2).
func (d *Driver) Reconnect(ctx context.Context) error {
	select {
	case d.reconnectMu <- struct{}{}:
		defer func() { <-d.reconnectMu }()
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.connect()
}

func (d *Driver) Fetch(ctx context.Context, query string, vars datasource.Vars, yield func(datasource.Row) bool) error {
	rows, err := d.db.WithContext(ctx).Raw(query, namedArgs(vars)...).Rows()
	if err != nil {
		return fmt.Errorf("sqldriver: fetch: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("sqldriver: columns: %w", err)
	}

	for rows.Next() {
		scanTargets := make([]any, len(cols))
		holders := make([]sql.NullString, len(cols))
		for i := range holders {
			scanTargets[i] = &holders[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return fmt.Errorf("sqldriver: scan: %w", err)
		}
		row := make(value.AttrMap, len(cols))
		for i, c := range cols {
			if holders[i].Valid {
				row[c] = value.String(holders[i].String)
			} else {
				row[c] = value.Null()
			}
		}
		if !yield(row) {
			break
		}
	}
	return rows.Err()
}

func (d *Driver) Add(ctx context.Context, query string, vars datasource.Vars) error {
	return d.db.WithContext(ctx).Exec(query, namedArgs(vars)...).Error
}

func (d *Driver) Modify(ctx context.Context, query string, vars datasource.Vars) error {
	return d.db.WithContext(ctx).Exec(query, namedArgs(vars)...).Error
}

func (d *Driver) Delete(ctx context.Context, query string, vars datasource.Vars) error {
	return d.db.WithContext(ctx).Exec(query, namedArgs(vars)...).Error
}

func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection with a 5-second timeout. No caller in this
// repository uses it; the producer's fetch path relies on Reconnect.
func (d *Driver) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func namedArgs(vars datasource.Vars) []any {
	out := make([]any, 0, len(vars))
	for k, v := range vars {
		out = append(out, sql.Named(k, v))
	}
	return out
}
