// Package datasource defines the uniform fetch/add/modify/delete
// capability (C4) over heterogeneous backends. Concrete drivers live in
// subpackages (sqldriver, flatfile); this package only fixes the
// contract every driver and caller agree on.
package datasource

import (
	"context"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/value"
)

// Row is one fetched record: a flat mapping from remote column name to a
// typed Value, ready to hand to the projection engine as Row.Remote.
type Row = value.AttrMap

// Vars is a parameter mapping bound into a query by the driver's native
// parameter syntax — never by string interpolation (spec.md §4.2).
type Vars map[string]any

// Driver is the capability every datasource backend exposes. All four
// operations take a template-rendered query/operation string plus a
// parameter mapping.
type Driver interface {
	// Fetch streams rows produced by query, yielding one Row per call to
	// yield. Fetch returns when iteration is exhausted, yield returns
	// false, or ctx is cancelled.
	Fetch(ctx context.Context, query string, vars Vars, yield func(Row) bool) error
	Add(ctx context.Context, query string, vars Vars) error
	Modify(ctx context.Context, query string, vars Vars) error
	Delete(ctx context.Context, query string, vars Vars) error
	// Close releases driver-owned resources (connections, file handles).
	Close() error
}

// Reconnector is implemented by drivers that support transparent
// reconnect on transient failure, as spec.md §4.2 requires ("Drivers must
// support transparent reconnect on transient failures").
type Reconnector interface {
	Reconnect(ctx context.Context) error
}
