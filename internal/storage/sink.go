// Package storage writes prepared datasets into SQL tables.
//
// The package defines a backend-agnostic Sink plus a registry of backend
// factories. Backends live in subpackages and register themselves from init();
// import internal/storage/all to make every backend available.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SinkConfig is the minimal configuration needed to open a Sink.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type SinkConfig struct {
	Kind string
	DSN  string
}

// Sink is the write side of one SQL backend.
//
// Each backend implements these semantics in its own idiomatic way (SQLite
// INSERT OR IGNORE, Postgres ON CONFLICT, SQL Server NOT EXISTS).
type Sink interface {
	// EnsureTable creates the table when it does not exist yet. It never alters
	// an existing table.
	EnsureTable(ctx context.Context, table TableSpec) error

	// InsertRows appends rows. Every row holds one value per column, in the
	// order of columns. When table.Unique is set, rows colliding on those
	// columns (with stored rows or within rows) are skipped.
	//
	// The returned count is the number of rows actually written.
	InsertRows(ctx context.Context, table TableSpec, columns []string, rows [][]any) (int64, error)

	// Close releases connections. Call it once.
	Close() error
}

// Factory opens a Sink for a backend.
type Factory func(ctx context.Context, cfg SinkConfig) (Sink, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterSink registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterSink(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: RegisterSink called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterSink called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: sink factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// NewSink opens a Sink using the factory registered for cfg.Kind.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing sink kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
