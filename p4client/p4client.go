// Package p4client defines the boundary (spec §6) between the core and the
// depot client library: tagged command execution, streaming print with
// charset conversion, spec fetch-modify-save, numbered-changelist
// lifecycle, and scoped exception suppression.
//
// The core never talks to a depot socket directly; every depot-facing
// package takes a Client interface so tests can supply an in-memory fake
// (see faketest subpackage) while production wiring supplies a real one.
package p4client

import (
	"context"
	"io"
)

// Result is one tagged-output dictionary, as returned by "p4 -G" style
// tagged command execution.
type Result map[string]string

// PrintOpts configures a depot Print (file content fetch).
type PrintOpts struct {
	SuppressKeywords bool // fetch with RCS keyword expansion disabled
	Charset          string
}

// Spec is the generic fetch-modify-save unit for client/user/group/stream/
// depot specs: an opaque tagged field map plus its spec type name.
type Spec struct {
	Type   string // "client", "user", "group", "stream", "depot"
	Name   string
	Fields map[string]string
}

// ErrorSeverity mirrors the depot client library's warning/error/fatal
// levels, needed so callers can scope which severities to suppress.
type ErrorSeverity int

const (
	SeverityEmpty ErrorSeverity = iota
	SeverityInfo
	SeverityWarn
	SeverityFailed
	SeverityFatal
)

// Client is the depot client library boundary. A production implementation
// wraps a real connection (e.g. github.com/perforce/p4gf style RPC, or a
// p4 CLI subprocess); faketest.Client implements it purely in memory.
type Client interface {
	// Run executes a tagged command, e.g. Run(ctx, "changes", "-m", "10", "//depot/...").
	Run(ctx context.Context, args ...string) ([]Result, error)

	// Print streams a depot file revision's content to w.
	Print(ctx context.Context, depotPathRev string, w io.Writer, opts PrintOpts) error

	// FetchSpec retrieves a spec by type+name ("" Name = template/default).
	FetchSpec(ctx context.Context, specType, name string) (*Spec, error)
	// SaveSpec writes a spec back (fetch-modify-save idempotence: callers
	// should FetchSpec, mutate Fields, then SaveSpec the same object).
	SaveSpec(ctx context.Context, spec *Spec) error

	// NewChange opens a new numbered pending changelist, returning its
	// number. The description can be edited later via UpdateChangeDesc.
	NewChange(ctx context.Context, client string, description string) (int, error)
	// UpdateChangeDesc rewrites a pending changelist's description.
	UpdateChangeDesc(ctx context.Context, change int, description string) error
	// Submit submits a pending changelist, returning the final changelist
	// number (which may differ from the pending number).
	Submit(ctx context.Context, change int) (int, error)
	// Revert reverts all open files in a pending changelist.
	Revert(ctx context.Context, change int) error
	// DeleteChange deletes an empty pending changelist.
	DeleteChange(ctx context.Context, change int) error
	// ReownChange reassigns a submitted changelist's owner.
	ReownChange(ctx context.Context, change int, newOwner string) error

	// Counter reads a depot counter's current value (empty string if unset).
	Counter(ctx context.Context, name string) (string, error)
	// SetCounter sets a depot counter to value.
	SetCounter(ctx context.Context, name, value string) error
	// DeleteCounter removes a depot counter.
	DeleteCounter(ctx context.Context, name string) error
	// IncrementCounter atomically increments a counter and returns its new
	// value (the "increment-and-test" primitive the atomic-push lock uses).
	IncrementCounter(ctx context.Context, name string) (int, error)
}

// IgnoreFunc is the shape of a scoped severity-suppression hook: it
// suppresses the named severities and returns a func that ends the
// suppression. The Client interface has no method that returns one.
type IgnoreFunc func(severities ...ErrorSeverity) func()
