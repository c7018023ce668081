// Package herr implements the typed-outcome error model used across the
// pipeline: fallible stages never panic and never rely on sentinel errors
// for expected conditions, they return a Diagnostic carrying one of the
// taxonomy codes from the error handling design.
package herr

import "fmt"

// Code identifies a taxonomy entry from the error handling design.
type Code string

const (
	ConfigInvalid       Code = "config_invalid"
	SourceUnavailable   Code = "source_unavailable"
	ProjectionError     Code = "projection_error"
	MergeConstraint     Code = "merge_constraint_violated"
	IntegrityViolated   Code = "integrity_violated"
	BusUnavailable      Code = "bus_unavailable"
	ApplyRetryable      Code = "apply_retryable"
	ApplyFatal          Code = "apply_fatal"
	SchemaIncompatible  Code = "schema_incompatible"
	TrashbinExpiryError Code = "trashbin_expiry_failure"
)

// Diagnostic is a structured, wrapped error tagged with a taxonomy Code and
// the coordinates (type/pkey/source) that produced it, so callers can log
// or alert without re-deriving context from a plain error string.
type Diagnostic struct {
	Code   Code
	Type   string
	Pkey   string
	Source string
	Err    error
}

func (d *Diagnostic) Error() string {
	if d.Type == "" && d.Pkey == "" {
		return fmt.Sprintf("%s: %v", d.Code, d.Err)
	}
	return fmt.Sprintf("%s[%s/%s]: %v", d.Code, d.Type, d.Pkey, d.Err)
}

func (d *Diagnostic) Unwrap() error { return d.Err }

// New builds a Diagnostic for the given code.
func New(code Code, err error) *Diagnostic {
	return &Diagnostic{Code: code, Err: err}
}

// WithCoords attaches type/pkey/source context and returns the receiver,
// so construction can stay a one-liner at the call site.
func (d *Diagnostic) WithCoords(typ, pkey, source string) *Diagnostic {
	d.Type, d.Pkey, d.Source = typ, pkey, source
	return d
}

// Outcome is the typed result of a fallible pipeline stage. Exactly one
// field is meaningful per the Kind: Diagnostic for Skip/Retryable/Fatal,
// nothing for OK.
type Outcome struct {
	Kind       Kind
	Diagnostic *Diagnostic
}

type Kind int

const (
	OK Kind = iota
	Skip
	Retryable
	Fatal
)

func Ok() Outcome                         { return Outcome{Kind: OK} }
func SkipWith(d *Diagnostic) Outcome      { return Outcome{Kind: Skip, Diagnostic: d} }
func RetryableWith(d *Diagnostic) Outcome { return Outcome{Kind: Retryable, Diagnostic: d} }
func FatalWith(d *Diagnostic) Outcome     { return Outcome{Kind: Fatal, Diagnostic: d} }

func (o Outcome) IsOK() bool { return o.Kind == OK }
