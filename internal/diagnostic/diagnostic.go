// Package diagnostic defines the known-failure value type shared by the
// manifest reader and analyzer. Diagnostics are collected, never thrown:
// every function that can fail in a user-recoverable way returns them as
// data alongside (or instead of) a result.
package diagnostic

import "fmt"

// Severity distinguishes a hard failure from advisory information.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Location is a byte-range inside a manifest file, as produced by the
// JSON-AST-with-offsets collaborator (see internal/manifest).
type Location struct {
	File   string
	Offset int
	Length int
}

// Diagnostic is a single known-failure or advisory, carrying enough
// position information for an editor integration to underline the
// offending manifest region.
type Diagnostic struct {
	Severity      Severity
	Reason        string // stable machine-readable tag, e.g. "cycle", "invalid-config"
	Message       string
	Primary       Location
	Supplementary []Location
}

func (d Diagnostic) String() string {
	if d.Primary.File == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s:%d: %s", d.Severity, d.Primary.File, d.Primary.Offset, d.Message)
}

// Error satisfies the error interface so a Diagnostic can be used in
// contexts (wrapping, %w) that expect one, without us pretending known
// failures are unexpected ones.
func (d Diagnostic) Error() string { return d.String() }

// Bag accumulates diagnostics across a recursive analysis pass.
type Bag struct {
	items []Diagnostic
}

func (b *Bag) Add(d Diagnostic) { b.items = append(b.items, d) }

func (b *Bag) Addf(severity Severity, reason, format string, args ...interface{}) {
	b.Add(Diagnostic{Severity: severity, Reason: reason, Message: fmt.Sprintf(format, args...)})
}

func (b *Bag) Items() []Diagnostic { return b.items }

func (b *Bag) HasErrors() bool {
	for _, d := range b.items {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (b *Bag) Merge(other *Bag) {
	if other == nil {
		return
	}
	b.items = append(b.items, other.items...)
}
