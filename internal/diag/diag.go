// Package diag defines the plain diagnostic type every external-facing
// compiler stage (lexer, parser, semantic analyzer) reports through.
// There is no pretty-printing layer here: the teacher's own tools print
// diagnostics with a bare fmt.Fprintf, and nothing else in the example
// corpus reaches for a richer renderer, so this package stays minimal
// by the same convention.
package diag

import "fmt"

// Diagnostic is one user-facing error, tied to a source position.
type Diagnostic struct {
	Line, Col int
	Message   string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Col, d.Message)
}

// Bag accumulates diagnostics across a whole compilation pass so that
// every violation is reported, not just the first.
type Bag struct {
	diags []Diagnostic
}

// Add records a diagnostic at line:col.
func (b *Bag) Add(line, col int, format string, args ...any) {
	b.diags = append(b.diags, Diagnostic{Line: line, Col: col, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any diagnostic has been recorded.
func (b *Bag) HasErrors() bool { return len(b.diags) > 0 }

// All returns every recorded diagnostic, in the order Add was called.
func (b *Bag) All() []Diagnostic { return b.diags }

// Count is the number of recorded diagnostics.
func (b *Bag) Count() int { return len(b.diags) }
