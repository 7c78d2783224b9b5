package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/xyproto/tac64/internal/ast"
	"github.com/xyproto/tac64/internal/ir"
	"github.com/xyproto/tac64/internal/ireval"
	"github.com/xyproto/tac64/internal/irgen"
	"github.com/xyproto/tac64/internal/link"
	"github.com/xyproto/tac64/internal/macho"
	"github.com/xyproto/tac64/internal/sema"
)

// compileSource runs the full pipeline in-process (parse, check, irgen,
// link, macho) and returns the built executable's bytes alongside the
// IR it was generated from. It never touches the filesystem or the
// CLI's flag/exit-code handling directly, since compile() in main.go
// reads and writes files and reports only an exit code.
func compileSource(t *testing.T, src string) ([]byte, *ir.Program) {
	t.Helper()

	prog, err := ast.Parse(src)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	bag := sema.Check(prog)
	if bag.HasErrors() {
		t.Fatalf("Check() reported errors: %v", bag.All())
	}
	irProg := irgen.Generate(prog)
	result, err := link.Link(irProg)
	if err != nil {
		t.Fatalf("Link() error: %v", err)
	}
	var out bytes.Buffer
	if err := macho.Write(&out, result.Code, result.Entry, "tac64.e2e"); err != nil {
		t.Fatalf("macho.Write() error: %v", err)
	}
	return out.Bytes(), irProg
}

func TestEndToEndScenarios(t *testing.T) {
	cases := []struct {
		name string
		src  string
		exit int
	}{
		{"return-zero", "fn main() { return 0; }", 0},
		{"return-one", "fn main() { return 1; }", 1},
		{"declare-and-return", "fn main() { a := 2; return a; }", 2},
		{"add-two-locals", "fn main() { a := 2; b := 3; return a + b; }", 5},
		{"call-add-function", "fn add(a, b) { return a + b; } fn main() { return add(2, 3); }", 5},
		{"sixteen-live-vregs-forces-spill", sixteenVregProgram(), 120},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bin, irProg := compileSource(t, c.src)
			if len(bin) == 0 {
				t.Fatal("compileSource produced an empty binary")
			}

			// Host-architecture-independent check: interpret the IR
			// directly rather than the assembled machine code, so this
			// assertion runs (and can catch an irgen-level regression,
			// e.g. call arguments never reaching the callee) on whatever
			// platform `go test` runs on, not just darwin/arm64.
			interpreted, err := ireval.Run(irProg)
			if err != nil {
				t.Fatalf("ireval.Run() error: %v", err)
			}
			if interpreted != int64(c.exit) {
				t.Fatalf("ireval exit code = %d, want %d", interpreted, c.exit)
			}

			if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
				t.Skipf("skipping compiled-binary execution on %s/%s: binary is darwin/arm64-only", runtime.GOOS, runtime.GOARCH)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, c.name)
			if err := os.WriteFile(path, bin, 0o755); err != nil {
				t.Fatalf("WriteFile() error: %v", err)
			}

			got := runAndWait(t, path)
			if got != c.exit {
				t.Fatalf("exit code = %d, want %d", got, c.exit)
			}
		})
	}
}

func sixteenVregProgram() string {
	var b bytes.Buffer
	b.WriteString("fn main() { ")
	for i := 0; i < 16; i++ {
		b.WriteString(intVarDecl(i))
	}
	b.WriteString("return ")
	for i := 0; i < 16; i++ {
		if i > 0 {
			b.WriteString(" + ")
		}
		b.WriteString(intVarName(i))
	}
	b.WriteString("; }")
	return b.String()
}

func intVarName(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func intVarDecl(i int) string {
	return intVarName(i) + " := " + itoa(i) + "; "
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// runAndWait execs path and waits for it, deferring to a platform-specific
// helper: execAndWait is implemented for darwin/arm64 using
// golang.org/x/sys/unix, and as an unreachable stub everywhere else (the
// darwin/arm64 check above always skips the test before calling it on
// other platforms).
func runAndWait(t *testing.T, path string) int {
	t.Helper()
	return execAndWait(t, path)
}
