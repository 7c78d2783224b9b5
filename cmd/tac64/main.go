// Command tac64 compiles a single source file into a signed AArch64
// Mach-O executable for Apple Silicon.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xyproto/tac64/internal/ast"
	"github.com/xyproto/tac64/internal/diag"
	"github.com/xyproto/tac64/internal/irgen"
	"github.com/xyproto/tac64/internal/link"
	"github.com/xyproto/tac64/internal/macho"
	"github.com/xyproto/tac64/internal/sema"
)

const version = "tac64 0.1.0"

var logger = log.New(os.Stderr, "[tac64] ", 0)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "internal compiler error: %v\n", r)
			exitCode = 2
		}
	}()

	fs := flag.NewFlagSet("tac64", flag.ContinueOnError)
	var (
		output  string
		verbose bool
		showVer bool
	)
	fs.StringVar(&output, "o", "", "output executable path")
	fs.StringVar(&output, "output", "", "output executable path")
	fs.BoolVar(&verbose, "v", false, "verbose pipeline logging")
	fs.BoolVar(&verbose, "verbose", false, "verbose pipeline logging")
	fs.BoolVar(&showVer, "V", false, "print version and exit")
	fs.BoolVar(&showVer, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if showVer {
		fmt.Println(version)
		return 0
	}

	if !verbose {
		logger.SetOutput(io.Discard)
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tac64 [-o output] [-v] <source-file>")
		return 1
	}
	sourcePath := fs.Arg(0)

	if output == "" {
		stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
		output = filepath.Join(filepath.Dir(sourcePath), stem)
	}

	return compile(sourcePath, output)
}

func compile(sourcePath, output string) int {
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tac64: %v\n", err)
		return 1
	}

	timed := func(name string, fn func()) {
		start := time.Now()
		fn()
		logger.Printf("%s done in %s", name, time.Since(start))
	}

	var prog *ast.Program
	var parseErr error
	timed("parse", func() {
		prog, parseErr = ast.Parse(string(src))
	})
	if parseErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", sourcePath, parseErr)
		return 1
	}

	var bag *diag.Bag
	timed("check", func() {
		bag = sema.Check(prog)
	})
	if bag.HasErrors() {
		for _, d := range bag.All() {
			fmt.Fprintf(os.Stderr, "%s: %s\n", sourcePath, d)
		}
		fmt.Fprintf(os.Stderr, "%s: %d error(s)\n", sourcePath, bag.Count())
		return 1
	}

	irProg := irgen.Generate(prog)

	var result link.Result
	timed("codegen", func() {
		var lerr error
		result, lerr = link.Link(irProg)
		if lerr != nil {
			panic(lerr)
		}
	})

	var out bytes.Buffer
	timed("macho", func() {
		if merr := macho.Write(&out, result.Code, result.Entry, filepath.Base(output)); merr != nil {
			panic(merr)
		}
	})

	if err := os.WriteFile(output, out.Bytes(), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "tac64: %v\n", err)
		return 1
	}

	logger.Printf("wrote %s (%d bytes)", output, out.Len())
	return 0
}
