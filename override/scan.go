// Package override finds the Go implementations of manually overridden
// exports and checks that each one can replace the original symbol.
//
// An implementation is a package-level function exported to C with a cgo
// "//export Name" directive. Its C prototype, as cgo will emit it, is
// recorded as a Marker; the generated C file asserts that the marker and the
// cgo prototype agree, so a mismatch fails the shim build before anything
// can call it.
package override

import (
	"fmt"
	"go/ast"
	"go/build"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

// GeneratedPrefix marks files written by the generator. Scan skips them.
const GeneratedPrefix = "mitm_"

// Package is the scanned shim package.
type Package struct {
	Dir     string
	Name    string
	HasMain bool
	Funcs   []Func
}

// Func is one package-level function or method.
type Func struct {
	Name string
	// Export is the name given by a "//export" directive, or empty.
	Export   string
	Receiver bool
	// Cgo reports whether the declaring file imports "C".
	Cgo     bool
	Params  []ast.Expr
	Results []ast.Expr
	Pos     token.Position
}

// Scan parses the Go files of dir that build for t with cgo enabled. Test
// files and generated files are ignored. A missing directory is an empty
// package.
func Scan(dir string, t target.Descriptor) (*Package, error) {
	pkg := &Package{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return pkg, nil
		}
		return nil, mitmerr.New(mitmerr.PhaseOverride, mitmerr.KindIO).
			Locator(dir).Cause(err).Detail("read package directory").Build()
	}

	ctx := build.Default
	ctx.GOOS = string(t.OS)
	ctx.GOARCH = string(t.Arch)
	ctx.CgoEnabled = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		if strings.HasPrefix(name, GeneratedPrefix) {
			continue
		}
		ok, err := ctx.MatchFile(dir, name)
		if err != nil {
			return nil, mitmerr.New(mitmerr.PhaseOverride, mitmerr.KindIO).
				Locator(filepath.Join(dir, name)).Cause(err).Detail("match build constraints").Build()
		}
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fset := token.NewFileSet()
	for _, name := range names {
		path := filepath.Join(dir, name)
		f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil, mitmerr.New(mitmerr.PhaseOverride, mitmerr.KindMalformed).
				Locator(path).Cause(err).Detail("parse Go source").Build()
		}
		if ast.IsGenerated(f) {
			continue
		}
		if pkg.Name == "" {
			pkg.Name = f.Name.Name
		} else if pkg.Name != f.Name.Name {
			return nil, mitmerr.New(mitmerr.PhaseOverride, mitmerr.KindInvalidInput).
				Pos(fset.Position(f.Name.Pos())).
				Detail("package %s does not match package %s", f.Name.Name, pkg.Name).Build()
		}
		pkg.collect(fset, f)
	}

	Logger().Debug("scanned override package",
		zap.String("dir", dir),
		zap.String("package", pkg.Name),
		zap.Int("files", len(names)),
		zap.Int("funcs", len(pkg.Funcs)),
	)
	return pkg, nil
}

func (pkg *Package) collect(fset *token.FileSet, f *ast.File) {
	cgo := false
	for _, imp := range f.Imports {
		if imp.Path.Value == `"C"` {
			cgo = true
			break
		}
	}

	for _, decl := range f.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		fn := Func{
			Name:     fd.Name.Name,
			Export:   exportDirective(fd.Doc),
			Receiver: fd.Recv != nil,
			Cgo:      cgo,
			Params:   fieldTypes(fd.Type.Params),
			Results:  fieldTypes(fd.Type.Results),
			Pos:      fset.Position(fd.Pos()),
		}
		if fn.Name == "main" && !fn.Receiver {
			pkg.HasMain = true
		}
		pkg.Funcs = append(pkg.Funcs, fn)
	}
}

// Lookup returns the functions implementing or named after export.
func (pkg *Package) Lookup(export string) []Func {
	var out []Func
	for _, fn := range pkg.Funcs {
		if fn.Export == export || fn.Name == export {
			out = append(out, fn)
		}
	}
	return out
}

func exportDirective(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	for _, c := range doc.List {
		rest, ok := strings.CutPrefix(c.Text, "//export ")
		if !ok {
			continue
		}
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// fieldTypes expands grouped fields so there is one type per value.
func fieldTypes(fl *ast.FieldList) []ast.Expr {
	if fl == nil {
		return nil
	}
	var out []ast.Expr
	for _, field := range fl.List {
		n := len(field.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			out = append(out, field.Type)
		}
	}
	return out
}

func (fn Func) String() string {
	return fmt.Sprintf("func %s at %s", fn.Name, fn.Pos)
}
