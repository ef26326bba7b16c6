// Package dylibmitm generates interception shims for Windows DLLs.
//
// Generate reads the export table of a PE32 or PE32+ library, reconciles it
// with the exports the caller implements by hand, and renders a cgo package
// that go build -buildmode=c-shared turns into a drop-in replacement DLL.
// Every export the caller does not implement is forwarded to the real
// library through a one-instruction tail-call thunk; the real library is
// opened once by the shim's loader, which resolves every export or aborts.
package dylibmitm

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sliverarmory/dylibmitm/emit"
	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/exports"
	"github.com/sliverarmory/dylibmitm/override"
	"github.com/sliverarmory/dylibmitm/plan"
	"github.com/sliverarmory/dylibmitm/slots"
	"github.com/sliverarmory/dylibmitm/target"
)

var ErrNoOutputDir = errors.New("dylibmitm: no output directory")

// Options configures one generation run.
type Options struct {
	// LibraryPath is the image whose exports are discovered.
	LibraryPath string
	// LoadPath is the locator the shim opens at runtime. It defaults to
	// LibraryPath, verbatim.
	LoadPath string
	// LoadExpression is a C expression of type const char * evaluated by the
	// loader instead of LoadPath. The helper mitm_system_path("x.dll") is in
	// scope.
	LoadExpression string
	// Overrides lists the exports implemented by hand in PackageDir.
	Overrides []string
	// PackageDir is the shim package. Its Go files are scanned for the
	// override implementations and the shim is written into it by default.
	PackageDir   string
	Target       target.Descriptor
	InitOnAttach bool
}

// Shim is a generated shim that has not been written yet.
type Shim struct {
	Target   target.Descriptor
	Library  string
	Plan     *plan.Plan
	Table    *slots.Table
	Bindings []override.Binding
	Files    []emit.File

	dir string
}

// Generate runs the whole pipeline in memory. Any error aborts generation
// before a file is written.
func Generate(opts Options) (*Shim, error) {
	if err := opts.Target.Validate(); err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", err)
	}
	if opts.LibraryPath == "" {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.InvalidInput("no library path"))
	}
	if opts.LoadPath != "" && opts.LoadExpression != "" {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.InvalidInput("a load path and a load expression are mutually exclusive"))
	}

	exps, err := exports.ReadFile(opts.LibraryPath, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: read exports of %s: %w", opts.LibraryPath, err)
	}
	if len(exps) == 0 {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.New(mitmerr.PhaseParse, mitmerr.KindMalformed).
			Locator(opts.LibraryPath).Detail("library has no named exports").Build())
	}

	p, err := plan.Reconcile(exps, opts.Overrides)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: reconcile overrides: %w", err)
	}

	table, err := slots.Build(p)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: declare slots: %w", err)
	}

	pkg := &override.Package{}
	if opts.PackageDir != "" {
		pkg, err = override.Scan(opts.PackageDir, opts.Target)
		if err != nil {
			return nil, fmt.Errorf("dylibmitm: scan %s: %w", opts.PackageDir, err)
		}
	}
	if pkg.Name != "" && pkg.Name != "main" {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.New(mitmerr.PhaseConfig, mitmerr.KindInvalidInput).
			Locator(opts.PackageDir).
			Detail("package %s must be main to build with -buildmode=c-shared", pkg.Name).Build())
	}

	bindings, err := override.Bind(pkg, p)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: bind overrides: %w", err)
	}

	loadPath := opts.LoadPath
	if loadPath == "" {
		loadPath = opts.LibraryPath
	}
	model, err := emit.NewModel(emit.Config{
		Library:      filepath.Base(opts.LibraryPath),
		Target:       opts.Target,
		Table:        table,
		Bindings:     bindings,
		LoadPath:     loadPath,
		LoadExpr:     opts.LoadExpression,
		InitOnAttach: opts.InitOnAttach,
		Package:      pkg.Name,
		HasMain:      pkg.HasMain,
	})
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", err)
	}
	files, err := emit.Render(model)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", err)
	}

	Logger().Info("generated shim",
		zap.String("library", opts.LibraryPath),
		zap.Stringer("target", opts.Target),
		zap.Int("forwarded", len(p.Forwarded())),
		zap.Int("overridden", len(p.Overridden())),
	)

	return &Shim{
		Target:   opts.Target,
		Library:  filepath.Base(opts.LibraryPath),
		Plan:     p,
		Table:    table,
		Bindings: bindings,
		Files:    files,
		dir:      opts.PackageDir,
	}, nil
}

// InitSymbol returns the name of the shim's initialization entry point.
func (s *Shim) InitSymbol() string {
	return InitSymbol(s.Library)
}

// InitSymbol returns the initialization entry point of the shim generated
// for library.
func InitSymbol(library string) string {
	return emit.Ident(library) + "_mitm_init"
}

// Write writes the shim into dir, or into the package directory it was
// generated for when dir is empty.
func (s *Shim) Write(dir string) error {
	if dir == "" {
		dir = s.dir
	}
	if dir == "" {
		return ErrNoOutputDir
	}
	if err := emit.WriteDir(dir, s.Files); err != nil {
		return fmt.Errorf("dylibmitm: write shim: %w", err)
	}
	return nil
}
