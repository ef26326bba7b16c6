// Package emit renders the files of a generated shim package.
package emit

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/override"
	"github.com/sliverarmory/dylibmitm/slots"
	"github.com/sliverarmory/dylibmitm/target"
	"github.com/sliverarmory/dylibmitm/trampoline"
)

// Config is everything a shim is rendered from.
type Config struct {
	// Library is the file name of the intercepted library, e.g. "d3d9.dll".
	Library string
	Target  target.Descriptor
	Table   *slots.Table
	// Bindings must cover exactly the overridden slots of Table.
	Bindings []override.Binding
	// LoadPath is the literal locator opened at runtime.
	LoadPath string
	// LoadExpr, when set, is a C expression of type const char * evaluated
	// by the loader instead of LoadPath.
	LoadExpr     string
	InitOnAttach bool
	Package      string
	HasMain      bool
}

// Model is the template input.
type Model struct {
	Library  string
	Ident    string
	Base     string
	GoLoad   string
	Init     string
	Target   target.Descriptor
	Package  string
	EmitMain bool
	// Load is the C expression yielding the runtime locator.
	Load         string
	InitOnAttach bool
	Slots        []Slot
	Bindings     []Binding
	Tags         []string
	Thunks       string
	Directives   []string
}

// Slot is one cell of the generated slot table.
type Slot struct {
	Index      int
	Export     string
	Symbol     string
	Overridden bool
}

// Binding is one override with its marker.
type Binding struct {
	Export  string
	Slot    string
	Marker  string
	Typedef string
	Result  string
	Params  []string
}

// NewModel checks cfg and prepares the template input.
func NewModel(cfg Config) (*Model, error) {
	if cfg.Table == nil || cfg.Table.Len() == 0 {
		return nil, mitmerr.New(mitmerr.PhaseGenerate, mitmerr.KindInvalidInput).
			Locator(cfg.Library).Detail("library has no named exports to intercept").Build()
	}
	strategy, err := trampoline.For(cfg.Target)
	if err != nil {
		return nil, err
	}

	ident := Ident(cfg.Library)
	m := &Model{
		Library:      filepath.Base(cfg.Library),
		Ident:        ident,
		Base:         "mitm_" + strings.ToLower(ident),
		GoLoad:       "Load" + strings.ToUpper(ident[:1]) + ident[1:],
		Init:         ident + "_mitm_init",
		Target:       cfg.Target,
		Package:      cfg.Package,
		EmitMain:     !cfg.HasMain,
		InitOnAttach: cfg.InitOnAttach,
	}
	if m.Package == "" {
		m.Package = "main"
	}

	switch {
	case cfg.LoadExpr != "":
		m.Load = cfg.LoadExpr
	case cfg.LoadPath != "":
		m.Load = CQuote(cfg.LoadPath)
	default:
		return nil, mitmerr.InvalidInput("no runtime load target for %s", cfg.Library)
	}

	byExport := make(map[string]override.Binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		byExport[b.Export] = b
	}

	var thunks []trampoline.Thunk
	seenTags := map[string]bool{}
	for _, s := range cfg.Table.Slots() {
		if strings.ContainsAny(s.Export, "\"\\") {
			return nil, mitmerr.New(mitmerr.PhaseGenerate, mitmerr.KindInvalidName).
				Symbol(s.Export).Index(s.Index).
				Detail("export name cannot be written as an assembler symbol").Build()
		}
		m.Slots = append(m.Slots, Slot{Index: s.Index, Export: s.Export, Symbol: s.Symbol, Overridden: s.Overridden})

		if !s.Overridden {
			thunks = append(thunks, trampoline.Thunk{Export: s.Export, Slot: s.Symbol})
			m.Directives = append(m.Directives, directive(s.Export))
			continue
		}

		b, ok := byExport[s.Export]
		if !ok {
			return nil, mitmerr.NotFound(mitmerr.PhaseGenerate, s.Export, "overridden export has no binding")
		}
		delete(byExport, s.Export)

		marker := "mitm_marker_" + s.Export
		m.Bindings = append(m.Bindings, Binding{
			Export:  s.Export,
			Slot:    s.Symbol,
			Marker:  marker,
			Typedef: b.Marker.Typedef(marker),
			Result:  b.Marker.Result,
			Params:  b.Marker.Params,
		})
		for _, tag := range b.Marker.Tags() {
			if !seenTags[tag] {
				seenTags[tag] = true
				m.Tags = append(m.Tags, tag)
			}
		}
	}
	if len(byExport) > 0 {
		stray := make([]string, 0, len(byExport))
		for export := range byExport {
			stray = append(stray, export)
		}
		sort.Strings(stray)
		return nil, mitmerr.NotFound(mitmerr.PhaseGenerate, stray[0], "binding for an export that is not overridden")
	}

	m.Directives = append(m.Directives, directive(m.Init))

	var buf bytes.Buffer
	if err := trampoline.EmitAll(&buf, strategy, thunks); err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseGenerate, mitmerr.KindIO, err, "emit trampolines")
	}
	m.Thunks = buf.String()
	return m, nil
}

// Ident derives a C identifier from a library file name: the extension is
// dropped and every other byte outside [A-Za-z0-9_] becomes '_'.
func Ident(library string) string {
	stem := filepath.Base(library)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	b := []byte(stem)
	for i, c := range b {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			b[i] = '_'
		}
	}
	if len(b) == 0 || b[0] >= '0' && b[0] <= '9' {
		b = append([]byte("lib"), b...)
	}
	return string(b)
}

func directive(export string) string {
	if trampoline.QuoteSymbol(export) != export {
		return ` -export:\"` + export + `\"`
	}
	return " -export:" + export
}
