package override

import (
	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/plan"
)

// Binding ties an overridden export to its implementation.
type Binding struct {
	Export string
	Func   Func
	Marker Marker
}

// Bind resolves the implementation of every overridden export of p and
// rejects "//export" directives that would clash with a forwarding thunk.
// Errors are reported in export order and carry the offending position.
func Bind(pkg *Package, p *plan.Plan) ([]Binding, error) {
	var out []Binding
	for _, e := range p.Entries() {
		if !e.Overridden {
			for _, fn := range pkg.Funcs {
				if fn.Export == e.Name {
					return nil, overrideErr(mitmerr.KindDuplicate, e.Name, fn).
						Detail("//export %s clashes with the forwarding thunk of a forwarded export", e.Name).Build()
				}
			}
			continue
		}

		b, err := bind(pkg, e.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	Logger().Debug("bound overrides", zap.Int("bindings", len(out)))
	return out, nil
}

func bind(pkg *Package, export string) (Binding, error) {
	var impl *Func
	for _, fn := range pkg.Lookup(export) {
		switch {
		case fn.Receiver && fn.Export == "":
			continue
		case fn.Receiver:
			return Binding{}, overrideErr(mitmerr.KindReceiver, export, fn).
				Detail("override must be a package-level function, not a method").Build()
		case fn.Export == "":
			return Binding{}, overrideErr(mitmerr.KindVisibility, export, fn).
				Detail("override is missing an //export %s directive", export).Build()
		case fn.Export != fn.Name:
			return Binding{}, overrideErr(mitmerr.KindVisibility, export, fn).
				Detail("//export %s is attached to function %s", fn.Export, fn.Name).Build()
		case !fn.Cgo:
			return Binding{}, overrideErr(mitmerr.KindVisibility, export, fn).
				Detail("override is declared in a file that does not import \"C\"").Build()
		case impl != nil:
			return Binding{}, overrideErr(mitmerr.KindDuplicate, export, fn).
				Detail("override already implemented at %s", impl.Pos).Build()
		}
		impl = &fn
	}
	if impl == nil {
		return Binding{}, mitmerr.NotFound(mitmerr.PhaseOverride, export, "overridden export has no //export implementation")
	}

	m, err := MarkerFor(*impl)
	if err != nil {
		return Binding{}, overrideErr(mitmerr.KindSignature, export, *impl).
			Cause(err).Detail("override signature cannot be exported to C").Build()
	}
	return Binding{Export: export, Func: *impl, Marker: m}, nil
}

func overrideErr(kind mitmerr.Kind, export string, fn Func) *mitmerr.Builder {
	return mitmerr.New(mitmerr.PhaseOverride, kind).Symbol(export).Pos(fn.Pos)
}
