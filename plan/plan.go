// Package plan partitions a library's exports into forwarded and manually
// overridden symbols.
package plan

import (
	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/exports"
)

// Entry is one export together with its partition.
type Entry struct {
	exports.Export
	Overridden bool
}

// Plan is the reconciled partition. Entries keep export-directory order.
type Plan struct {
	entries []Entry
	index   map[string]int
}

// Reconcile checks every declared override against the export set, in the
// caller's order, and fails on the first name that is not exported or that is
// declared twice.
func Reconcile(exps []exports.Export, overrides []string) (*Plan, error) {
	p := &Plan{
		entries: make([]Entry, len(exps)),
		index:   make(map[string]int, len(exps)),
	}
	for i, e := range exps {
		if _, dup := p.index[e.Name]; dup {
			return nil, mitmerr.Duplicate(mitmerr.PhaseReconcile, e.Name, "export listed more than once")
		}
		p.entries[i] = Entry{Export: e}
		p.index[e.Name] = i
	}

	declared := make(map[string]struct{}, len(overrides))
	for _, name := range overrides {
		if _, dup := declared[name]; dup {
			return nil, mitmerr.Duplicate(mitmerr.PhaseReconcile, name, "override declared more than once")
		}
		declared[name] = struct{}{}

		i, ok := p.index[name]
		if !ok {
			return nil, mitmerr.NotFound(mitmerr.PhaseReconcile, name, "declared override is not exported by the library")
		}
		p.entries[i].Overridden = true
	}

	Logger().Debug("reconciled exports",
		zap.Int("exports", len(p.entries)),
		zap.Int("overrides", len(overrides)),
	)
	return p, nil
}

// Entries returns every export in directory order.
func (p *Plan) Entries() []Entry {
	return p.entries
}

// Lookup returns the entry for an export name.
func (p *Plan) Lookup(name string) (Entry, bool) {
	i, ok := p.index[name]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}

// Forwarded returns the names served by trampolines.
func (p *Plan) Forwarded() []string {
	return p.names(false)
}

// Overridden returns the names served by caller implementations.
func (p *Plan) Overridden() []string {
	return p.names(true)
}

func (p *Plan) names(overridden bool) []string {
	out := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Overridden == overridden {
			out = append(out, e.Name)
		}
	}
	return out
}

// Len returns the number of exports in the plan.
func (p *Plan) Len() int {
	return len(p.entries)
}
