package dylibmitm

import (
	"fmt"

	"github.com/sliverarmory/dylibmitm/dynload"
	"github.com/sliverarmory/dylibmitm/exports"
	"github.com/sliverarmory/dylibmitm/plan"
	"github.com/sliverarmory/dylibmitm/slots"
	"github.com/sliverarmory/dylibmitm/target"
)

// Resolved is one slot filled by a probe.
type Resolved struct {
	Export  string
	Symbol  string
	Address uintptr
}

// Probe runs the shim's loader algorithm against the library at locator:
// open it, resolve every export of p, commit all at once. The library is
// released before Probe returns.
func Probe(locator string, p *plan.Plan, open slots.OpenFunc) ([]Resolved, error) {
	table, err := slots.Build(p)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: declare slots: %w", err)
	}
	if err := table.Load(open, locator); err != nil {
		return nil, fmt.Errorf("dylibmitm: probe %s: %w", locator, err)
	}
	defer func() {
		if f, ok := table.Library().(interface{ Free() }); ok {
			f.Free()
		}
	}()

	out := make([]Resolved, 0, table.Len())
	for _, s := range table.Slots() {
		addr, err := table.Resolve(s.Export)
		if err != nil {
			return nil, fmt.Errorf("dylibmitm: probe %s: %w", locator, err)
		}
		out = append(out, Resolved{Export: s.Export, Symbol: s.Symbol, Address: addr})
	}
	return out, nil
}

// ProbeLibrary discovers the exports of libraryPath and probes them against
// locator with the native loader, without running the library's entry point.
// Locator defaults to libraryPath.
func ProbeLibrary(libraryPath, locator string, t target.Descriptor) ([]Resolved, error) {
	exps, err := exports.ReadFile(libraryPath, t)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: read exports of %s: %w", libraryPath, err)
	}
	p, err := plan.Reconcile(exps, nil)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: reconcile exports: %w", err)
	}
	if locator == "" {
		locator = libraryPath
	}
	return Probe(locator, p, OpenInert)
}

// OpenInert opens a library with dynload.OpenInert.
func OpenInert(locator string) (slots.Library, error) {
	m, err := dynload.OpenInert(locator)
	if err != nil {
		return nil, err
	}
	return m, nil
}
