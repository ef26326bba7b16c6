package dylibmitm

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/exports"
	"github.com/sliverarmory/dylibmitm/plan"
	"github.com/sliverarmory/dylibmitm/target"
	"github.com/sliverarmory/dylibmitm/trampoline"
)

const scnMemWrite = 0x80000000

// Thunk is a verified forwarding thunk of a built shim.
type Thunk struct {
	Export  string
	Site    uint64 // virtual address of the thunk at the preferred base
	Slot    uint64 // virtual address of the slot it jumps through
	Section string // section holding the slot
}

// Report is the outcome of Verify.
type Report struct {
	Target     target.Descriptor
	Init       string
	Forwarded  []Thunk
	Overridden []string
	// Missing lists original exports the shim does not export.
	Missing []string
	// Extra lists shim exports the original does not have, apart from the
	// initialization entry point.
	Extra []string
}

// Verify checks a built shim against the library it was generated from.
// Every original export must be exported by the shim, the initialization
// entry point must be present, and every forwarded export must be a single
// indirect jump through a slot in a writable section.
func Verify(originalPath, shimPath string, t target.Descriptor, overrides []string) (*Report, error) {
	strategy, err := trampoline.For(t)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", err)
	}
	orig, err := exports.ReadFile(originalPath, t)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: read exports of %s: %w", originalPath, err)
	}
	p, err := plan.Reconcile(orig, overrides)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: reconcile overrides: %w", err)
	}

	f, err := os.Open(shimPath)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: %w", mitmerr.New(mitmerr.PhaseVerify, mitmerr.KindIO).
			Locator(shimPath).Cause(err).Detail("open shim").Build())
	}
	defer f.Close()

	img, err := exports.NewImage(f, t)
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: read shim %s: %w", shimPath, err)
	}
	shimExports, err := img.Exports()
	if err != nil {
		return nil, fmt.Errorf("dylibmitm: read exports of %s: %w", shimPath, err)
	}

	byName := make(map[string]exports.Export, len(shimExports))
	for _, e := range shimExports {
		byName[e.Name] = e
	}

	report := &Report{Target: t, Init: InitSymbol(filepath.Base(originalPath))}
	for _, e := range p.Entries() {
		se, ok := byName[e.Name]
		if !ok {
			report.Missing = append(report.Missing, e.Name)
			continue
		}
		if e.Overridden {
			report.Overridden = append(report.Overridden, e.Name)
			continue
		}
		th, err := checkThunk(img, strategy, se)
		if err != nil {
			return report, fmt.Errorf("dylibmitm: %w", err)
		}
		report.Forwarded = append(report.Forwarded, th)
	}
	for _, e := range shimExports {
		if _, ok := p.Lookup(e.Name); !ok && e.Name != report.Init {
			report.Extra = append(report.Extra, e.Name)
		}
	}

	Logger().Debug("verified shim",
		zap.String("shim", shimPath),
		zap.Int("forwarded", len(report.Forwarded)),
		zap.Int("overridden", len(report.Overridden)),
		zap.Strings("missing", report.Missing),
		zap.Strings("extra", report.Extra),
	)

	if len(report.Missing) > 0 {
		return report, fmt.Errorf("dylibmitm: %w", mitmerr.New(mitmerr.PhaseVerify, mitmerr.KindNotFound).
			Symbol(report.Missing[0]).Locator(shimPath).
			Detail("%d export(s) of the original library are missing from the shim", len(report.Missing)).Build())
	}
	if _, ok := byName[report.Init]; !ok {
		return report, fmt.Errorf("dylibmitm: %w", mitmerr.NotFound(mitmerr.PhaseVerify, report.Init,
			"shim does not export its initialization entry point"))
	}
	return report, nil
}

func checkThunk(img *exports.Image, s trampoline.Strategy, e exports.Export) (Thunk, error) {
	fail := func(cause error, detail string, args ...any) (Thunk, error) {
		return Thunk{}, mitmerr.New(mitmerr.PhaseVerify, mitmerr.KindBadTrampoline).
			Symbol(e.Name).Cause(cause).Detail(detail, args...).Build()
	}
	if e.Forwarder != "" {
		return fail(nil, "export is forwarded to %s instead of a thunk", e.Forwarder)
	}

	code, err := img.ReadRVA(e.RVA, 16)
	if err != nil {
		if code, err = img.ReadRVA(e.RVA, 6); err != nil {
			return fail(err, "read thunk code")
		}
	}

	base := img.ImageBase()
	site := base + uint64(e.RVA)
	jump, err := s.Decode(code, site)
	if err != nil {
		return fail(err, "forwarded export is not a tail-call thunk")
	}
	if jump.Target < base || jump.Target-base > 0xffffffff {
		return fail(nil, "thunk jumps through 0x%x, outside the image", jump.Target)
	}
	slotRVA := uint32(jump.Target - base)
	name, chars, ok := img.SectionAt(slotRVA)
	if !ok {
		return fail(nil, "slot at rva 0x%x is not inside any section", slotRVA)
	}
	if chars&scnMemWrite == 0 {
		return fail(nil, "slot at rva 0x%x is in read-only section %s", slotRVA, name)
	}
	return Thunk{Export: e.Name, Site: site, Slot: jump.Target, Section: name}, nil
}
