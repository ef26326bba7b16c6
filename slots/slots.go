// Package slots declares the per-export function-pointer cells of a shim and
// models the one-shot loader that fills them.
//
// The generated C loader and Table.Load implement the same algorithm: open
// the real library, resolve every slot into a staging area, then commit all
// slots at once. A failure at any step leaves every slot holding the trap
// value. Neither performs any locking; the embedding host must finish loading
// before the first call and must not load concurrently.
package slots

import (
	"fmt"

	"go.uber.org/zap"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/plan"
)

const (
	// Prefix names slots whose export name is already a C identifier.
	Prefix = "mitm_orig_"
	// EscapedPrefix names slots whose export name had to be hex-escaped.
	EscapedPrefix = "mitm_origx_"
)

// trap is the value of every cell until Load commits. GetProcAddress never
// returns it for a resolved symbol.
const trap uintptr = 0

// Slot describes one cell.
type Slot struct {
	Export     string
	Symbol     string
	Index      int
	Overridden bool
}

// Library is the resolved-library half of the loader primitive.
type Library interface {
	ProcAddressByName(name string) (uintptr, error)
}

// OpenFunc is the open-by-locator half of the loader primitive.
type OpenFunc func(locator string) (Library, error)

// Table holds one cell per export, forwarded and overridden alike.
type Table struct {
	slots   []Slot
	index   map[string]int
	cells   []uintptr
	loaded  bool
	library Library
}

// Build declares a trapped slot for every entry of p, in plan order.
func Build(p *plan.Plan) (*Table, error) {
	entries := p.Entries()
	t := &Table{
		slots: make([]Slot, 0, len(entries)),
		index: make(map[string]int, len(entries)),
		cells: make([]uintptr, len(entries)),
	}

	symbols := make(map[string]string, len(entries))
	for i, e := range entries {
		sym := SymbolFor(e.Name)
		if prev, dup := symbols[sym]; dup {
			return nil, mitmerr.Duplicate(mitmerr.PhaseGenerate, e.Name,
				fmt.Sprintf("slot symbol %s already used by %q", sym, prev))
		}
		symbols[sym] = e.Name

		t.slots = append(t.slots, Slot{
			Export:     e.Name,
			Symbol:     sym,
			Index:      i,
			Overridden: e.Overridden,
		})
		t.index[e.Name] = i
		t.cells[i] = trap
	}
	return t, nil
}

// SymbolFor derives the C identifier of the slot for an export name. Valid
// identifiers keep their spelling; anything else is hex-escaped byte by byte
// under a distinct prefix so the mapping stays injective.
func SymbolFor(export string) string {
	if IsIdentifier(export) {
		return Prefix + export
	}
	const hex = "0123456789abcdef"
	b := make([]byte, 0, len(EscapedPrefix)+3*len(export))
	b = append(b, EscapedPrefix...)
	for i := 0; i < len(export); i++ {
		c := export[i]
		if isAlnum(c) {
			b = append(b, c)
			continue
		}
		b = append(b, '_', hex[c>>4], hex[c&0xf])
	}
	return string(b)
}

// IsIdentifier reports whether s is a valid C (and Go) identifier made of
// ASCII letters, digits and underscores.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' || isAlnum(c) {
			if i == 0 && c >= '0' && c <= '9' {
				return false
			}
			continue
		}
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// Slots returns every slot in declaration order.
func (t *Table) Slots() []Slot {
	return t.slots
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.slots)
}

// Lookup returns the slot of an export.
func (t *Table) Lookup(export string) (Slot, bool) {
	i, ok := t.index[export]
	if !ok {
		return Slot{}, false
	}
	return t.slots[i], true
}

// Loaded reports whether Load committed.
func (t *Table) Loaded() bool {
	return t.loaded
}

// Library returns the library opened by a successful Load.
func (t *Table) Library() Library {
	return t.library
}

// Resolve returns the address held by the export's slot. A slot still holding
// the trap value reports a not-loaded error naming the export.
func (t *Table) Resolve(export string) (uintptr, error) {
	i, ok := t.index[export]
	if !ok {
		return 0, mitmerr.NotFound(mitmerr.PhaseCall, export, "no slot declared for export")
	}
	if t.cells[i] == trap {
		return 0, mitmerr.NotLoaded(export)
	}
	return t.cells[i], nil
}

// Load opens the library at locator and resolves every slot by exact export
// name. Either every slot is committed or none is.
func (t *Table) Load(open OpenFunc, locator string) error {
	if t.loaded {
		return mitmerr.New(mitmerr.PhaseLoad, mitmerr.KindAlreadyLoaded).
			Locator(locator).
			Detail("library already loaded").
			Build()
	}

	lib, err := open(locator)
	if err != nil {
		return mitmerr.OpenFailed(locator, err)
	}

	staged := make([]uintptr, len(t.slots))
	for i, s := range t.slots {
		addr, err := lib.ProcAddressByName(s.Export)
		if err == nil && addr == trap {
			err = fmt.Errorf("symbol resolved to a nil address")
		}
		if err != nil {
			release(lib)
			e := mitmerr.MissingSymbol(s.Export, err)
			e.Locator = locator
			return e
		}
		staged[i] = addr
	}

	copy(t.cells, staged)
	t.loaded = true
	t.library = lib

	Logger().Debug("resolved library slots",
		zap.String("locator", locator),
		zap.Int("slots", len(t.slots)),
	)
	return nil
}

func release(lib Library) {
	if f, ok := lib.(interface{ Free() }); ok {
		f.Free()
	}
}
