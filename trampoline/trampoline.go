// Package trampoline emits the per-export forwarding thunks of a shim and
// checks built thunks against the expected encoding.
//
// A thunk is a single indirect jump through the export's slot. It pushes no
// return address, builds no frame and touches no argument or return register,
// so the callee sees exactly the caller's stack and registers. The thunk does
// not test the slot; a trapped slot jumps to the trap routine.
package trampoline

import (
	"fmt"
	"io"
	"sort"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

// Thunk names the external symbol of a forwarded export and the C symbol of
// its slot, both undecorated.
type Thunk struct {
	Export string
	Slot   string
}

// Jump is a decoded thunk.
type Jump struct {
	Len    int
	Target uint64 // absolute address of the slot read by the jump
}

// Strategy is the encoding for one architecture.
type Strategy interface {
	Arch() target.Arch
	// Mode is the x86asm decoding mode (32 or 64).
	Mode() int
	// Symbol decorates a C identifier the way the C compiler does.
	Symbol(cName string) string
	// Emit writes the GAS text of one thunk.
	Emit(w io.Writer, th Thunk) error
	// Decode checks machine code found at address site and returns the
	// slot address it jumps through.
	Decode(code []byte, site uint64) (Jump, error)
}

var strategies = map[target.Arch]Strategy{}

func register(s Strategy) {
	strategies[s.Arch()] = s
}

// For returns the strategy for t.
func For(t target.Descriptor) (Strategy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s, ok := strategies[t.Arch]
	if !ok {
		return nil, mitmerr.UnsupportedTarget(string(t.OS), string(t.Arch))
	}
	return s, nil
}

// Arches lists the architectures with a registered strategy.
func Arches() []target.Arch {
	out := make([]target.Arch, 0, len(strategies))
	for a := range strategies {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EmitAll writes the thunks in order.
func EmitAll(w io.Writer, s Strategy, thunks []Thunk) error {
	for _, th := range thunks {
		if err := s.Emit(w, th); err != nil {
			return fmt.Errorf("emit thunk %q: %w", th.Export, err)
		}
	}
	return nil
}

// QuoteSymbol renders a symbol for GAS, quoting names that are not plain
// identifiers.
func QuoteSymbol(sym string) string {
	for i := 0; i < len(sym); i++ {
		c := sym[i]
		if c == '_' || c == '.' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return `"` + sym + `"`
	}
	return sym
}
