package trampoline

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

func init() {
	register(x86{})
}

// x86 reaches the slot with absolute addressing:
//
//	jmp *_mitm_orig_X        ; ff 25 <abs32>
type x86 struct{}

func (x86) Arch() target.Arch { return target.X86 }

func (x86) Mode() int { return 32 }

func (x86) Symbol(cName string) string {
	return "_" + cName
}

func (s x86) Emit(w io.Writer, th Thunk) error {
	label := QuoteSymbol(s.Symbol(th.Export))
	_, err := fmt.Fprintf(w, "\t.globl\t%s\n\t.p2align\t4, 0xcc\n%s:\n\tjmp\t*%s\n\n",
		label, label, QuoteSymbol(s.Symbol(th.Slot)))
	return err
}

func (s x86) Decode(code []byte, site uint64) (Jump, error) {
	inst, mem, err := decodeIndirectJump(code, s.Mode())
	if err != nil {
		return Jump{}, err
	}
	if mem.Base != 0 || mem.Index != 0 || mem.Segment != 0 {
		return Jump{}, badTrampoline("jump at 0x%x is %s, want absolute memory operand", site, inst)
	}
	return Jump{Len: inst.Len, Target: uint64(uint32(mem.Disp))}, nil
}

// decodeIndirectJump accepts exactly one JMP through a memory operand.
func decodeIndirectJump(code []byte, mode int) (x86asm.Inst, x86asm.Mem, error) {
	inst, err := x86asm.Decode(code, mode)
	if err == nil && (inst.Op == 0 || inst.Len > len(code)) {
		err = fmt.Errorf("incomplete instruction in % x", code)
	}
	if err != nil {
		return x86asm.Inst{}, x86asm.Mem{}, mitmerr.Wrap(mitmerr.PhaseVerify, mitmerr.KindBadTrampoline, err, "decode thunk")
	}
	if inst.Op != x86asm.JMP {
		return inst, x86asm.Mem{}, badTrampoline("first instruction is %s, want an indirect JMP", inst)
	}
	mem, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return inst, x86asm.Mem{}, badTrampoline("jump %s does not read its target from memory", inst)
	}
	return inst, mem, nil
}

func badTrampoline(format string, args ...any) error {
	return mitmerr.New(mitmerr.PhaseVerify, mitmerr.KindBadTrampoline).Detail(format, args...).Build()
}
