package trampoline

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sliverarmory/dylibmitm/target"
)

func init() {
	register(amd64{})
}

// amd64 reaches the slot relative to the instruction pointer:
//
//	jmp *mitm_orig_X(%rip)   ; ff 25 <rel32>
type amd64 struct{}

func (amd64) Arch() target.Arch { return target.AMD64 }

func (amd64) Mode() int { return 64 }

func (amd64) Symbol(cName string) string {
	return cName
}

func (s amd64) Emit(w io.Writer, th Thunk) error {
	label := QuoteSymbol(s.Symbol(th.Export))
	_, err := fmt.Fprintf(w, "\t.globl\t%s\n\t.p2align\t4, 0xcc\n%s:\n\tjmp\t*%s(%%rip)\n\n",
		label, label, QuoteSymbol(s.Symbol(th.Slot)))
	return err
}

func (s amd64) Decode(code []byte, site uint64) (Jump, error) {
	inst, mem, err := decodeIndirectJump(code, s.Mode())
	if err != nil {
		return Jump{}, err
	}
	if mem.Base != x86asm.RIP || mem.Index != 0 {
		return Jump{}, badTrampoline("jump at 0x%x is %s, want RIP-relative memory operand", site, inst)
	}
	// x86asm reports the rel32 zero-extended.
	next := site + uint64(inst.Len)
	return Jump{Len: inst.Len, Target: uint64(int64(next) + int64(int32(mem.Disp)))}, nil
}
