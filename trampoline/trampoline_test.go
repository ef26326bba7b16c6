package trampoline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

var (
	win32 = target.Descriptor{OS: target.Windows, Arch: target.X86}
	win64 = target.Descriptor{OS: target.Windows, Arch: target.AMD64}
)

func TestFor(t *testing.T) {
	s, err := For(win64)
	require.NoError(t, err)
	assert.Equal(t, target.AMD64, s.Arch())
	assert.Equal(t, 64, s.Mode())

	s, err = For(win32)
	require.NoError(t, err)
	assert.Equal(t, target.X86, s.Arch())
	assert.Equal(t, 32, s.Mode())

	_, err = For(target.Descriptor{OS: target.Windows, Arch: "arm64"})
	assert.True(t, errors.Is(err, &mitmerr.Error{Phase: mitmerr.PhaseConfig, Kind: mitmerr.KindUnsupportedTarget}))

	assert.Equal(t, []target.Arch{target.X86, target.AMD64}, Arches())
}

func TestEmit_AMD64(t *testing.T) {
	s, err := For(win64)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Emit(&buf, Thunk{Export: "Init", Slot: "mitm_orig_Init"}))

	assert.Equal(t, "\t.globl\tInit\n\t.p2align\t4, 0xcc\nInit:\n\tjmp\t*mitm_orig_Init(%rip)\n\n", buf.String())
}

func TestEmit_X86(t *testing.T) {
	s, err := For(win32)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Emit(&buf, Thunk{Export: "Init", Slot: "mitm_orig_Init"}))

	assert.Equal(t, "\t.globl\t_Init\n\t.p2align\t4, 0xcc\n_Init:\n\tjmp\t*_mitm_orig_Init\n\n", buf.String())
}

func TestEmit_QuotesUnusualNames(t *testing.T) {
	s, err := For(win64)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EmitAll(&buf, s, []Thunk{
		{Export: "?Foo@@YAXXZ", Slot: "mitm_origx__3fFoo_40_40YAXXZ"},
		{Export: "Bar", Slot: "mitm_orig_Bar"},
	}))

	out := buf.String()
	assert.Contains(t, out, "\"?Foo@@YAXXZ\":\n\tjmp\t*mitm_origx__3fFoo_40_40YAXXZ(%rip)")
	assert.Contains(t, out, "Bar:\n\tjmp\t*mitm_orig_Bar(%rip)")
}

func TestQuoteSymbol(t *testing.T) {
	assert.Equal(t, "Init", QuoteSymbol("Init"))
	assert.Equal(t, "_mitm_orig_X1", QuoteSymbol("_mitm_orig_X1"))
	assert.Equal(t, `"1st"`, QuoteSymbol("1st"))
	assert.Equal(t, `"a@8"`, QuoteSymbol("a@8"))
}

func rel32(disp int32) []byte {
	b := []byte{0xff, 0x25, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[2:], uint32(disp))
	return b
}

func TestDecode_AMD64(t *testing.T) {
	s, err := For(win64)
	require.NoError(t, err)

	const site = 0x180001000
	j, err := s.Decode(append(rel32(0x2000-6), 0xcc, 0xcc), site)
	require.NoError(t, err)
	assert.Equal(t, 6, j.Len)
	assert.Equal(t, uint64(site+0x2000), j.Target)

	j, err = s.Decode(rel32(-0x100), site)
	require.NoError(t, err)
	assert.Equal(t, uint64(site+6-0x100), j.Target)

	// slot one page below the thunk
	j, err = s.Decode(rel32(-0x1006), 0x180002000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x180001000), j.Target)
}

func TestDecode_X86(t *testing.T) {
	s, err := For(win32)
	require.NoError(t, err)

	code := []byte{0xff, 0x25, 0x00, 0x30, 0x00, 0x10}
	j, err := s.Decode(code, 0x10001000)
	require.NoError(t, err)
	assert.Equal(t, 6, j.Len)
	assert.Equal(t, uint64(0x10003000), j.Target)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		tgt    target.Descriptor
		code   []byte
		detail string
	}{
		{name: "direct jump", tgt: win64, code: []byte{0xe9, 0x00, 0x10, 0x00, 0x00}, detail: "does not read its target from memory"},
		{name: "register jump", tgt: win64, code: []byte{0xff, 0xe0}, detail: "does not read its target from memory"},
		{name: "call", tgt: win64, code: []byte{0xff, 0x15, 0x00, 0x10, 0x00, 0x00}, detail: "want an indirect JMP"},
		{name: "absolute on amd64", tgt: win64, code: []byte{0xff, 0x24, 0x25, 0x00, 0x30, 0x00, 0x10}, detail: "RIP-relative"},
		{name: "register base on 386", tgt: win32, code: []byte{0xff, 0x20}, detail: "absolute memory operand"},
		{name: "ret", tgt: win32, code: []byte{0xc3}, detail: "want an indirect JMP"},
		{name: "truncated", tgt: win64, code: []byte{0xff, 0x25, 0x00}, detail: "decode thunk"},
		{name: "truncated on 386", tgt: win32, code: []byte{0xff, 0x25, 0x00, 0x30}, detail: "decode thunk"},
		{name: "lone prefix", tgt: win64, code: []byte{0xff}, detail: "decode thunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := For(tt.tgt)
			require.NoError(t, err)

			_, err = s.Decode(tt.code, 0x1000)
			require.Error(t, err)
			assert.True(t, errors.Is(err, &mitmerr.Error{Phase: mitmerr.PhaseVerify, Kind: mitmerr.KindBadTrampoline}))
			assert.Contains(t, err.Error(), tt.detail)
		})
	}
}
