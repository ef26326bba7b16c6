package exports

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

const (
	offsetLfanew      = 0x3c
	coffSymbolSize    = 18
	maxSections       = 96
	dirEntrySecurity  = 4
	fileHeaderSize    = 20
	peSignatureSize   = 4
	ohDataDirOffset32 = 96
	ohDataDirOffset64 = 112
)

// checkHeaders reads the raw COFF and optional headers ahead of pe.NewFile.
// The library sizes allocations from header counts and picks the optional
// header layout from Machine, so both have to be consistent first.
func checkHeaders(r io.ReaderAt, t target.Descriptor, want variant) error {
	var lfanew [4]byte
	if err := readFull(r, lfanew[:], offsetLfanew); err != nil {
		return mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read DOS header")
	}
	peOff := int64(binary.LittleEndian.Uint32(lfanew[:]))

	hdr := make([]byte, peSignatureSize+fileHeaderSize+2)
	if err := readFull(r, hdr, peOff); err != nil {
		return mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read COFF header")
	}
	if string(hdr[:peSignatureSize]) != "PE\x00\x00" {
		return mitmerr.Malformed("missing PE signature at 0x%x", peOff)
	}
	var fh pe.FileHeader
	fh.Machine = binary.LittleEndian.Uint16(hdr[4:])
	fh.NumberOfSections = binary.LittleEndian.Uint16(hdr[6:])
	fh.PointerToSymbolTable = binary.LittleEndian.Uint32(hdr[12:])
	fh.NumberOfSymbols = binary.LittleEndian.Uint32(hdr[16:])
	fh.SizeOfOptionalHeader = binary.LittleEndian.Uint16(hdr[20:])
	magic := binary.LittleEndian.Uint16(hdr[24:])

	if fh.Machine != t.Machine() {
		return mitmerr.New(mitmerr.PhaseConfig, mitmerr.KindInvalidInput).
			Detail("image machine 0x%x does not match target %s (0x%x)", fh.Machine, t, t.Machine()).
			Build()
	}
	wantMagic, dataDirs := uint16(magicPE32), int64(ohDataDirOffset32)
	if _, plus := want.(pe32Plus); plus {
		wantMagic, dataDirs = magicPE32Plus, ohDataDirOffset64
	}
	if magic != wantMagic {
		return widthError(want, magicName(magic))
	}
	if fh.NumberOfSections > maxSections {
		return mitmerr.Malformed("image declares %d sections, at most %d are allowed", fh.NumberOfSections, maxSections)
	}
	if err := checkSymbols(r, &fh); err != nil {
		return err
	}

	oh := peOff + peSignatureSize + fileHeaderSize
	if int64(fh.SizeOfOptionalHeader) < dataDirs+(dirEntrySecurity+1)*8 {
		return nil
	}
	var count [4]byte
	if err := readFull(r, count[:], oh+dataDirs-4); err != nil {
		return mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read optional header")
	}
	if binary.LittleEndian.Uint32(count[:]) <= dirEntrySecurity {
		return nil
	}
	var dir [8]byte
	if err := readFull(r, dir[:], oh+dataDirs+dirEntrySecurity*8); err != nil {
		return mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read data directories")
	}
	// The security directory holds a file offset, not an RVA.
	off := binary.LittleEndian.Uint32(dir[0:])
	size := binary.LittleEndian.Uint32(dir[4:])
	if off != 0 && size != 0 && !readable(r, int64(off)+int64(size)-1) {
		return mitmerr.Malformed("certificate table at 0x%x+%d runs past the end of the image", off, size)
	}
	return nil
}

func checkSymbols(r io.ReaderAt, fh *pe.FileHeader) error {
	if fh.PointerToSymbolTable == 0 {
		return nil
	}
	end := int64(fh.PointerToSymbolTable) + int64(fh.NumberOfSymbols)*coffSymbolSize
	if fh.NumberOfSymbols > 0 && !readable(r, end-1) {
		return mitmerr.Malformed("%d COFF symbols at 0x%x run past the end of the image", fh.NumberOfSymbols, fh.PointerToSymbolTable)
	}
	var l [4]byte
	if err := readFull(r, l[:], end); err != nil {
		return mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read string table length")
	}
	if n := binary.LittleEndian.Uint32(l[:]); n > 4 && !readable(r, end+int64(n)-1) {
		return mitmerr.Malformed("string table of %d bytes at 0x%x runs past the end of the image", n, end)
	}
	return nil
}

// openFile runs pe.NewFile, turning a panic inside the library into a parse
// error.
func openFile(r io.ReaderAt) (f *pe.File, err error) {
	defer func() {
		if p := recover(); p != nil {
			f = nil
			err = mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, fmt.Errorf("%v", p), "parse PE headers")
		}
	}()
	f, err = pe.NewFile(r)
	if err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "parse PE headers")
	}
	return f, nil
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d", off)
	}
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at 0x%x: %w", len(buf), off, err)
}

func readable(r io.ReaderAt, off int64) bool {
	var b [1]byte
	return readFull(r, b[:], off) == nil
}
