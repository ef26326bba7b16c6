package exports

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unicode"
	"unicode/utf8"

	"github.com/Binject/debug/pe"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/target"
)

const (
	exportDirectorySize = 40
	maxNameLen          = 4096
)

// Export is one named entry of the export directory.
type Export struct {
	Name      string
	Forwarder string // "DLL.Func" when the entry forwards to another library
	Index     int    // position in the name pointer table
	Ordinal   uint32 // biased ordinal (Base + address table index)
	RVA       uint32
}

// IMAGE_EXPORT_DIRECTORY
type exportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// Image is a parsed PE image bound to the target it was opened for.
type Image struct {
	file    *pe.File
	target  target.Descriptor
	variant variant
	dir     pe.DataDirectory
}

// NewImage parses the headers of r. Unsupported targets are rejected before
// any byte is read.
func NewImage(r io.ReaderAt, t target.Descriptor) (*Image, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	v := variantFor(t.PointerWidth())
	if err := checkHeaders(r, t, v); err != nil {
		return nil, err
	}
	f, err := openFile(r)
	if err != nil {
		return nil, err
	}
	dir, err := v.exportDirectory(f)
	if err != nil {
		return nil, err
	}
	return &Image{file: f, target: t, variant: v, dir: dir}, nil
}

// Target returns the descriptor the image was validated against.
func (img *Image) Target() target.Descriptor {
	return img.target
}

// ImageBase returns the preferred load address of the image.
func (img *Image) ImageBase() uint64 {
	return img.variant.imageBase(img.file)
}

// Exports decodes every named export in name-table order. The result has
// exactly NumberOfNames entries or an error naming the first bad index.
func (img *Image) Exports() ([]Export, error) {
	if img.dir.VirtualAddress == 0 || img.dir.Size == 0 {
		return nil, mitmerr.Malformed("%s image has no export directory", img.variant.name())
	}

	raw, err := img.ReadRVA(img.dir.VirtualAddress, exportDirectorySize)
	if err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read export directory")
	}
	var ed exportDirectory
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ed); err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "decode export directory")
	}
	if ed.NumberOfNames == 0 {
		return []Export{}, nil
	}

	names, err := img.ReadRVA(ed.AddressOfNames, int(ed.NumberOfNames)*4)
	if err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read name pointer table")
	}
	ordinals, err := img.ReadRVA(ed.AddressOfNameOrdinals, int(ed.NumberOfNames)*2)
	if err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read name ordinal table")
	}
	functions, err := img.ReadRVA(ed.AddressOfFunctions, int(ed.NumberOfFunctions)*4)
	if err != nil {
		return nil, mitmerr.Wrap(mitmerr.PhaseParse, mitmerr.KindMalformed, err, "read export address table")
	}

	out := make([]Export, 0, ed.NumberOfNames)
	seen := make(map[string]int, ed.NumberOfNames)
	for i := 0; i < int(ed.NumberOfNames); i++ {
		nameRVA := binary.LittleEndian.Uint32(names[i*4:])
		rawName, err := img.readCString(nameRVA)
		if err != nil {
			e := mitmerr.MalformedEntry(i, mitmerr.KindMalformed, "read name")
			e.Cause = err
			return nil, e
		}
		name, err := decodeName(rawName)
		if err != nil {
			return nil, mitmerr.MalformedEntry(i, mitmerr.KindInvalidName, err.Error())
		}
		if first, dup := seen[name]; dup {
			return nil, mitmerr.New(mitmerr.PhaseParse, mitmerr.KindDuplicate).
				Index(i).
				Symbol(name).
				Detail("name already exported at #%d", first).
				Build()
		}
		seen[name] = i

		slot := uint32(binary.LittleEndian.Uint16(ordinals[i*2:]))
		if slot >= ed.NumberOfFunctions {
			return nil, mitmerr.MalformedEntry(i, mitmerr.KindMalformed,
				fmt.Sprintf("name ordinal %d outside export address table of %d entries", slot, ed.NumberOfFunctions))
		}
		rva := binary.LittleEndian.Uint32(functions[slot*4:])

		exp := Export{
			Name:    name,
			Index:   i,
			Ordinal: ed.Base + slot,
			RVA:     rva,
		}
		if img.inExportDirectory(rva) {
			fwd, err := img.readCString(rva)
			if err != nil {
				e := mitmerr.MalformedEntry(i, mitmerr.KindMalformed, "read forwarder")
				e.Cause = err
				return nil, e
			}
			exp.Forwarder = string(fwd)
		}
		out = append(out, exp)
	}
	return out, nil
}

// ReadRVA reads n bytes of file-backed data starting at rva.
func (img *Image) ReadRVA(rva uint32, n int) ([]byte, error) {
	s := img.section(rva)
	if s == nil {
		return nil, fmt.Errorf("rva 0x%x is not inside any section", rva)
	}
	off := rva - s.VirtualAddress
	if uint64(off)+uint64(n) > uint64(s.Size) {
		return nil, fmt.Errorf("rva 0x%x+%d runs past the raw data of section %s", rva, n, s.Name)
	}
	buf := make([]byte, n)
	if _, err := s.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("read section %s at 0x%x: %w", s.Name, off, err)
	}
	return buf, nil
}

// SectionAt returns the name and characteristics of the section containing
// rva.
func (img *Image) SectionAt(rva uint32) (name string, characteristics uint32, ok bool) {
	s := img.section(rva)
	if s == nil {
		return "", 0, false
	}
	return s.Name, s.Characteristics, true
}

func (img *Image) section(rva uint32) *pe.Section {
	for _, s := range img.file.Sections {
		size := s.VirtualSize
		if s.Size > size {
			size = s.Size
		}
		if rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(size) {
			return s
		}
	}
	return nil
}

func (img *Image) inExportDirectory(rva uint32) bool {
	return rva >= img.dir.VirtualAddress && uint64(rva) < uint64(img.dir.VirtualAddress)+uint64(img.dir.Size)
}

func (img *Image) readCString(rva uint32) ([]byte, error) {
	s := img.section(rva)
	if s == nil {
		return nil, fmt.Errorf("rva 0x%x is not inside any section", rva)
	}
	off := rva - s.VirtualAddress
	if off >= s.Size {
		return nil, fmt.Errorf("rva 0x%x is outside the raw data of section %s", rva, s.Name)
	}
	n := s.Size - off
	if n > maxNameLen+1 {
		n = maxNameLen + 1
	}
	buf, err := img.ReadRVA(rva, int(n))
	if err != nil {
		return nil, err
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return nil, fmt.Errorf("string at rva 0x%x is not NUL-terminated within %d bytes", rva, len(buf))
	}
	return buf[:end], nil
}

func decodeName(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty name")
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("name %q is not valid UTF-8", raw)
	}
	name := string(raw)
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", fmt.Errorf("name %q contains non-printable character %U", name, r)
		}
	}
	return name, nil
}

// Read returns the named exports of the image in r.
func Read(r io.ReaderAt, t target.Descriptor) ([]Export, error) {
	img, err := NewImage(r, t)
	if err != nil {
		return nil, err
	}
	return img.Exports()
}

// ReadFile returns the named exports of the image at path.
func ReadFile(path string, t target.Descriptor) ([]Export, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, mitmerr.New(mitmerr.PhaseConfig, mitmerr.KindIO).Locator(path).Cause(err).Detail("open image").Build()
	}
	defer f.Close()
	return Read(f, t)
}

// Names projects exports onto their names, preserving order.
func Names(exps []Export) []string {
	out := make([]string, len(exps))
	for i, e := range exps {
		out[i] = e.Name
	}
	return out
}
