// Package pefixture builds small synthetic PE32/PE32+ DLL images for tests.
package pefixture

import (
	"bytes"
	"encoding/binary"

	"github.com/Binject/debug/pe"

	"github.com/sliverarmory/dylibmitm/target"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	headersSize      = 0x400
	peOffset         = 0x40

	characteristicsDLL = 0x2000 | 0x0002 // IMAGE_FILE_DLL | IMAGE_FILE_EXECUTABLE_IMAGE

	imageBase32 = 0x10000000
	imageBase64 = 0x180000000

	ScnCode  = 0x00000020 | 0x20000000 | 0x40000000 // CNT_CODE | MEM_EXECUTE | MEM_READ
	ScnData  = 0x00000040 | 0x40000000 | 0x80000000 // CNT_INITIALIZED_DATA | MEM_READ | MEM_WRITE
	ScnRData = 0x00000040 | 0x40000000              // CNT_INITIALIZED_DATA | MEM_READ
)

type section struct {
	name  string
	chars uint32
	data  []byte
}

type export struct {
	name      []byte
	rva       uint32
	forwarder string
	ordinal   int
}

// Builder assembles an image section by section. Exports are laid out in an
// .edata section appended when Bytes is called.
type Builder struct {
	machine  uint16
	width    int
	sections []section
	exports  []export
	noEdata  bool

	functions  int
	symbols    uint32
	numSymbols uint32
}

// New starts an image for t. t must be a supported descriptor.
func New(t target.Descriptor) *Builder {
	return &Builder{machine: t.Machine(), width: t.PointerWidth(), functions: -1}
}

// Machine overrides the COFF machine value.
func (b *Builder) Machine(m uint16) *Builder {
	b.machine = m
	return b
}

// Width overrides the optional header flavour (32 for PE32, 64 for PE32+).
func (b *Builder) Width(w int) *Builder {
	b.width = w
	return b
}

// WithoutExportDirectory leaves the export data directory empty.
func (b *Builder) WithoutExportDirectory() *Builder {
	b.noEdata = true
	return b
}

// ImageBase returns the preferred load address written to the image.
func (b *Builder) ImageBase() uint64 {
	if b.width == 64 {
		return imageBase64
	}
	return imageBase32
}

// Section appends a section and returns its RVA.
func (b *Builder) Section(name string, chars uint32, data []byte) uint32 {
	b.sections = append(b.sections, section{name: name, chars: chars, data: data})
	return sectionRVA(len(b.sections) - 1)
}

// Export adds a named export pointing at rva.
func (b *Builder) Export(name string, rva uint32) *Builder {
	return b.RawExport([]byte(name), rva)
}

// RawExport adds an export whose name bytes are written verbatim.
func (b *Builder) RawExport(name []byte, rva uint32) *Builder {
	b.exports = append(b.exports, export{name: name, rva: rva, ordinal: -1})
	return b
}

// Forward adds an export forwarded to another library ("DLL.Func").
func (b *Builder) Forward(name, to string) *Builder {
	b.exports = append(b.exports, export{name: []byte(name), forwarder: to, ordinal: -1})
	return b
}

// NameOrdinal overrides the address-table index of the i-th export.
func (b *Builder) NameOrdinal(i int, ordinal int) *Builder {
	b.exports[i].ordinal = ordinal
	return b
}

// Functions overrides NumberOfFunctions in the export directory. The address
// table itself still holds one entry per export.
func (b *Builder) Functions(n int) *Builder {
	b.functions = n
	return b
}

// Symbols sets the COFF symbol table pointer and count of the file header.
func (b *Builder) Symbols(ptr, n uint32) *Builder {
	b.symbols, b.numSymbols = ptr, n
	return b
}

// Bytes serializes the image.
func (b *Builder) Bytes() []byte {
	sections := append([]section(nil), b.sections...)

	var exportDir pe.DataDirectory
	if !b.noEdata {
		rva := sectionRVA(len(sections))
		edata := b.edata(rva)
		sections = append(sections, section{name: ".edata", chars: ScnRData, data: edata})
		exportDir = pe.DataDirectory{VirtualAddress: rva, Size: uint32(len(edata))}
	}

	var buf bytes.Buffer

	dos := make([]byte, peOffset)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], peOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	ohSize := uint16(224)
	if b.width == 64 {
		ohSize = 240
	}
	fh := pe.FileHeader{
		Machine:              b.machine,
		NumberOfSections:     uint16(len(sections)),
		PointerToSymbolTable: b.symbols,
		NumberOfSymbols:      b.numSymbols,
		SizeOfOptionalHeader: ohSize,
		Characteristics:      characteristicsDLL,
	}
	write(&buf, fh)

	sizeOfImage := sectionRVA(len(sections))
	if b.width == 64 {
		oh := pe.OptionalHeader64{
			Magic:               0x20b,
			ImageBase:           imageBase64,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       headersSize,
			Subsystem:           2,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[0] = exportDir
		write(&buf, oh)
	} else {
		oh := pe.OptionalHeader32{
			Magic:               0x10b,
			ImageBase:           imageBase32,
			SectionAlignment:    sectionAlignment,
			FileAlignment:       fileAlignment,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       headersSize,
			Subsystem:           2,
			NumberOfRvaAndSizes: 16,
		}
		oh.DataDirectory[0] = exportDir
		write(&buf, oh)
	}

	rawOffset := uint32(headersSize)
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		var name [8]uint8
		copy(name[:], s.name)
		rawSize := align(uint32(len(s.data)), fileAlignment)
		offsets[i] = rawOffset
		write(&buf, pe.SectionHeader32{
			Name:             name,
			VirtualSize:      uint32(len(s.data)),
			VirtualAddress:   sectionRVA(i),
			SizeOfRawData:    rawSize,
			PointerToRawData: rawOffset,
			Characteristics:  s.chars,
		})
		rawOffset += rawSize
	}

	pad(&buf, headersSize)
	for i, s := range sections {
		pad(&buf, int(offsets[i]))
		buf.Write(s.data)
	}
	pad(&buf, int(rawOffset))
	return buf.Bytes()
}

func (b *Builder) edata(base uint32) []byte {
	n := uint32(len(b.exports))
	eat := uint32(40)
	enpt := eat + 4*n
	ords := enpt + 4*n
	strs := ords + 2*n

	var strings bytes.Buffer
	dllName := base + strs
	strings.WriteString("fixture.dll\x00")

	nameRVAs := make([]uint32, n)
	for i, e := range b.exports {
		nameRVAs[i] = base + strs + uint32(strings.Len())
		strings.Write(e.name)
		strings.WriteByte(0)
	}
	fnRVAs := make([]uint32, n)
	for i, e := range b.exports {
		if e.forwarder != "" {
			fnRVAs[i] = base + strs + uint32(strings.Len())
			strings.WriteString(e.forwarder)
			strings.WriteByte(0)
			continue
		}
		fnRVAs[i] = e.rva
	}

	functions := n
	if b.functions >= 0 {
		functions = uint32(b.functions)
	}

	var out bytes.Buffer
	write(&out, struct {
		Characteristics, TimeDateStamp uint32
		MajorVersion, MinorVersion     uint16
		Name, Base                     uint32
		NumberOfFunctions              uint32
		NumberOfNames                  uint32
		AddressOfFunctions             uint32
		AddressOfNames                 uint32
		AddressOfNameOrdinals          uint32
	}{
		Name:                  dllName,
		Base:                  1,
		NumberOfFunctions:     functions,
		NumberOfNames:         n,
		AddressOfFunctions:    base + eat,
		AddressOfNames:        base + enpt,
		AddressOfNameOrdinals: base + ords,
	})
	write(&out, fnRVAs)
	write(&out, nameRVAs)
	for i, e := range b.exports {
		ordinal := uint16(i)
		if e.ordinal >= 0 {
			ordinal = uint16(e.ordinal)
		}
		write(&out, ordinal)
	}
	out.Write(strings.Bytes())
	return out.Bytes()
}

// DLL builds an image for t exporting names, each backed by a one-byte RET
// stub in .text.
func DLL(t target.Descriptor, names ...string) []byte {
	b := New(t)
	text := make([]byte, 16*len(names)+16)
	for i := range text {
		text[i] = 0xc3
	}
	base := b.Section(".text", ScnCode, text)
	for i, name := range names {
		b.Export(name, base+uint32(16*i))
	}
	return b.Bytes()
}

// Shim builds an image laid out like a generated shim: every name in thunks
// is exported as a "jmp *slot" thunk in .text reading a pointer cell in a
// .data section with slotChars, and every name in plain is backed by a RET
// stub.
func Shim(t target.Descriptor, slotChars uint32, thunks []string, plain ...string) *Builder {
	b := New(t)
	const stride = 16
	textRVA := sectionRVA(0)
	dataRVA := sectionRVA(1)

	text := make([]byte, stride*(len(thunks)+len(plain))+stride)
	for i := range text {
		text[i] = 0xcc
	}
	for i := range thunks {
		site := textRVA + uint32(stride*i)
		slot := dataRVA + uint32(8*i)
		code := text[stride*i:]
		code[0], code[1] = 0xff, 0x25
		if b.width == 64 {
			binary.LittleEndian.PutUint32(code[2:], slot-(site+6))
		} else {
			binary.LittleEndian.PutUint32(code[2:], uint32(b.ImageBase())+slot)
		}
	}
	for i := range plain {
		text[stride*(len(thunks)+i)] = 0xc3
	}

	b.Section(".text", ScnCode, text)
	b.Section(".data", slotChars, make([]byte, 8*len(thunks)+8))
	for i, name := range thunks {
		b.Export(name, textRVA+uint32(stride*i))
	}
	for i, name := range plain {
		b.Export(name, textRVA+uint32(stride*(len(thunks)+i)))
	}
	return b
}

func sectionRVA(i int) uint32 {
	return sectionAlignment * uint32(i+1)
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func pad(buf *bytes.Buffer, to int) {
	for buf.Len() < to {
		buf.WriteByte(0)
	}
}

func write(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}
