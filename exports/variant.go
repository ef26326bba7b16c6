package exports

import (
	"fmt"

	"github.com/Binject/debug/pe"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	dirEntryExport = 0
)

// variant locates the export data directory for one optional header layout.
type variant interface {
	name() string
	exportDirectory(f *pe.File) (pe.DataDirectory, error)
	imageBase(f *pe.File) uint64
}

func variantFor(pointerWidth int) variant {
	if pointerWidth == 64 {
		return pe32Plus{}
	}
	return pe32{}
}

type pe32 struct{}

func (pe32) name() string { return "PE32" }

func (v pe32) exportDirectory(f *pe.File) (pe.DataDirectory, error) {
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	if !ok || oh.Magic != magicPE32 {
		return pe.DataDirectory{}, widthMismatch(v, f)
	}
	if oh.NumberOfRvaAndSizes <= dirEntryExport {
		return pe.DataDirectory{}, mitmerr.Malformed("optional header has no data directories")
	}
	return oh.DataDirectory[dirEntryExport], nil
}

func (pe32) imageBase(f *pe.File) uint64 {
	return uint64(f.OptionalHeader.(*pe.OptionalHeader32).ImageBase)
}

type pe32Plus struct{}

func (pe32Plus) name() string { return "PE32+" }

func (v pe32Plus) exportDirectory(f *pe.File) (pe.DataDirectory, error) {
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok || oh.Magic != magicPE32Plus {
		return pe.DataDirectory{}, widthMismatch(v, f)
	}
	if oh.NumberOfRvaAndSizes <= dirEntryExport {
		return pe.DataDirectory{}, mitmerr.Malformed("optional header has no data directories")
	}
	return oh.DataDirectory[dirEntryExport], nil
}

func (pe32Plus) imageBase(f *pe.File) uint64 {
	return f.OptionalHeader.(*pe.OptionalHeader64).ImageBase
}

func widthMismatch(want variant, f *pe.File) error {
	got := "no optional header"
	switch f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		got = "a PE32 image"
	case *pe.OptionalHeader64:
		got = "a PE32+ image"
	}
	return widthError(want, got)
}

func magicName(magic uint16) string {
	switch magic {
	case magicPE32:
		return "a PE32 image"
	case magicPE32Plus:
		return "a PE32+ image"
	}
	return fmt.Sprintf("optional header magic 0x%x", magic)
}

func widthError(want variant, got string) error {
	return mitmerr.New(mitmerr.PhaseConfig, mitmerr.KindInvalidInput).
		Detail("target requires a %s image, got %s", want.name(), got).
		Build()
}
