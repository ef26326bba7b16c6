//go:build !windows

package dynload

type Module struct{}

func Open(locator string) (*Module, error) {
	_ = locator
	return nil, ErrUnsupported
}

func OpenInert(locator string) (*Module, error) {
	_ = locator
	return nil, ErrUnsupported
}

func (module *Module) Locator() string { return "" }

func (module *Module) ProcAddressByName(name string) (uintptr, error) {
	_ = name
	return 0, ErrUnsupported
}

func (module *Module) ProcAddressByOrdinal(ordinal uint16) (uintptr, error) {
	_ = ordinal
	return 0, ErrUnsupported
}

func (module *Module) Call(name string, args ...uintptr) (uintptr, error) {
	_, _ = name, args
	return 0, ErrUnsupported
}

func (module *Module) Free() {}
