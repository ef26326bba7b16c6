//go:build windows

package dynload

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/windows"
)

// Module is a library mapped by the Windows loader.
type Module struct {
	mu      sync.RWMutex
	handle  windows.Handle
	locator string
	closed  bool
}

// Open loads the library at locator and runs its entry point, so exports can
// be called.
func Open(locator string) (*Module, error) {
	return open(locator, 0)
}

// OpenInert maps the library without resolving its imports or running its
// entry point. Addresses can be resolved but must not be called.
func OpenInert(locator string) (*Module, error) {
	return open(locator, windows.DONT_RESOLVE_DLL_REFERENCES)
}

func open(locator string, flags uintptr) (*Module, error) {
	if locator == "" {
		return nil, errors.New("dynload: empty library locator")
	}
	h, err := windows.LoadLibraryEx(locator, 0, flags)
	if err != nil {
		return nil, fmt.Errorf("dynload: load %s: %w", locator, err)
	}
	return &Module{handle: h, locator: locator}, nil
}

// Locator returns the string the module was opened with.
func (module *Module) Locator() string {
	return module.locator
}

// ProcAddressByName resolves an export by its exact name.
func (module *Module) ProcAddressByName(name string) (uintptr, error) {
	module.mu.RLock()
	defer module.mu.RUnlock()

	if module.closed {
		return 0, ErrClosed
	}
	addr, err := windows.GetProcAddress(module.handle, name)
	if err != nil {
		return 0, fmt.Errorf("dynload: resolve %q in %s: %w", name, module.locator, err)
	}
	return addr, nil
}

// ProcAddressByOrdinal resolves an export by ordinal.
func (module *Module) ProcAddressByOrdinal(ordinal uint16) (uintptr, error) {
	module.mu.RLock()
	defer module.mu.RUnlock()

	if module.closed {
		return 0, ErrClosed
	}
	addr, err := windows.GetProcAddressByOrdinal(module.handle, uintptr(ordinal))
	if err != nil {
		return 0, fmt.Errorf("dynload: resolve ordinal %d in %s: %w", ordinal, module.locator, err)
	}
	return addr, nil
}

// Call resolves an export and calls it with integer-class arguments.
func (module *Module) Call(name string, args ...uintptr) (uintptr, error) {
	addr, err := module.ProcAddressByName(name)
	if err != nil {
		return 0, err
	}
	r1, _, _ := syscall.SyscallN(addr, args...)
	return r1, nil
}

// Free unloads the library. Calling it twice is harmless.
func (module *Module) Free() {
	module.mu.Lock()
	defer module.mu.Unlock()

	if module.closed {
		return
	}
	module.closed = true
	_ = windows.FreeLibrary(module.handle)
	module.handle = 0
}
