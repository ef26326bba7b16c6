//go:build windows

package dynload

import (
	"errors"
	"path/filepath"
	"testing"

	"golang.org/x/sys/windows"
)

func kernel32(t *testing.T) string {
	t.Helper()

	dir, err := windows.GetSystemDirectory()
	if err != nil {
		t.Fatalf("GetSystemDirectory: %v", err)
	}
	return filepath.Join(dir, "kernel32.dll")
}

func TestOpenInertResolves(t *testing.T) {
	m, err := OpenInert(kernel32(t))
	if err != nil {
		t.Fatalf("OpenInert: %v", err)
	}
	t.Cleanup(m.Free)

	addr, err := m.ProcAddressByName("GetTickCount")
	if err != nil {
		t.Fatalf("ProcAddressByName(GetTickCount): %v", err)
	}
	if addr == 0 {
		t.Fatal("GetTickCount resolved to 0")
	}

	if _, err := m.ProcAddressByName("NoSuchExportAnywhere"); err == nil {
		t.Fatal("expected an error for a missing export")
	}
}

func TestOpenCall(t *testing.T) {
	m, err := Open(kernel32(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(m.Free)

	pid, err := m.Call("GetCurrentProcessId")
	if err != nil {
		t.Fatalf("Call(GetCurrentProcessId): %v", err)
	}
	if uint32(pid) != windows.GetCurrentProcessId() {
		t.Fatalf("pid mismatch: got=%d want=%d", pid, windows.GetCurrentProcessId())
	}
}

func TestFreeCloses(t *testing.T) {
	m, err := OpenInert(kernel32(t))
	if err != nil {
		t.Fatalf("OpenInert: %v", err)
	}
	m.Free()
	m.Free()

	if _, err := m.ProcAddressByName("GetTickCount"); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "absent.dll")); err == nil {
		t.Fatal("expected an error opening a missing library")
	}
	if _, err := Open(""); err == nil {
		t.Fatal("expected an error for an empty locator")
	}
}
