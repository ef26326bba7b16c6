// Package dynload opens a real library by locator and resolves its exports
// by name. It is the loader primitive behind probe runs and the Windows
// integration tests; generated shims use the C equivalent.
package dynload

import "errors"

var (
	// ErrUnsupported is returned on hosts without a native DLL loader.
	ErrUnsupported = errors.New("dynload: only supported on windows")
	// ErrClosed is returned by a Module after Free.
	ErrClosed = errors.New("dynload: library is closed")
)
