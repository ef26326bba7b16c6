package errors

import (
	"fmt"
	"go/token"
	"strconv"
	"strings"
)

// Phase indicates which stage produced the error
type Phase string

const (
	PhaseConfig    Phase = "config"    // options and target validation
	PhaseParse     Phase = "parse"     // export directory decoding
	PhaseReconcile Phase = "reconcile" // override membership
	PhaseOverride  Phase = "override"  // override declaration shape
	PhaseGenerate  Phase = "generate"  // rendering and writing output
	PhaseLoad      Phase = "load"      // runtime library open and symbol resolution
	PhaseCall      Phase = "call"      // slot use before initialization
	PhaseVerify    Phase = "verify"    // built shim inspection
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedTarget Kind = "unsupported_target"
	KindInvalidInput      Kind = "invalid_input"
	KindMalformed         Kind = "malformed"
	KindInvalidName       Kind = "invalid_name"
	KindDuplicate         Kind = "duplicate"
	KindNotFound          Kind = "not_found"
	KindVisibility        Kind = "visibility"
	KindReceiver          Kind = "receiver"
	KindSignature         Kind = "signature"
	KindOpen              Kind = "open"
	KindMissingSymbol     Kind = "missing_symbol"
	KindAlreadyLoaded     Kind = "already_loaded"
	KindNotLoaded         Kind = "not_loaded"
	KindBadTrampoline     Kind = "bad_trampoline"
	KindIO                Kind = "io"
)

// Error is the structured error type used throughout dylibmitm
type Error struct {
	Cause    error
	Phase    Phase
	Kind     Kind
	Symbol   string
	Locator  string
	Detail   string
	Pos      token.Position
	Index    int
	HasIndex bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	switch {
	case e.HasIndex && e.Symbol != "":
		b.WriteString(" at export #")
		b.WriteString(strconv.Itoa(e.Index))
		b.WriteString(" (")
		b.WriteString(strconv.Quote(e.Symbol))
		b.WriteByte(')')
	case e.HasIndex:
		b.WriteString(" at export #")
		b.WriteString(strconv.Itoa(e.Index))
	case e.Symbol != "":
		b.WriteString(" for ")
		b.WriteString(strconv.Quote(e.Symbol))
	}

	if e.Locator != "" {
		b.WriteString(" in ")
		b.WriteString(e.Locator)
	}

	if e.Pos.IsValid() {
		b.WriteString(" at ")
		b.WriteString(e.Pos.String())
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Symbol sets the export name
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Index sets the positional index of the export in its directory
func (b *Builder) Index(i int) *Builder {
	b.err.Index = i
	b.err.HasIndex = true
	return b
}

// Locator sets the library path or load expression involved
func (b *Builder) Locator(loc string) *Builder {
	b.err.Locator = loc
	return b
}

// Pos sets the source position of an offending declaration
func (b *Builder) Pos(pos token.Position) *Builder {
	b.err.Pos = pos
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// UnsupportedTarget creates an error for an (os, arch) pair with no strategy
func UnsupportedTarget(os, arch string) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindUnsupportedTarget,
		Detail: fmt.Sprintf("unsupported target %s/%s", os, arch),
	}
}

// InvalidInput creates a configuration error for malformed options
func InvalidInput(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Malformed creates a parse error for a broken export directory
func Malformed(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindMalformed,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// MalformedEntry creates a parse error pinned to one export index
func MalformedEntry(index int, kind Kind, detail string) *Error {
	return &Error{
		Phase:    PhaseParse,
		Kind:     kind,
		Index:    index,
		HasIndex: true,
		Detail:   detail,
	}
}

// NotFound creates an error naming a symbol that does not exist
func NotFound(phase Phase, symbol string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Symbol: symbol,
		Detail: detail,
	}
}

// Duplicate creates an error naming a symbol declared more than once
func Duplicate(phase Phase, symbol string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDuplicate,
		Symbol: symbol,
		Detail: detail,
	}
}

// OpenFailed creates a load error for a library that could not be opened
func OpenFailed(locator string, cause error) *Error {
	return &Error{
		Phase:   PhaseLoad,
		Kind:    KindOpen,
		Locator: locator,
		Detail:  "failed to open library",
		Cause:   cause,
	}
}

// MissingSymbol creates a load error for an export that did not resolve
func MissingSymbol(symbol string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMissingSymbol,
		Symbol: symbol,
		Detail: "failed to resolve symbol",
		Cause:  cause,
	}
}

// NotLoaded creates the use-before-init error reported by trap slots
func NotLoaded(symbol string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindNotLoaded,
		Symbol: symbol,
		Detail: "library not loaded yet",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
