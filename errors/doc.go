// Package errors provides the structured error type shared by every stage of
// shim generation and by the loader model.
//
// Errors are categorized by Phase (which stage failed) and Kind (what went
// wrong). Context fields point at the offending item: the export name, the
// export's positional index in the directory, the library locator or the source
// position of an override declaration.
//
//	err := errors.New(errors.PhaseParse, errors.KindInvalidName).
//		Index(3).
//		Detail("name is not valid UTF-8").
//		Build()
//
// Convenience constructors cover the common cases:
//
//	err := errors.NotFound(errors.PhaseReconcile, "Present", "declared override is not exported")
//	err := errors.MissingSymbol("Render", cause)
//
// All errors implement the standard error interface and support errors.Is/As;
// Is matches on Phase and Kind only.
package errors
