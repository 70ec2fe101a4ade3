// Package errors provides structured error types for the hdlsim runtime bridge.
//
// Errors are categorized by Class (which stage failed) and Kind (error category).
// The Error type carries the HDL module and port involved, the offending value,
// raw toolchain diagnostics and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.ClassPort, errors.KindDirection).
//		Module("main").
//		Port("out").
//		Detail("port is an output").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownPort("main", "missing")
//	err := errors.Toolchain("main", exitErr, stderr)
//
// Match by class with the sentinels:
//
//	if errors.Is(err, hdlerrors.ErrBuild) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
