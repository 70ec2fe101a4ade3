package errors

import (
	"fmt"
	"strings"
)

// Class is the top-level category of a failure.
type Class string

const (
	ClassConfiguration Class = "configuration" // invalid sources, name collisions
	ClassBuild         Class = "build"         // toolchain invocation failed
	ClassLink          Class = "link"          // DPI mismatch, missing entry point
	ClassLoad          Class = "load"          // artifact load or symbol resolution
	ClassPort          Class = "port"          // unknown port, width or direction
	ClassMisuse        Class = "misuse"        // caller programming error
)

// Kind refines a Class.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindCollision          Kind = "collision"
	KindToolchain          Kind = "toolchain"
	KindIO                 Kind = "io"
	KindLock               Kind = "lock"
	KindSignature          Kind = "signature_mismatch"
	KindMissingImport      Kind = "missing_import"
	KindMissingSymbol      Kind = "missing_symbol"
	KindManifest           Kind = "manifest"
	KindInstantiation      Kind = "instantiation"
	KindTrap               Kind = "trap"
	KindUnknownPort        Kind = "unknown_port"
	KindDirection          Kind = "direction"
	KindWidth              Kind = "width"
	KindOverflow           Kind = "overflow"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindClosed             Kind = "closed"
	KindReopen             Kind = "reopen"
	KindOmittedPort        Kind = "omitted_port"
	KindReentrant          Kind = "reentrant"
	KindNotEnabled         Kind = "not_enabled"
	KindInvalidState       Kind = "invalid_state"
	KindUnsupportedBinding Kind = "unsupported_binding"
)

// Error is the structured error type returned by every hdlsim package.
type Error struct {
	Value       any
	Cause       error
	Class       Class
	Kind        Kind
	Module      string
	Port        string
	Detail      string
	Diagnostics string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Class))
	b.WriteByte(']')
	if e.Kind != "" {
		b.WriteByte(' ')
		b.WriteString(string(e.Kind))
	}

	if e.Module != "" {
		b.WriteString(" in module ")
		b.WriteString(e.Module)
		if e.Port != "" {
			b.WriteString(" port ")
			b.WriteString(e.Port)
		}
	} else if e.Port != "" {
		b.WriteString(" at port ")
		b.WriteString(e.Port)
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

	if e.Diagnostics != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Diagnostics)
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a Kind
// matches every error of its Class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Class != e.Class {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Sentinels for errors.Is checks by class.
var (
	ErrConfiguration = &Error{Class: ClassConfiguration}
	ErrBuild         = &Error{Class: ClassBuild}
	ErrLink          = &Error{Class: ClassLink}
	ErrLoad          = &Error{Class: ClassLoad}
	ErrPort          = &Error{Class: ClassPort}
	ErrMisuse        = &Error{Class: ClassMisuse}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(class Class, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Class: class,
			Kind:  kind,
		},
	}
}

// Module sets the HDL module name
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Port sets the port name
func (b *Builder) Port(name string) *Builder {
	b.err.Port = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Diagnostics attaches raw toolchain output, kept verbatim.
func (b *Builder) Diagnostics(text string) *Builder {
	b.err.Diagnostics = text
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

// Configuration creates a configuration error
func Configuration(kind Kind, detail string, args ...any) *Error {
	return New(ClassConfiguration, kind).Detail(detail, args...).Build()
}

// Toolchain creates a build error carrying the toolchain's raw output.
func Toolchain(module string, cause error, diagnostics string) *Error {
	return &Error{
		Class:       ClassBuild,
		Kind:        KindToolchain,
		Module:      module,
		Detail:      "toolchain invocation failed",
		Cause:       cause,
		Diagnostics: diagnostics,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(class Class, kind Kind, cause error, detail string) *Error {
	return &Error{
		Class:  class,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingSymbol creates a load error for an absent artifact entry point.
func MissingSymbol(module, symbol string) *Error {
	return &Error{
		Class:  ClassLoad,
		Kind:   KindMissingSymbol,
		Module: module,
		Detail: fmt.Sprintf("required entry point %q is not exported (incompatible or corrupted artifact)", symbol),
	}
}

// UnknownPort creates a port error for a name absent from the port table
func UnknownPort(module, port string) *Error {
	return &Error{
		Class:  ClassPort,
		Kind:   KindUnknownPort,
		Module: module,
		Port:   port,
		Detail: "no such port on this model",
	}
}

// Overflow creates a write-overflow port error
func Overflow(module, port string, value any, width int) *Error {
	return &Error{
		Class:  ClassPort,
		Kind:   KindOverflow,
		Module: module,
		Port:   port,
		Value:  value,
		Detail: fmt.Sprintf("value %v does not fit in %d bit(s)", value, width),
	}
}

// Closed creates a misuse error for use after teardown
func Closed(what string) *Error {
	return &Error{
		Class:  ClassMisuse,
		Kind:   KindClosed,
		Detail: what + " used after it was closed",
	}
}

// SignatureMismatch describes one DPI parameter disagreement.
type SignatureMismatch struct {
	Function string
	Detail   string
}

// LinkMismatchError is returned when the design's DPI imports cannot be
// satisfied by the registered host functions.
type LinkMismatchError struct {
	Module     string
	Mismatches []SignatureMismatch
}

// NewLinkMismatchError creates a link error from the collected mismatches.
func NewLinkMismatchError(module string, mismatches []SignatureMismatch) *LinkMismatchError {
	return &LinkMismatchError{Module: module, Mismatches: mismatches}
}

func (e *LinkMismatchError) Error() string {
	if len(e.Mismatches) == 0 {
		return "[link] signature_mismatch: no mismatches recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[link] %d DPI function(s) of module %s do not match their host binding:\n", len(e.Mismatches), e.Module)

	// Group by function for cleaner output
	byFn := make(map[string][]string)
	var order []string
	for _, m := range e.Mismatches {
		if _, exists := byFn[m.Function]; !exists {
			order = append(order, m.Function)
		}
		byFn[m.Function] = append(byFn[m.Function], m.Detail)
	}

	for _, fn := range order {
		b.WriteString("\n  ")
		b.WriteString(fn)
		b.WriteString(":\n")
		for _, d := range byFn[fn] {
			b.WriteString("    - ")
			b.WriteString(d)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target is a link-class error.
func (e *LinkMismatchError) Is(target error) bool {
	switch t := target.(type) {
	case *LinkMismatchError:
		return true
	case *Error:
		return t.Class == ClassLink && (t.Kind == "" || t.Kind == KindSignature)
	}
	return false
}
