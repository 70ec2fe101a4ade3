package port

import (
	"fmt"
	"strings"

	"github.com/wippyai/hdlsim/errors"
)

// Direction of a port as seen from the design.
type Direction uint8

const (
	Input Direction = iota
	Output
	Inout
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	case Inout:
		return "inout"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection accepts "input", "output" and "inout" plus the short forms
// "in", "out" and "io".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "input", "in":
		return Input, nil
	case "output", "out":
		return Output, nil
	case "inout", "io":
		return Inout, nil
	}
	return 0, errors.Configuration(errors.KindInvalidInput, "unknown port direction %q", s)
}

// Writable reports whether the host may drive a port of this direction.
func (d Direction) Writable() bool {
	return d == Input || d == Inout
}

// WidthClass buckets a port by width.
type WidthClass uint8

const (
	Narrow WidthClass = iota // 1 bit
	Byte                     // up to 8 bits
	Word                     // up to 64 bits
	Wide                     // more than 64 bits
)

func (c WidthClass) String() string {
	switch c {
	case Narrow:
		return "narrow"
	case Byte:
		return "byte"
	case Word:
		return "word"
	default:
		return "wide"
	}
}

// ClassOf returns the width class for a bit width.
func ClassOf(width int) WidthClass {
	switch {
	case width <= 1:
		return Narrow
	case width <= 8:
		return Byte
	case width <= 64:
		return Word
	default:
		return Wide
	}
}

// StorageSize is the number of bytes a port of the given width occupies in
// model memory: 1, 2, 4 or 8 bytes up to 64 bits, then ceil(width/32)
// 32-bit words.
func StorageSize(width int) uint32 {
	switch {
	case width <= 8:
		return 1
	case width <= 16:
		return 2
	case width <= 32:
		return 4
	case width <= 64:
		return 8
	default:
		return uint32(4 * ((width + 31) / 32))
	}
}

// StorageAlign is the natural alignment of port storage.
func StorageAlign(width int) uint32 {
	if width > 64 {
		return 4
	}
	return StorageSize(width)
}

// Spec is a caller-declared port: what a dynamic model asks the toolchain to
// expose, or what a static binding declares.
type Spec struct {
	Name      string
	MSB       int
	LSB       int
	Direction Direction
	Signed    bool
}

// Width returns MSB-LSB+1.
func (s Spec) Width() int {
	return s.MSB - s.LSB + 1
}

// Class returns the width class of the port.
func (s Spec) Class() WidthClass {
	return ClassOf(s.Width())
}

// Validate checks the name and bit range.
func (s Spec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.LSB < 0 {
		return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Port(s.Name).
			Detail("low bit %d is negative", s.LSB).
			Build()
	}
	if s.MSB < s.LSB {
		return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Port(s.Name).
			Detail("high bit %d is below low bit %d", s.MSB, s.LSB).
			Build()
	}
	if s.Direction > Inout {
		return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Port(s.Name).
			Detail("invalid direction %v", s.Direction).
			Build()
	}
	return nil
}

func (s Spec) String() string {
	sign := ""
	if s.Signed {
		sign = " signed"
	}
	return fmt.Sprintf("%s%s [%d:%d] %s", s.Direction, sign, s.MSB, s.LSB, s.Name)
}

// ValidateName rejects empty names and escaped identifiers, which contain a
// backslash or whitespace. Module names become artifact directory names, so
// slashes and dot-dot are rejected too.
func ValidateName(name string) error {
	if name == "" {
		return errors.Configuration(errors.KindInvalidInput, "empty name")
	}
	if strings.ContainsAny(name, "\\ \t\n") {
		return errors.Configuration(errors.KindInvalidInput, "escaped identifier %q is not supported", name)
	}
	if strings.ContainsRune(name, '/') || strings.Contains(name, "..") {
		return errors.Configuration(errors.KindInvalidInput, "name %q contains a path separator or dot-dot", name)
	}
	return nil
}

// Descriptor is a port resolved against a built artifact.
type Descriptor struct {
	Spec
	// Offset of the port storage relative to the model base.
	Offset uint32
}

// Table is an immutable, ordered set of port descriptors.
type Table struct {
	byName map[string]int
	ports  []Descriptor
}

// NewTable builds a table, rejecting duplicate names.
func NewTable(ports []Descriptor) (*Table, error) {
	t := &Table{
		byName: make(map[string]int, len(ports)),
		ports:  make([]Descriptor, len(ports)),
	}
	copy(t.ports, ports)
	for i, p := range t.ports {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[p.Name]; dup {
			return nil, errors.Configuration(errors.KindCollision, "port %q declared twice", p.Name)
		}
		t.byName[p.Name] = i
	}
	return t, nil
}

// Lookup finds a port by name.
func (t *Table) Lookup(name string) (Descriptor, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.ports[i], true
}

// Ports returns the descriptors in declaration order.
func (t *Table) Ports() []Descriptor {
	out := make([]Descriptor, len(t.ports))
	copy(out, t.ports)
	return out
}

func (t *Table) Len() int {
	return len(t.ports)
}

// Specs strips offsets from a descriptor list.
func Specs(ds []Descriptor) []Spec {
	out := make([]Spec, len(ds))
	for i, d := range ds {
		out[i] = d.Spec
	}
	return out
}
