package dpi

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// Param is one host-side DPI parameter.
type Param struct {
	Name      string
	Direction port.Direction
	Width     int
	Signed    bool
}

// Func is a Go function the simulated design may call.
type Func struct {
	fn       reflect.Value
	Name     string
	Params   []Param
	goTypes  []reflect.Type
	wantsCtx bool
}

// New wraps fn as the DPI function name. fn must return nothing and may take
// a leading context.Context. Remaining parameters are integers or bool
// (inputs) or pointers to them (outputs). Parameter widths default to the Go
// type's size, 1 for bool.
//
// params, when given, override the derived parameter list one-to-one: use
// them to declare inout parameters, narrower widths or names.
//
//	three, _ := dpi.New("three", func(out *uint32) { *out = 3 })
func New(name string, fn any, params ...Param) (*Func, error) {
	if err := port.ValidateName(name); err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Value(fn).
			Detail("DPI function %s: handler must be a function, got %T", name, fn).
			Build()
	}
	ft := rv.Type()
	if ft.NumOut() != 0 {
		return nil, errors.Configuration(errors.KindInvalidInput, "DPI function %s cannot have a return value", name)
	}
	if ft.IsVariadic() {
		return nil, errors.Configuration(errors.KindInvalidInput, "DPI function %s cannot be variadic", name)
	}

	f := &Func{fn: rv, Name: name}
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		f.wantsCtx = true
		first = 1
	}

	for i := first; i < ft.NumIn(); i++ {
		t := ft.In(i)
		p, err := deriveParam(name, i-first, t)
		if err != nil {
			return nil, err
		}
		f.Params = append(f.Params, p)
		f.goTypes = append(f.goTypes, t)
	}

	if len(params) > 0 {
		if len(params) != len(f.Params) {
			return nil, errors.Configuration(errors.KindSignature,
				"DPI function %s declares %d parameter(s), handler takes %d", name, len(params), len(f.Params))
		}
		for i, p := range params {
			if err := checkOverride(name, i, f.Params[i], p); err != nil {
				return nil, err
			}
			if p.Name == "" {
				p.Name = f.Params[i].Name
			}
			f.Params[i] = p
		}
	}

	return f, nil
}

// MustNew is like New but panics on error. Intended for package-level vars.
func MustNew(name string, fn any, params ...Param) *Func {
	f, err := New(name, fn, params...)
	if err != nil {
		panic(err)
	}
	return f
}

func deriveParam(fn string, i int, t reflect.Type) (Param, error) {
	p := Param{Name: fmt.Sprintf("arg%d", i), Direction: port.Input}
	if t.Kind() == reflect.Pointer {
		p.Direction = port.Output
		t = t.Elem()
	}
	width, signed, ok := intWidth(t)
	if !ok {
		return Param{}, errors.Configuration(errors.KindInvalidInput,
			"DPI function %s parameter %d: unsupported type %s", fn, i, t)
	}
	p.Width = width
	p.Signed = signed
	return p, nil
}

func intWidth(t reflect.Type) (int, bool, bool) {
	switch t.Kind() {
	case reflect.Bool:
		return 1, false, true
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return t.Bits(), true, true
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return t.Bits(), false, true
	}
	return 0, false, false
}

func checkOverride(fn string, i int, derived, p Param) error {
	byPointer := derived.Direction != port.Input
	switch {
	case p.Direction == port.Input && byPointer:
		return errors.Configuration(errors.KindSignature, "DPI function %s parameter %d: input must be passed by value", fn, i)
	case p.Direction != port.Input && !byPointer:
		return errors.Configuration(errors.KindSignature, "DPI function %s parameter %d: %s must be passed by pointer", fn, i, p.Direction)
	case p.Width < 1 || p.Width > derived.Width:
		return errors.Configuration(errors.KindSignature, "DPI function %s parameter %d: width %d does not fit the Go type (%d bits)", fn, i, p.Width, derived.Width)
	}
	return nil
}

// Decl is the declaration the design must match.
func (f *Func) Decl() artifact.DPIDecl {
	d := artifact.DPIDecl{Name: f.Name, Params: make([]artifact.DPIParam, len(f.Params))}
	for i, p := range f.Params {
		d.Params[i] = artifact.DPIParam{Direction: p.Direction.String(), Width: p.Width, Signed: p.Signed}
	}
	return d
}

// Signature renders the function as name(dir:width[:s],...).
func (f *Func) Signature() string {
	return f.Decl().Signature()
}

type callKey struct{}

// InCall reports whether ctx was handed to a DPI function by the design, and
// which function. The runtime uses it to refuse reentrant build and load
// calls.
func InCall(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(callKey{}).(string)
	return name, ok
}

// hostFunc adapts f to the wasm calling convention.
func (f *Func) hostFunc() api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		ctx = context.WithValue(ctx, callKey{}, f.Name)
		mem := mod.Memory()

		args := make([]reflect.Value, 0, len(f.Params)+1)
		if f.wantsCtx {
			args = append(args, reflect.ValueOf(ctx))
		}

		ptrs := make([]reflect.Value, len(f.Params))
		addrs := make([]uint32, len(f.Params))
		for i, p := range f.Params {
			t := f.goTypes[i]
			if p.Direction == port.Input {
				v := reflect.New(t).Elem()
				setRaw(v, decodeInput(stack[i], p))
				args = append(args, v)
				continue
			}

			addrs[i] = api.DecodeU32(stack[i])
			ptr := reflect.New(t.Elem())
			if p.Direction == port.Inout {
				raw, err := readArg(mem, addrs[i], p.Width)
				if err != nil {
					panic(f.argError(i, err))
				}
				setRaw(ptr.Elem(), extend(raw, p))
			}
			ptrs[i] = ptr
			args = append(args, ptr)
		}

		f.fn.Call(args)

		for i, p := range f.Params {
			if !ptrs[i].IsValid() {
				continue
			}
			raw := getRaw(ptrs[i].Elem()) & mask(p.Width)
			if err := writeArg(mem, addrs[i], p.Width, raw); err != nil {
				panic(f.argError(i, err))
			}
		}
	}
}

func (f *Func) wasmParams() []api.ValueType {
	vts, err := f.Decl().WasmParams()
	if err != nil {
		// New bounds every width to 1..64
		panic(err)
	}
	return vts
}

func (f *Func) argError(i int, cause error) error {
	return errors.New(errors.ClassLink, errors.KindOutOfBounds).
		Cause(cause).
		Detail("DPI function %s parameter %d points outside memory", f.Name, i).
		Build()
}

func mask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<width - 1
}

func extend(raw uint64, p Param) uint64 {
	raw &= mask(p.Width)
	if p.Signed && p.Width < 64 && raw>>(p.Width-1)&1 == 1 {
		raw |= ^mask(p.Width)
	}
	return raw
}

func decodeInput(x uint64, p Param) uint64 {
	if p.Width <= 32 {
		x = uint64(uint32(x))
	}
	return extend(x, p)
}

func setRaw(v reflect.Value, raw uint64) {
	switch v.Kind() {
	case reflect.Bool:
		v.SetBool(raw != 0)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		v.SetInt(int64(raw))
	default:
		v.SetUint(raw)
	}
}

func getRaw(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return uint64(v.Int())
	default:
		return v.Uint()
	}
}

// readArg and writeArg access pointer arguments with port storage sizes.
func readArg(mem api.Memory, addr uint32, width int) (uint64, error) {
	var ok bool
	var raw uint64
	switch port.StorageSize(width) {
	case 1:
		var b byte
		b, ok = mem.ReadByte(addr)
		raw = uint64(b)
	case 2:
		var h uint16
		h, ok = mem.ReadUint16Le(addr)
		raw = uint64(h)
	case 4:
		var w uint32
		w, ok = mem.ReadUint32Le(addr)
		raw = uint64(w)
	default:
		raw, ok = mem.ReadUint64Le(addr)
	}
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d", addr)
	}
	return raw, nil
}

func writeArg(mem api.Memory, addr uint32, width int, raw uint64) error {
	var ok bool
	switch port.StorageSize(width) {
	case 1:
		ok = mem.WriteByte(addr, byte(raw))
	case 2:
		ok = mem.WriteUint16Le(addr, uint16(raw))
	case 4:
		ok = mem.WriteUint32Le(addr, uint32(raw))
	default:
		ok = mem.WriteUint64Le(addr, raw)
	}
	if !ok {
		return fmt.Errorf("write out of bounds: offset=%d", addr)
	}
	return nil
}
