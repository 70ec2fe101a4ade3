package runtime

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

// TagName is the struct tag Bind reads.
const TagName = "hdlsim"

var (
	topType   = reflect.TypeOf(Top{})
	valueType = reflect.TypeOf(port.Value{})
	plans     sync.Map // reflect.Type -> *plan
)

// Top is embedded in a struct to make it a static binding. Its tag names
// the top module and, when the runtime has several sources, the file
// declaring it:
//
//	type Main struct {
//		runtime.Top `hdlsim:"main,src/main.sv"`
//		A uint32    `hdlsim:"in"`
//		B uint32    `hdlsim:"out"`
//		Wide port.Value `hdlsim:"out,wide_out,99:0"`
//	}
//
// Port fields are tagged `hdlsim:"dir[,name][,msb:lsb][,signed]"` where dir
// is in, out or inout. The name defaults to the lower-cased field name, the
// range to the width of the Go type and signedness to that of the Go type.
// Fields may be integers, bool or port.Value; port.Value needs a range.
type Top struct {
	model  *Model
	self   reflect.Value
	fields []field
}

type field struct {
	spec  port.Spec
	index int
}

type plan struct {
	module string
	source string
	ports  []port.Spec
	fields []field
	top    int
}

// Model returns the bound model, nil before Bind.
func (t *Top) Model() *Model {
	return t.model
}

func (t *Top) bound() error {
	if t.model == nil {
		return errors.New(errors.ClassMisuse, errors.KindInvalidState).
			Detail("static binding used before Bind").
			Build()
	}
	return nil
}

// Eval writes input fields to the model, evaluates it and reads every port
// back into its field.
func (t *Top) Eval(ctx context.Context) error {
	if err := t.bound(); err != nil {
		return err
	}
	if err := t.push(""); err != nil {
		return err
	}
	if err := t.model.Eval(ctx); err != nil {
		return err
	}
	return t.pull()
}

// Tick is Eval around a cycle of the configured clock. The clock field is
// ignored on the way in and reads low afterwards.
func (t *Top) Tick(ctx context.Context) error {
	if err := t.bound(); err != nil {
		return err
	}
	if err := t.push(t.model.cfg.Clock); err != nil {
		return err
	}
	if err := t.model.Tick(ctx); err != nil {
		return err
	}
	return t.pull()
}

// Release releases the bound model.
func (t *Top) Release() error {
	if err := t.bound(); err != nil {
		return err
	}
	return t.model.Release()
}

// push pins every writable field, except the clock when skip is set.
func (t *Top) push(skip string) error {
	for _, f := range t.fields {
		if !f.spec.Direction.Writable() || f.spec.Name == skip {
			continue
		}
		if err := t.model.Pin(f.spec.Name, t.self.Field(f.index).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func (t *Top) pull() error {
	for _, f := range t.fields {
		v, err := t.model.Read(f.spec.Name)
		if err != nil {
			return err
		}
		fv := t.self.Field(f.index)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(v.Bool())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(v.Int64())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			fv.SetUint(v.Uint64())
		default:
			fv.Set(reflect.ValueOf(v))
		}
	}
	return nil
}

// BindingOf derives the static binding declared by ptr's struct type.
// Source is empty when the Top tag names none.
func BindingOf(ptr any) (Binding, error) {
	_, p, err := planOf(ptr)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Module: p.module, Source: p.source, Ports: append([]port.Spec(nil), p.ports...)}, nil
}

// Bind creates a static model for the struct ptr points to and attaches it
// to the embedded Top. Output fields hold the power-on values afterwards.
func (r *Runtime) Bind(ctx context.Context, ptr any, cfg *ModelConfig) error {
	ev, p, err := planOf(ptr)
	if err != nil {
		return err
	}

	source := p.source
	if source == "" {
		if len(r.sources) != 1 {
			return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
				Module(p.module).
				Detail("binding %s names no source file and the runtime has %d", ev.Type(), len(r.sources)).
				Build()
		}
		source = r.sources[0]
	}

	m, err := r.CreateStatic(ctx, Binding{Module: p.module, Source: source, Ports: p.ports}, cfg)
	if err != nil {
		return err
	}

	top := ev.Field(p.top).Addr().Interface().(*Top)
	top.model = m
	top.self = ev
	top.fields = p.fields
	return top.pull()
}

func planOf(ptr any) (reflect.Value, *plan, error) {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, errors.New(errors.ClassConfiguration, errors.KindUnsupportedBinding).
			Value(ptr).
			Detail("binding must be a non-nil pointer to a struct, got %T", ptr).
			Build()
	}
	ev := rv.Elem()
	typ := ev.Type()

	if p, ok := plans.Load(typ); ok {
		return ev, p.(*plan), nil
	}
	p, err := makePlan(typ)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	plans.Store(typ, p)
	return ev, p, nil
}

func makePlan(typ reflect.Type) (*plan, error) {
	p := &plan{top: -1}
	bad := func(f reflect.StructField, cause error) error {
		return errors.New(errors.ClassConfiguration, errors.KindUnsupportedBinding).
			Cause(cause).
			Detail("field %s.%s", typ.Name(), f.Name).
			Build()
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag, ok := f.Tag.Lookup(TagName)

		if f.Anonymous && f.Type == topType {
			tv := strings.Split(tag, ",")
			p.top = i
			p.module = strings.TrimSpace(tv[0])
			if p.module == "" {
				p.module = strings.ToLower(typ.Name())
			}
			if len(tv) > 1 {
				p.source = strings.TrimSpace(tv[1])
			}
			continue
		}
		if !ok {
			continue
		}
		if !f.IsExported() {
			return nil, bad(f, errors.Configuration(errors.KindUnsupportedBinding, "tagged field must be exported"))
		}

		spec, err := parseField(f, tag)
		if err != nil {
			return nil, bad(f, err)
		}
		p.ports = append(p.ports, spec)
		p.fields = append(p.fields, field{spec: spec, index: i})
	}

	if p.top < 0 {
		return nil, errors.New(errors.ClassConfiguration, errors.KindUnsupportedBinding).
			Detail("%s does not embed runtime.Top", typ).
			Build()
	}
	if err := port.ValidateName(p.module); err != nil {
		return nil, err
	}
	return p, nil
}

func parseField(f reflect.StructField, tag string) (port.Spec, error) {
	tv := strings.Split(tag, ",")
	dir, err := port.ParseDirection(strings.TrimSpace(tv[0]))
	if err != nil {
		return port.Spec{}, err
	}

	spec := port.Spec{Name: strings.ToLower(f.Name), Direction: dir}
	typeBits, signed, ok := goBits(f.Type)
	if !ok {
		return port.Spec{}, errors.Configuration(errors.KindUnsupportedBinding, "unsupported field type %s", f.Type)
	}
	spec.Signed = signed
	ranged := false

	for _, opt := range tv[1:] {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "":
		case opt == "signed":
			spec.Signed = true
		case strings.Contains(opt, ":"):
			msb, lsb, err := parseRange(opt)
			if err != nil {
				return port.Spec{}, err
			}
			spec.MSB, spec.LSB = msb, lsb
			ranged = true
		default:
			spec.Name = opt
		}
	}

	if !ranged {
		if typeBits == 0 {
			return port.Spec{}, errors.Configuration(errors.KindUnsupportedBinding, "port.Value fields need an msb:lsb range")
		}
		spec.MSB = typeBits - 1
	}
	if err := spec.Validate(); err != nil {
		return port.Spec{}, err
	}
	if typeBits != 0 && spec.Width() > typeBits {
		return port.Spec{}, errors.Configuration(errors.KindWidth, "%d-bit port does not fit %s", spec.Width(), f.Type)
	}
	return spec, nil
}

// goBits returns the width a field type holds; 0 means unbounded.
func goBits(t reflect.Type) (int, bool, bool) {
	if t == valueType {
		return 0, false, true
	}
	switch t.Kind() {
	case reflect.Bool:
		return 1, false, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return t.Bits(), true, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return t.Bits(), false, true
	}
	return 0, false, false
}

func parseRange(s string) (int, int, error) {
	hi, lo, _ := strings.Cut(s, ":")
	msb, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, errors.Configuration(errors.KindInvalidInput, "bad range %q", s)
	}
	lsb, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, errors.Configuration(errors.KindInvalidInput, "bad range %q", s)
	}
	return msb, lsb, nil
}
