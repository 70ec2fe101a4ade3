package runtime

import (
	"context"
	stderrors "errors"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/dpi"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/vcd"
)

// ModelConfig holds per-model options.
type ModelConfig struct {
	// EnableTracing allows OpenTrace.
	EnableTracing bool
	// Clock is the 1-bit input Tick toggles.
	Clock string
	// Timescale is written to trace headers, "1ps" when empty.
	Timescale string
}

// Model is a handle to one instance of a design. A model is not safe for
// concurrent use; models on different artifacts may run in parallel.
type Model struct {
	rt       *Runtime
	art      *artifact.Artifact
	table    *port.Table
	tracer   *vcd.Tracer
	module   string
	cfg      ModelConfig
	base     uint32
	released bool
}

func (m *Model) Module() string { return m.module }

// Ports lists the ports this model exposes.
func (m *Model) Ports() []port.Descriptor {
	return m.table.Ports()
}

// Port describes one exposed port.
func (m *Model) Port(name string) (port.Descriptor, bool) {
	return m.table.Lookup(name)
}

func (m *Model) usable() error {
	if m.rt.closed.Load() {
		return errors.New(errors.ClassMisuse, errors.KindClosed).
			Module(m.module).
			Detail("model used after its runtime was closed").
			Build()
	}
	if m.released {
		return errors.New(errors.ClassMisuse, errors.KindClosed).
			Module(m.module).
			Detail("model used after Release").
			Build()
	}
	return nil
}

func (m *Model) lookup(name string) (port.Descriptor, error) {
	if err := m.usable(); err != nil {
		return port.Descriptor{}, err
	}
	d, ok := m.table.Lookup(name)
	if !ok {
		return port.Descriptor{}, errors.UnknownPort(m.module, name)
	}
	return d, nil
}

// Pin drives an input or inout port. v is a Go integer, bool, *big.Int or
// port.Value; it must fit the port width. The design sees the value on the
// next Eval.
func (m *Model) Pin(name string, v any) error {
	d, err := m.lookup(name)
	if err != nil {
		return err
	}
	if !d.Direction.Writable() {
		return errors.New(errors.ClassPort, errors.KindDirection).
			Module(m.module).
			Port(name).
			Detail("cannot pin an %s port", d.Direction).
			Build()
	}
	val, err := port.Convert(v, d.Spec)
	if err != nil {
		return m.annotate(err)
	}
	return m.annotate(port.Store(m.art.Memory(), m.base, d, val))
}

// Read returns the current value of any port. Before the first Eval this
// is the power-on value.
func (m *Model) Read(name string) (port.Value, error) {
	d, err := m.lookup(name)
	if err != nil {
		return port.Value{}, err
	}
	v, err := port.Load(m.art.Memory(), m.base, d)
	return v, m.annotate(err)
}

// Eval runs the design's evaluation function once.
func (m *Model) Eval(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	fn, ok := dpi.InCall(ctx)
	if !ok {
		fn, ok = m.rt.dpi.Active(m.art.Instance())
	}
	if ok {
		return errors.New(errors.ClassMisuse, errors.KindReentrant).
			Module(m.module).
			Detail("Eval called from DPI function %s", fn).
			Build()
	}
	return m.art.Eval(ctx, m.base)
}

// Tick drives the configured clock high, evaluates, drives it low and
// evaluates again. It does not dump traces.
func (m *Model) Tick(ctx context.Context) error {
	if m.cfg.Clock == "" {
		return errors.New(errors.ClassMisuse, errors.KindNotEnabled).
			Module(m.module).
			Detail("no clock port configured").
			Build()
	}
	for _, level := range []bool{true, false} {
		if err := m.Pin(m.cfg.Clock, level); err != nil {
			return err
		}
		if err := m.Eval(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OpenTrace starts a VCD trace of this model's ports at path. Tracing must
// be enabled in the model's configuration, and a model has at most one
// trace. The trace is closed with the model or the runtime.
func (m *Model) OpenTrace(path string) (*vcd.Tracer, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	if !m.cfg.EnableTracing {
		return nil, errors.New(errors.ClassMisuse, errors.KindNotEnabled).
			Module(m.module).
			Detail("tracing is not enabled for this model").
			Build()
	}
	if m.tracer != nil {
		return nil, errors.New(errors.ClassMisuse, errors.KindReopen).
			Module(m.module).
			Detail("model already has a trace").
			Build()
	}

	t := vcd.New(m, vcd.Options{Timescale: m.cfg.Timescale, Version: "hdlsim"})
	if err := t.Open(path); err != nil {
		return nil, err
	}
	m.tracer = t
	m.rt.addTracer(t)
	return t, nil
}

// Release invalidates the handle and closes its trace. The model's state
// stays allocated until the runtime is closed.
func (m *Model) Release() error {
	if m.released {
		return nil
	}
	m.released = true
	if m.tracer != nil && m.tracer.State() == vcd.Open {
		return m.tracer.Close()
	}
	return nil
}

// annotate fills in the module on port errors raised below the model.
func (m *Model) annotate(err error) error {
	var he *errors.Error
	if stderrors.As(err, &he) && he.Module == "" {
		he.Module = m.module
	}
	return err
}
