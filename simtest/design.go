package simtest

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/internal/wasmgen"
	"github.com/wippyai/hdlsim/port"
)

// Memory layout of generated artifacts.
const (
	namesAddr   = 64
	iovecAddr   = 1024
	nwriteAddr  = 1032
	messageAddr = 1040
	scratchAddr = 2048
	heapStart   = 4096
	pages       = 2
	heapLimit   = pages * 65536
)

// Design is a fixture top module: its full port list, the DPI functions it
// declares and what one evaluation does.
type Design struct {
	Module string
	Ports  []port.Spec
	// DPI holds the design-side import declarations.
	DPI []artifact.DPIDecl
	// Ops run in order on every evaluation.
	Ops []Op
	// Print is written to stdout through WASI whenever a model is
	// constructed.
	Print string
	// Static omits the port lookup entry points.
	Static bool
	// Omit lists exports to leave out.
	Omit []string
	// Error makes every compilation of the design fail with these
	// diagnostics.
	Error string
}

// Op is one step of a design's evaluation.
type Op interface {
	emit(g *gen, c *wasmgen.Code) error
}

// Forward copies input From to output To. Both must have the same width.
type Forward struct {
	From, To string
}

// Add stores A+B, truncated, in Out. All three are at most 32 bits wide.
type Add struct {
	A, B, Out string
}

// Counter increments Count on every rising edge of the 1-bit Clock,
// clearing it instead while the optional 1-bit Reset is high. Count is at
// most 32 bits wide.
type Counter struct {
	Clock, Count, Reset string
}

// Call invokes the DPI function Func. Args name one port per declared
// parameter: inputs pass the port value, outputs and inouts a pointer to the
// port storage.
type Call struct {
	Func string
	Args []string
}

type slot struct {
	spec   port.Spec
	offset uint32
}

type gen struct {
	d       *Design
	slots   map[string]slot
	state   map[Op]uint32
	imports map[string]uint32
	size    uint32
}

func layout(d *Design) (*gen, error) {
	g := &gen{
		d:       d,
		slots:   make(map[string]slot, len(d.Ports)),
		state:   make(map[Op]uint32),
		imports: make(map[string]uint32),
	}
	var off uint32
	for _, p := range d.Ports {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.slots[p.Name]; dup {
			return nil, fmt.Errorf("port %s declared twice", p.Name)
		}
		off = align(off, port.StorageAlign(p.Width()))
		g.slots[p.Name] = slot{spec: p, offset: off}
		off += port.StorageSize(p.Width())
	}
	for _, op := range d.Ops {
		if _, ok := op.(*Counter); ok {
			off = align(off, 4)
			g.state[op] = off
			off += 4
		}
	}
	g.size = align(off, 8)
	if g.size == 0 {
		g.size = 8
	}
	return g, nil
}

func align(off, a uint32) uint32 {
	return (off + a - 1) / a * a
}

func (g *gen) port(name string, maxWidth int) (slot, error) {
	s, ok := g.slots[name]
	if !ok {
		return slot{}, fmt.Errorf("%%Error: %s: no port named %s", g.d.Module, name)
	}
	if maxWidth > 0 && s.spec.Width() > maxWidth {
		return slot{}, fmt.Errorf("%%Error: %s: port %s is %d bits, at most %d supported here",
			g.d.Module, name, s.spec.Width(), maxWidth)
	}
	return s, nil
}

// load pushes the value of a port of at most 32 bits as i32.
func load(c *wasmgen.Code, s slot) {
	c.LocalGet(0)
	switch port.StorageSize(s.spec.Width()) {
	case 1:
		c.I32Load8U(s.offset)
	case 2:
		c.I32Load16U(s.offset)
	default:
		c.I32Load(s.offset)
	}
}

// store writes the i32 computed by value into a port of at most 32 bits.
func store(c *wasmgen.Code, s slot, value func()) {
	c.LocalGet(0)
	value()
	if w := s.spec.Width(); w < 32 {
		c.I32Const(int32(uint32(1)<<w - 1)).I32And()
	}
	switch port.StorageSize(s.spec.Width()) {
	case 1:
		c.I32Store8(s.offset)
	case 2:
		c.I32Store16(s.offset)
	default:
		c.I32Store(s.offset)
	}
}

func (f *Forward) emit(g *gen, c *wasmgen.Code) error {
	from, err := g.port(f.From, 0)
	if err != nil {
		return err
	}
	to, err := g.port(f.To, 0)
	if err != nil {
		return err
	}
	if from.spec.Width() != to.spec.Width() {
		return fmt.Errorf("%%Error: %s: forwarding %s to %s changes width", g.d.Module, f.From, f.To)
	}

	w := from.spec.Width()
	switch {
	case w <= 32:
		store(c, to, func() { load(c, from) })
	case w <= 64:
		c.LocalGet(0).LocalGet(0).I64Load(from.offset).I64Store(to.offset)
	default:
		for i := uint32(0); i < port.StorageSize(w); i += 4 {
			c.LocalGet(0).LocalGet(0).I32Load(from.offset + i).I32Store(to.offset + i)
		}
	}
	return nil
}

func (a *Add) emit(g *gen, c *wasmgen.Code) error {
	var ss [3]slot
	for i, name := range []string{a.A, a.B, a.Out} {
		s, err := g.port(name, 32)
		if err != nil {
			return err
		}
		ss[i] = s
	}
	store(c, ss[2], func() {
		load(c, ss[0])
		load(c, ss[1])
		c.I32Add()
	})
	return nil
}

func (k *Counter) emit(g *gen, c *wasmgen.Code) error {
	clk, err := g.port(k.Clock, 1)
	if err != nil {
		return err
	}
	count, err := g.port(k.Count, 32)
	if err != nil {
		return err
	}
	prev := g.state[k]

	increment := func() {
		store(c, count, func() {
			load(c, count)
			c.I32Const(1).I32Add()
		})
	}

	// local 1 holds the current clock level
	load(c, clk)
	c.LocalSet(1)

	c.LocalGet(1).If()
	c.LocalGet(0).I32Load(prev).I32Eqz().If()
	if k.Reset != "" {
		rst, err := g.port(k.Reset, 1)
		if err != nil {
			return err
		}
		load(c, rst)
		c.If()
		store(c, count, func() { c.I32Const(0) })
		c.Else()
		increment()
		c.End()
	} else {
		increment()
	}
	c.End()
	c.End()

	c.LocalGet(0).LocalGet(1).I32Store(prev)
	return nil
}

func (k *Call) emit(g *gen, c *wasmgen.Code) error {
	decl, ok := g.find(k.Func)
	if !ok {
		return fmt.Errorf("%%Error: %s: call to undeclared DPI function %s", g.d.Module, k.Func)
	}
	if len(decl.Params) != len(k.Args) {
		return fmt.Errorf("%%Error: %s: %s takes %d argument(s), %d given",
			g.d.Module, k.Func, len(decl.Params), len(k.Args))
	}

	for i, p := range decl.Params {
		s, err := g.port(k.Args[i], 64)
		if err != nil {
			return err
		}
		if port.StorageSize(s.spec.Width()) != port.StorageSize(p.Width) {
			return fmt.Errorf("%%Error: %s: argument %d of %s: port %s does not fit a %d-bit parameter",
				g.d.Module, i, k.Func, s.spec.Name, p.Width)
		}
		dir, err := p.Dir()
		if err != nil {
			return err
		}
		switch {
		case dir != port.Input:
			c.LocalGet(0).I32Const(int32(s.offset)).I32Add()
		case p.Width > 32:
			c.LocalGet(0).I64Load(s.offset)
		default:
			load(c, s)
		}
	}
	c.Call(g.imports[k.Func])
	return nil
}

func (g *gen) find(name string) (artifact.DPIDecl, bool) {
	for _, d := range g.d.DPI {
		if d.Name == name {
			return d, true
		}
	}
	return artifact.DPIDecl{}, false
}

// expose resolves the ports a build exposes. An empty request exposes all.
func (g *gen) expose(requested []port.Spec) ([]artifact.Port, error) {
	if len(requested) == 0 {
		out := make([]artifact.Port, len(g.d.Ports))
		for i, p := range g.d.Ports {
			s := g.slots[p.Name]
			out[i] = artifact.PortFromDescriptor(port.Descriptor{Spec: s.spec, Offset: s.offset})
		}
		return out, nil
	}

	out := make([]artifact.Port, 0, len(requested))
	for _, want := range requested {
		s, ok := g.slots[want.Name]
		if !ok {
			return nil, fmt.Errorf("%%Error: %s: requested port %s does not exist", g.d.Module, want.Name)
		}
		if s.spec != want {
			return nil, fmt.Errorf("%%Error: %s: requested port %q, design declares %q", g.d.Module, want, s.spec)
		}
		out = append(out, artifact.PortFromDescriptor(port.Descriptor{Spec: s.spec, Offset: s.offset}))
	}
	return out, nil
}

// Wasm generates the artifact for d. source is recorded in the manifest
// and ports restricts the exposed ports as a build request would.
func (d *Design) Wasm(source, toolchain string, ports []port.Spec) ([]byte, error) {
	g, err := layout(d)
	if err != nil {
		return nil, err
	}
	exposed, err := g.expose(ports)
	if err != nil {
		return nil, err
	}

	m := wasmgen.NewModule()
	i32 := wasmgen.I32

	for _, decl := range d.DPI {
		vts, err := decl.WasmParams()
		if err != nil {
			return nil, err
		}
		params := make([]wasmgen.ValType, len(vts))
		for i, vt := range vts {
			params[i] = wasmgen.ValType(vt)
		}
		g.imports[decl.Name] = m.ImportFunc(artifact.DPIModule, decl.Name, wasmgen.FuncType{Params: params})
	}
	var fdWrite uint32
	if d.Print != "" {
		fdWrite = m.ImportFunc("wasi_snapshot_preview1", "fd_write",
			wasmgen.FuncType{Params: []wasmgen.ValType{i32, i32, i32, i32}, Results: []wasmgen.ValType{i32}})
	}

	m.Memory(pages)
	heap := m.Global(0)

	// names
	var names []byte
	nameAddr := make([]uint32, len(exposed))
	for i, p := range exposed {
		nameAddr[i] = namesAddr + uint32(len(names))
		names = append(names, p.Name...)
	}
	if namesAddr+len(names) > iovecAddr {
		return nil, fmt.Errorf("%%Error: %s: port names too long", d.Module)
	}
	if len(names) > 0 {
		m.Data(namesAddr, names)
	}
	if d.Print != "" {
		if messageAddr+len(d.Print) > scratchAddr {
			return nil, fmt.Errorf("%%Error: %s: message too long", d.Module)
		}
		iov := binary.LittleEndian.AppendUint32(nil, messageAddr)
		iov = binary.LittleEndian.AppendUint32(iov, uint32(len(d.Print)))
		m.Data(iovecAddr, iov)
		m.Data(messageAddr, []byte(d.Print))
	}

	voidI32 := wasmgen.FuncType{Params: []wasmgen.ValType{i32}}
	exports := make(map[string]uint32)

	exports[artifact.ExportInit] = m.Func(wasmgen.FuncType{}, nil,
		wasmgen.NewCode().I32Const(heapStart).GlobalSet(heap))

	newFn := wasmgen.NewCode().
		GlobalGet(heap).I32Eqz().If().Unreachable().End().
		GlobalGet(heap).LocalTee(0).I32Const(int32(g.size)).I32Add().
		I32Const(heapLimit).I32GtU().If().Unreachable().End().
		LocalGet(0).I32Const(int32(g.size)).I32Add().GlobalSet(heap)
	if d.Print != "" {
		newFn.I32Const(1).I32Const(iovecAddr).I32Const(1).I32Const(nwriteAddr).Call(fdWrite).Drop()
	}
	newFn.LocalGet(0)
	exports[artifact.ExportNew] = m.Func(wasmgen.FuncType{Results: []wasmgen.ValType{i32}}, []wasmgen.ValType{i32}, newFn)

	exports[artifact.ExportDelete] = m.Func(voidI32, nil, wasmgen.NewCode())

	eval := wasmgen.NewCode()
	for _, op := range d.Ops {
		if err := op.emit(g, eval); err != nil {
			return nil, err
		}
	}
	exports[artifact.ExportEval] = m.Func(voidI32, []wasmgen.ValType{i32}, eval)

	if !d.Static {
		eq := m.Func(wasmgen.FuncType{Params: []wasmgen.ValType{i32, i32, i32}, Results: []wasmgen.ValType{i32}},
			[]wasmgen.ValType{i32}, bytesEqual())

		lookup := wasmgen.NewCode()
		for i, p := range exposed {
			n := int32(len(p.Name))
			lookup.LocalGet(1).I32Const(n).I32Eq().If().
				LocalGet(0).I32Const(int32(nameAddr[i])).I32Const(n).Call(eq).If().
				I32Const(int32(p.Offset)).Return().
				End().
				End()
		}
		lookup.I32Const(-1)
		exports[artifact.ExportPort] = m.Func(
			wasmgen.FuncType{Params: []wasmgen.ValType{i32, i32}, Results: []wasmgen.ValType{i32}}, nil, lookup)
		exports[artifact.ExportScratch] = m.Func(
			wasmgen.FuncType{Results: []wasmgen.ValType{i32}}, nil, wasmgen.NewCode().I32Const(scratchAddr))
	}

	omit := make(map[string]bool, len(d.Omit))
	for _, name := range d.Omit {
		omit[name] = true
	}
	if !omit[artifact.ExportMemory] {
		m.ExportMemory(artifact.ExportMemory)
	}
	for _, name := range []string{
		artifact.ExportInit, artifact.ExportNew, artifact.ExportDelete,
		artifact.ExportEval, artifact.ExportPort, artifact.ExportScratch,
	} {
		if idx, ok := exports[name]; ok && !omit[name] {
			m.ExportFunc(name, idx)
		}
	}

	manifest := &artifact.Manifest{
		Module:    d.Module,
		Source:    source,
		Toolchain: toolchain,
		Ports:     exposed,
		DPI:       d.DPI,
		ABI:       artifact.ABIVersion,
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, err
	}
	m.Custom(artifact.ManifestSection, data)

	return m.Encode(), nil
}

// bytesEqual compares n bytes at a and b: (a, b, n i32) -> i32.
func bytesEqual() *wasmgen.Code {
	return wasmgen.NewCode().
		Block().
		Loop().
		LocalGet(3).LocalGet(2).I32GeU().BrIf(1).
		LocalGet(0).LocalGet(3).I32Add().I32Load8U(0).
		LocalGet(1).LocalGet(3).I32Add().I32Load8U(0).
		I32Ne().If().I32Const(0).Return().End().
		LocalGet(3).I32Const(1).I32Add().LocalSet(3).
		Br(0).
		End().
		End().
		I32Const(1)
}
