// Package wasmgen writes small WebAssembly core modules. It covers the
// subset needed to emit simulation fixtures: function imports and bodies, a
// single linear memory, mutable i32 globals, exports, active data segments
// and custom sections.
package wasmgen

import "fmt"

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
)

const (
	sectionCustom   = 0
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03

	funcTypeByte = 0x60
	magic        = 0x6D736100 // \0asm
	version      = 1
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) key() string {
	return fmt.Sprintf("%x>%x", f.Params, f.Results)
}

type funcImport struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	typ    uint32
	locals []ValType
	body   *Code
}

type global struct {
	init int32
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

type customSection struct {
	name string
	data []byte
}

// Module accumulates the parts of a core module. Function imports must all be
// declared before the first defined function, since both share one index
// space.
type Module struct {
	typeIdx   map[string]uint32
	types     []FuncType
	imports   []funcImport
	funcs     []function
	globals   []global
	exports   []export
	data      []dataSegment
	customs   []customSection
	memPages  uint32
	hasMemory bool
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{typeIdx: make(map[string]uint32)}
}

func (m *Module) typeOf(ft FuncType) uint32 {
	k := ft.key()
	if i, ok := m.typeIdx[k]; ok {
		return i
	}
	i := uint32(len(m.types))
	m.types = append(m.types, ft)
	m.typeIdx[k] = i
	return i
}

// ImportFunc declares an imported function and returns its function index.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmgen: function import declared after a defined function")
	}
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: m.typeOf(ft)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. Locals follow the
// parameters in the local index space.
func (m *Module) Func(ft FuncType, locals []ValType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{typ: m.typeOf(ft), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares the module's single memory with a minimum page count.
func (m *Module) Memory(pages uint32) {
	m.memPages = pages
	m.hasMemory = true
}

// Global declares a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	m.globals = append(m.globals, global{init: init})
	return uint32(len(m.globals) - 1)
}

func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
}

func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, export{name: name, kind: kindMemory})
}

func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Data places bytes in memory at a fixed offset on instantiation.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
}

// Custom appends a custom section.
func (m *Module) Custom(name string, data []byte) {
	m.customs = append(m.customs, customSection{name: name, data: data})
}

// Encode encodes the module to WebAssembly binary format.
func (m *Module) Encode() []byte {
	var w Writer

	w.WriteU32LE(magic)
	w.WriteU32LE(version)

	if len(m.types) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.types)))
		for _, ft := range m.types {
			sec.Byte(funcTypeByte)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		writeSection(&w, sectionType, sec.Bytes())
	}

	if len(m.imports) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.WriteName(imp.module)
			sec.WriteName(imp.name)
			sec.Byte(kindFunc)
			sec.WriteU32(imp.typ)
		}
		writeSection(&w, sectionImport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec.WriteU32(f.typ)
		}
		writeSection(&w, sectionFunction, sec.Bytes())
	}

	if m.hasMemory {
		var sec Writer
		sec.WriteU32(1)
		sec.Byte(0x00) // no maximum
		sec.WriteU32(m.memPages)
		writeSection(&w, sectionMemory, sec.Bytes())
	}

	if len(m.globals) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.Byte(byte(I32))
			sec.Byte(0x01) // mutable
			sec.Byte(opI32Const)
			sec.WriteS64(int64(g.init))
			sec.Byte(opEnd)
		}
		writeSection(&w, sectionGlobal, sec.Bytes())
	}

	if len(m.exports) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.exports)))
		for _, e := range m.exports {
			sec.WriteName(e.name)
			sec.Byte(e.kind)
			sec.WriteU32(e.idx)
		}
		writeSection(&w, sectionExport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body Writer
			writeLocals(&body, f.locals)
			if f.body != nil {
				body.WriteBytes(f.body.Bytes())
			}
			body.Byte(opEnd)
			sec.WriteVec(body.Bytes())
		}
		writeSection(&w, sectionCode, sec.Bytes())
	}

	if len(m.data) > 0 {
		var sec Writer
		sec.WriteU32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.WriteU32(0) // active, memory 0
			sec.Byte(opI32Const)
			sec.WriteS64(int64(int32(d.offset)))
			sec.Byte(opEnd)
			sec.WriteVec(d.data)
		}
		writeSection(&w, sectionData, sec.Bytes())
	}

	for _, c := range m.customs {
		var sec Writer
		sec.WriteName(c.name)
		sec.WriteBytes(c.data)
		writeSection(&w, sectionCustom, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteVec(data)
}

func writeValTypes(w *Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

// writeLocals run-length encodes local declarations.
func writeLocals(w *Writer, locals []ValType) {
	type run struct {
		n uint32
		t ValType
	}
	var runs []run
	for _, t := range locals {
		if len(runs) > 0 && runs[len(runs)-1].t == t {
			runs[len(runs)-1].n++
			continue
		}
		runs = append(runs, run{n: 1, t: t})
	}
	w.WriteU32(uint32(len(runs)))
	for _, r := range runs {
		w.WriteU32(r.n)
		w.Byte(byte(r.t))
	}
}
