package artifact

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

// ManifestSection is the custom section carrying the msgpack manifest.
const ManifestSection = "hdlsim.manifest"

// ABIVersion is the entry point contract this package understands.
const ABIVersion = 1

// Entry points every artifact exports.
const (
	ExportMemory  = "memory"
	ExportNew     = "hdlsim_new"
	ExportDelete  = "hdlsim_delete"
	ExportEval    = "hdlsim_eval"
	ExportPort    = "hdlsim_port"
	ExportScratch = "hdlsim_scratch"
	ExportInit    = "_initialize"

	// ScratchSize is the minimum size of the buffer returned by hdlsim_scratch.
	ScratchSize = 256

	// DPIModule is the import module DPI functions are resolved from.
	DPIModule = "dpi"
)

// Manifest describes what an artifact was built from and what it exposes.
type Manifest struct {
	Module    string    `msgpack:"module"`
	Source    string    `msgpack:"source"`
	Toolchain string    `msgpack:"toolchain"`
	Ports     []Port    `msgpack:"ports"`
	DPI       []DPIDecl `msgpack:"dpi"`
	ABI       uint32    `msgpack:"abi"`
}

// Port is one exposed port and its storage offset relative to a model base.
type Port struct {
	Name      string `msgpack:"name"`
	Direction string `msgpack:"direction"`
	MSB       int    `msgpack:"msb"`
	LSB       int    `msgpack:"lsb"`
	Offset    uint32 `msgpack:"offset"`
	Signed    bool   `msgpack:"signed,omitempty"`
}

// PortFromDescriptor converts a resolved port for the manifest.
func PortFromDescriptor(d port.Descriptor) Port {
	return Port{
		Name:      d.Name,
		Direction: d.Direction.String(),
		MSB:       d.MSB,
		LSB:       d.LSB,
		Offset:    d.Offset,
		Signed:    d.Signed,
	}
}

// Descriptor converts the manifest port.
func (p Port) Descriptor() (port.Descriptor, error) {
	dir, err := port.ParseDirection(p.Direction)
	if err != nil {
		return port.Descriptor{}, err
	}
	return port.Descriptor{
		Spec: port.Spec{
			Name:      p.Name,
			MSB:       p.MSB,
			LSB:       p.LSB,
			Direction: dir,
			Signed:    p.Signed,
		},
		Offset: p.Offset,
	}, nil
}

// DPIDecl is the design-side declaration of an imported DPI function.
type DPIDecl struct {
	Name   string     `msgpack:"name"`
	Params []DPIParam `msgpack:"params"`
}

// DPIParam is one declared DPI parameter.
type DPIParam struct {
	Direction string `msgpack:"direction"`
	Width     int    `msgpack:"width"`
	Signed    bool   `msgpack:"signed,omitempty"`
}

// Dir parses the parameter direction.
func (p DPIParam) Dir() (port.Direction, error) {
	return port.ParseDirection(p.Direction)
}

// ValueType returns the wasm type the parameter is passed as: inputs by
// value (i32 up to 32 bits, i64 up to 64), outputs and inouts as an i32
// pointer into linear memory.
func (p DPIParam) ValueType() (api.ValueType, error) {
	dir, err := p.Dir()
	if err != nil {
		return 0, err
	}
	switch {
	case p.Width < 1 || p.Width > 64:
		return 0, errors.Configuration(errors.KindWidth, "DPI parameter width %d outside 1..64", p.Width)
	case dir != port.Input:
		return api.ValueTypeI32, nil
	case p.Width <= 32:
		return api.ValueTypeI32, nil
	default:
		return api.ValueTypeI64, nil
	}
}

// Signature renders the declaration as name(dir:width[:s],...), the form
// used on toolchain command lines and in fingerprints.
func (d DPIDecl) Signature() string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteByte('(')
	for i, p := range d.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", p.Direction, p.Width)
		if p.Signed {
			b.WriteString(":s")
		}
	}
	b.WriteByte(')')
	return b.String()
}

// WasmParams returns the wasm parameter list of the import.
func (d DPIDecl) WasmParams() ([]api.ValueType, error) {
	out := make([]api.ValueType, len(d.Params))
	for i, p := range d.Params {
		vt, err := p.ValueType()
		if err != nil {
			return nil, err
		}
		out[i] = vt
	}
	return out, nil
}

// Encode serializes the manifest for the custom section.
func (m *Manifest) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeManifest parses a manifest section payload.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.ClassLoad, errors.KindManifest).
			Cause(err).
			Detail("malformed %s section", ManifestSection).
			Build()
	}
	if m.ABI != ABIVersion {
		return nil, errors.New(errors.ClassLoad, errors.KindManifest).
			Module(m.Module).
			Value(m.ABI).
			Detail("artifact ABI version %d, want %d", m.ABI, ABIVersion).
			Build()
	}
	return &m, nil
}

// ReadManifest extracts the manifest from a module compiled with custom
// sections enabled.
func ReadManifest(compiled wazero.CompiledModule) (*Manifest, error) {
	for _, sec := range compiled.CustomSections() {
		if sec.Name() == ManifestSection {
			return DecodeManifest(sec.Data())
		}
	}
	return nil, errors.New(errors.ClassLoad, errors.KindManifest).
		Detail("artifact has no %s section", ManifestSection).
		Build()
}

// Table builds the port table described by the manifest.
func (m *Manifest) Table() (*port.Table, error) {
	ds := make([]port.Descriptor, len(m.Ports))
	for i, p := range m.Ports {
		d, err := p.Descriptor()
		if err != nil {
			return nil, err
		}
		ds[i] = d
	}
	t, err := port.NewTable(ds)
	if err != nil {
		return nil, errors.New(errors.ClassLoad, errors.KindManifest).
			Module(m.Module).
			Cause(err).
			Detail("invalid port table").
			Build()
	}
	return t, nil
}

// FindDPI returns the declaration for name.
func (m *Manifest) FindDPI(name string) (DPIDecl, bool) {
	for _, d := range m.DPI {
		if d.Name == name {
			return d, true
		}
	}
	return DPIDecl{}, false
}
