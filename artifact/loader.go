package artifact

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/hdlsim"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

const wasiModule = "wasi_snapshot_preview1"

type entrySig struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32

	coreEntries = []entrySig{
		{ExportNew, nil, []api.ValueType{i32}},
		{ExportDelete, []api.ValueType{i32}, nil},
		{ExportEval, []api.ValueType{i32}, nil},
	}
	dynamicEntries = []entrySig{
		{ExportPort, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{ExportScratch, nil, []api.ValueType{i32}},
	}
)

// Options configures a Loader.
type Options struct {
	// Stdout and Stderr receive output the design writes through WASI.
	// Both default to discarding.
	Stdout io.Writer
	Stderr io.Writer
}

// Loader loads artifacts into one wazero runtime and keeps the table of
// loaded artifacts, keyed by top module name. The runtime must be created
// with custom sections enabled so manifests can be read.
type Loader struct {
	runtime  wazero.Runtime
	stdout   io.Writer
	stderr   io.Writer
	byModule map[string]*Artifact
	wasiMu   sync.Mutex
	mu       sync.Mutex
	seq      uint64
	wasiDone atomic.Bool
	closed   bool
}

// NewLoader creates a loader on r.
func NewLoader(r wazero.Runtime, opts Options) *Loader {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	return &Loader{
		runtime:  r,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		byModule: make(map[string]*Artifact),
	}
}

// Runtime returns the wazero runtime artifacts are loaded into.
func (l *Loader) Runtime() wazero.Runtime {
	return l.runtime
}

// Get returns the artifact loaded for module.
func (l *Loader) Get(module string) (*Artifact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byModule[module]
	return a, ok
}

// Load loads the artifact at path. When an artifact for the same top module
// and source file is already loaded it is returned instead. A different
// source file claiming an already-loaded module name is a load error. With
// dynamic set, the port lookup entry points are required too.
func (l *Loader) Load(ctx context.Context, path string, dynamic bool) (*Artifact, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ClassLoad, errors.KindIO).
			Cause(err).
			Detail("read artifact %s", path).
			Build()
	}
	return l.LoadBytes(ctx, path, bin, dynamic)
}

// LoadBytes is Load for an artifact already in memory; path is recorded for
// diagnostics.
func (l *Loader) LoadBytes(ctx context.Context, path string, bin []byte, dynamic bool) (*Artifact, error) {
	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.New(errors.ClassLoad, errors.KindInstantiation).
			Cause(err).
			Detail("compile artifact %s", path).
			Build()
	}

	m, err := ReadManifest(compiled)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		compiled.Close(ctx)
		return nil, errors.Closed("artifact loader")
	}

	if prev, ok := l.byModule[m.Module]; ok {
		compiled.Close(ctx)
		if prev.manifest.Source != m.Source {
			return nil, errors.New(errors.ClassLoad, errors.KindCollision).
				Module(m.Module).
				Detail("module already loaded from %s, cannot load it from %s", prev.manifest.Source, m.Source).
				Build()
		}
		if dynamic && !prev.dynamic {
			return nil, errors.New(errors.ClassLoad, errors.KindMissingSymbol).
				Module(m.Module).
				Detail("loaded artifact does not support dynamic port lookup").
				Build()
		}
		return prev, nil
	}

	hasLookup, err := validateExports(compiled, m.Module, dynamic)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	if err := l.prepareImports(ctx, compiled, m.Module); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	table, err := m.Table()
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	l.seq++
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("hdlsim:%s#%d", m.Module, l.seq)).
		WithStartFunctions().
		WithStdout(l.stdout).
		WithStderr(l.stderr)

	mod, err := l.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, errors.New(errors.ClassLoad, errors.KindInstantiation).
			Module(m.Module).
			Cause(err).
			Detail("instantiate artifact %s", path).
			Build()
	}

	if initFn := mod.ExportedFunction(ExportInit); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			mod.Close(ctx)
			compiled.Close(ctx)
			return nil, errors.New(errors.ClassLoad, errors.KindInstantiation).
				Module(m.Module).
				Cause(err).
				Detail("%s failed", ExportInit).
				Build()
		}
	}

	a := &Artifact{
		path:     path,
		manifest: m,
		table:    table,
		compiled: compiled,
		mod:      mod,
		mem:      NewMemory(mod.Memory()),
		newFn:    mod.ExportedFunction(ExportNew),
		deleteFn: mod.ExportedFunction(ExportDelete),
		evalFn:   mod.ExportedFunction(ExportEval),
		dynamic:  hasLookup,
	}
	if hasLookup {
		a.portFn = mod.ExportedFunction(ExportPort)
		a.scratchFn = mod.ExportedFunction(ExportScratch)
	}
	l.byModule[m.Module] = a

	Logger().Debug("artifact loaded",
		zap.String("module", m.Module),
		zap.String("source", m.Source),
		zap.String("path", path),
		zap.Int("ports", table.Len()),
		zap.Bool("dynamic", hasLookup))

	return a, nil
}

// validateExports checks every required entry point before anything is
// instantiated and reports whether the port lookup entry points are usable.
func validateExports(compiled wazero.CompiledModule, module string, dynamic bool) (bool, error) {
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return false, errors.MissingSymbol(module, ExportMemory)
	}

	fns := compiled.ExportedFunctions()
	check := func(sigs []entrySig) error {
		for _, s := range sigs {
			def, ok := fns[s.name]
			if !ok {
				return errors.MissingSymbol(module, s.name)
			}
			if !sameTypes(def.ParamTypes(), s.params) || !sameTypes(def.ResultTypes(), s.results) {
				return errors.New(errors.ClassLoad, errors.KindMissingSymbol).
					Module(module).
					Detail("entry point %s has signature %s -> %s, want %s -> %s",
						s.name, typeList(def.ParamTypes()), typeList(def.ResultTypes()),
						typeList(s.params), typeList(s.results)).
					Build()
			}
		}
		return nil
	}

	if err := check(coreEntries); err != nil {
		return false, err
	}
	if err := check(dynamicEntries); err != nil {
		if dynamic {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// prepareImports makes sure every module the artifact imports from is
// present: WASI is instantiated on demand, DPI functions must already be
// registered.
func (l *Loader) prepareImports(ctx context.Context, compiled wazero.CompiledModule, module string) error {
	for _, def := range compiled.ImportedFunctions() {
		from, name, _ := def.Import()
		switch from {
		case wasiModule:
			if err := l.initWASI(ctx); err != nil {
				return err
			}
		case DPIModule:
			if l.runtime.Module(DPIModule) == nil {
				return errors.New(errors.ClassLoad, errors.KindMissingImport).
					Module(module).
					Detail("design imports DPI function %s but no DPI functions are registered", name).
					Build()
			}
		default:
			return errors.New(errors.ClassLoad, errors.KindMissingImport).
				Module(module).
				Detail("unsupported import %s.%s", from, name).
				Build()
		}
	}
	return nil
}

// initWASI instantiates the WASI singleton for the loader's runtime.
func (l *Loader) initWASI(ctx context.Context) error {
	if l.wasiDone.Load() {
		return nil
	}

	l.wasiMu.Lock()
	defer l.wasiMu.Unlock()

	if l.wasiDone.Load() {
		return nil
	}

	if l.runtime.Module(wasiModule) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, l.runtime); err != nil {
			if l.runtime.Module(wasiModule) == nil {
				return errors.Wrap(errors.ClassLoad, errors.KindInstantiation, err, "instantiate WASI")
			}
		}
	}

	l.wasiDone.Store(true)
	return nil
}

// Close closes every loaded artifact. Further loads fail.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var first error
	for name, a := range l.byModule {
		if err := a.close(ctx); err != nil {
			Logger().Warn("failed to close artifact", zap.String("module", name), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	l.byModule = nil
	return first
}

// Artifact is a loaded, validated artifact. Calls into it are serialized.
type Artifact struct {
	manifest  *Manifest
	table     *port.Table
	compiled  wazero.CompiledModule
	mod       api.Module
	mem       *Memory
	newFn     api.Function
	deleteFn  api.Function
	evalFn    api.Function
	portFn    api.Function
	scratchFn api.Function
	path      string
	callMu    sync.Mutex
	dynamic   bool
	closed    bool
}

func (a *Artifact) Manifest() *Manifest { return a.manifest }
func (a *Artifact) Path() string        { return a.path }

// Instance is the name of the instantiated module, as host functions see it.
func (a *Artifact) Instance() string { return a.mod.Name() }

// Ports is the port table recorded in the manifest.
func (a *Artifact) Ports() *port.Table { return a.table }

// Memory is the artifact's linear memory.
func (a *Artifact) Memory() hdlsim.Memory { return a.mem }

// Dynamic reports whether port lookup entry points were resolved.
func (a *Artifact) Dynamic() bool { return a.dynamic }

// New constructs a model and returns its base offset.
func (a *Artifact) New(ctx context.Context) (uint32, error) {
	res, err := a.call(ctx, a.newFn, ExportNew)
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(res[0]), nil
}

// Delete destroys the model at base.
func (a *Artifact) Delete(ctx context.Context, base uint32) error {
	_, err := a.call(ctx, a.deleteFn, ExportDelete, api.EncodeU32(base))
	return err
}

// Eval evaluates the model at base once.
func (a *Artifact) Eval(ctx context.Context, base uint32) error {
	_, err := a.call(ctx, a.evalFn, ExportEval, api.EncodeU32(base))
	return err
}

// PortOffset asks the artifact where name is stored relative to a model
// base. ok is false when the artifact does not expose the port.
func (a *Artifact) PortOffset(ctx context.Context, name string) (offset uint32, ok bool, err error) {
	if !a.dynamic {
		return 0, false, errors.New(errors.ClassMisuse, errors.KindInvalidState).
			Module(a.manifest.Module).
			Detail("artifact was loaded without dynamic port lookup").
			Build()
	}
	if len(name) > ScratchSize {
		return 0, false, nil
	}

	a.callMu.Lock()
	defer a.callMu.Unlock()
	if a.closed {
		return 0, false, errors.Closed("artifact " + a.manifest.Module)
	}

	res, err := a.scratchFn.Call(ctx)
	if err != nil {
		return 0, false, a.trap(ExportScratch, err)
	}
	scratch := api.DecodeU32(res[0])
	if err := a.mem.Write(scratch, []byte(name)); err != nil {
		return 0, false, errors.New(errors.ClassLoad, errors.KindOutOfBounds).
			Module(a.manifest.Module).
			Cause(err).
			Detail("scratch buffer outside memory").
			Build()
	}
	res, err = a.portFn.Call(ctx, api.EncodeU32(scratch), api.EncodeU32(uint32(len(name))))
	if err != nil {
		return 0, false, a.trap(ExportPort, err)
	}
	off := api.DecodeI32(res[0])
	if off < 0 {
		return 0, false, nil
	}
	return uint32(off), true, nil
}

func (a *Artifact) call(ctx context.Context, fn api.Function, name string, params ...uint64) ([]uint64, error) {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	if a.closed {
		return nil, errors.Closed("artifact " + a.manifest.Module)
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, a.trap(name, err)
	}
	return res, nil
}

func (a *Artifact) trap(entry string, err error) error {
	// host function errors (DPI misuse, panics) surface through the trap
	var he *errors.Error
	if stderrors.As(err, &he) {
		return he
	}
	return errors.New(errors.ClassLoad, errors.KindTrap).
		Module(a.manifest.Module).
		Cause(err).
		Detail("%s trapped", entry).
		Build()
}

func (a *Artifact) close(ctx context.Context) error {
	a.callMu.Lock()
	defer a.callMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.mod.Close(ctx)
	if cerr := a.compiled.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(ts []api.ValueType) string {
	s := "("
	for i, t := range ts {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}
