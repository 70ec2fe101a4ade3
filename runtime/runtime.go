package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/dpi"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/vcd"
)

// Options configures a Runtime.
type Options struct {
	// BuildDir holds built artifacts and the build lock. Created on first
	// use; safe to delete between runs.
	BuildDir string
	// Sources are the HDL files every model is built from. A model's own
	// source must be one of them.
	Sources     []string
	IncludeDirs []string
	// DPI functions the designs may import. They are fixed for the
	// lifetime of the runtime.
	DPI       []*dpi.Func
	Toolchain build.Toolchain
	// OptLevel is passed to the toolchain as -O<n>.
	OptLevel        int
	IgnoredWarnings []string
	ForceRebuild    bool
	// MemoryLimitPages caps each artifact's linear memory (64KiB pages).
	// 0 keeps the wazero default.
	MemoryLimitPages uint32
	Logger           *zap.Logger
	// Status receives build progress lines; nil means os.Stderr.
	Status io.Writer
	Quiet  bool
	// Stdout and Stderr receive what designs print ($display and friends).
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime owns a build directory, the artifacts loaded from it and every
// model created on them. Models are handles: their state lives until the
// runtime is closed.
type Runtime struct {
	wasm     wazero.Runtime
	cache    wazero.CompilationCache
	dpi      *dpi.Registry
	loader   *artifact.Loader
	builder  *build.Orchestrator
	log      *zap.Logger
	ledger   map[string]*ledgerEntry
	sources  []string
	opts     Options
	models   []*Model
	tracers  []*vcd.Tracer
	mu       sync.Mutex
	closed   atomic.Bool
	closeErr error
}

// ledgerEntry remembers the first construction of a top module. Later
// models of the module share its artifact and may only use its ports.
type ledgerEntry struct {
	art  *artifact.Artifact
	file string
}

// New validates opts and creates a runtime. DPI functions are registered
// here, before anything is built.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = Logger()
	}
	if opts.Toolchain == nil {
		return nil, errors.Configuration(errors.KindInvalidInput, "no toolchain configured")
	}
	if len(opts.Sources) == 0 {
		return nil, errors.Configuration(errors.KindInvalidInput, "no source files")
	}

	sources := make([]string, len(opts.Sources))
	for i, s := range opts.Sources {
		abs, err := filepath.Abs(s)
		if err != nil {
			return nil, errors.Wrap(errors.ClassConfiguration, errors.KindInvalidInput, err, "resolve source path")
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, errors.New(errors.ClassConfiguration, errors.KindNotFound).
				Cause(err).
				Detail("source file %s does not exist", s).
				Build()
		}
		sources[i] = abs
	}

	reg, err := dpi.NewRegistry(opts.DPI...)
	if err != nil {
		return nil, err
	}

	ccache := wazero.NewCompilationCache()
	cfg := wazero.NewRuntimeConfig().
		WithCustomSections(true).
		WithCompilationCache(ccache)
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	wrt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := reg.Instantiate(ctx, wrt); err != nil {
		wrt.Close(ctx)
		ccache.Close(ctx)
		return nil, err
	}

	builder, err := build.New(build.Options{
		BuildDir:  opts.BuildDir,
		Toolchain: opts.Toolchain,
		Linker: build.LinkFunc(func(ctx context.Context, path string) error {
			return reg.LinkFile(ctx, wrt, path)
		}),
		Status:       opts.Status,
		Quiet:        opts.Quiet,
		ForceRebuild: opts.ForceRebuild,
		Logger:       log,
	})
	if err != nil {
		wrt.Close(ctx)
		ccache.Close(ctx)
		return nil, err
	}

	r := &Runtime{
		wasm:    wrt,
		cache:   ccache,
		dpi:     reg,
		loader:  artifact.NewLoader(wrt, artifact.Options{Stdout: opts.Stdout, Stderr: opts.Stderr}),
		builder: builder,
		log:     log,
		ledger:  make(map[string]*ledgerEntry),
		sources: sources,
		opts:    opts,
	}

	log.Debug("runtime created",
		zap.String("path", builder.Cache().Dir()),
		zap.Int("sources", len(sources)),
		zap.Strings("dpi", reg.Signatures()))

	return r, nil
}

// BuildDir is the absolute build directory.
func (r *Runtime) BuildDir() string {
	return r.builder.Cache().Dir()
}

// Sources returns the absolute source paths.
func (r *Runtime) Sources() []string {
	return append([]string(nil), r.sources...)
}

// DPI returns the registry of host functions.
func (r *Runtime) DPI() *dpi.Registry {
	return r.dpi
}

// Builder exposes the build orchestrator, e.g. to inspect the cache.
func (r *Runtime) Builder() *build.Orchestrator {
	return r.builder
}

// Request assembles the build request for module declared in file.
func (r *Runtime) Request(module, file string, ports []port.Spec) (*build.Request, error) {
	src, err := r.source(file)
	if err != nil {
		return nil, err
	}
	return &build.Request{
		TopModule:       module,
		Source:          src,
		Sources:         r.Sources(),
		IncludeDirs:     append([]string(nil), r.opts.IncludeDirs...),
		Ports:           append([]port.Spec(nil), ports...),
		DPI:             r.dpi.Decls(),
		IgnoredWarnings: append([]string(nil), r.opts.IgnoredWarnings...),
		OptLevel:        r.opts.OptLevel,
	}, nil
}

// Build makes sure an artifact for module exists without loading it.
func (r *Runtime) Build(ctx context.Context, module, file string, ports []port.Spec) (*build.Built, error) {
	if err := r.enter(ctx, "Build"); err != nil {
		return nil, err
	}
	req, err := r.Request(module, file, ports)
	if err != nil {
		return nil, err
	}
	return r.builder.EnsureBuilt(ctx, req)
}

// source maps file to one of the runtime's sources.
func (r *Runtime) source(file string) (string, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", errors.Wrap(errors.ClassConfiguration, errors.KindInvalidInput, err, "resolve source path")
	}
	for _, s := range r.sources {
		if s == abs {
			return s, nil
		}
	}
	return "", errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
		Detail("%s is not one of the runtime's source files", file).
		Build()
}

// enter guards every entry point that builds or loads.
func (r *Runtime) enter(ctx context.Context, op string) error {
	if r.closed.Load() {
		return errors.Closed("runtime")
	}
	fn, ok := dpi.InCall(ctx)
	if !ok {
		// wazero does not tell goroutines apart, so any running DPI
		// function blocks building and loading runtime-wide.
		fn, ok = r.dpi.Running()
	}
	if ok {
		return errors.New(errors.ClassMisuse, errors.KindReentrant).
			Detail("%s called from DPI function %s", op, fn).
			Build()
	}
	return nil
}

// CreateDynamic creates a model of module whose ports are resolved by name
// at run time. ports selects what the toolchain exposes; an empty list
// exposes every port. The first construction of a module fixes its
// artifact: later models may request any of its ports but no others.
func (r *Runtime) CreateDynamic(ctx context.Context, module, file string, ports []port.Spec, cfg *ModelConfig) (*Model, error) {
	if err := r.enter(ctx, "CreateDynamic"); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	art, err := r.artifact(ctx, module, file, ports, true)
	if err != nil {
		return nil, err
	}

	descs := make([]port.Descriptor, 0, len(ports))
	if len(ports) == 0 {
		descs = art.Ports().Ports()
	}
	for _, s := range ports {
		known, _ := art.Ports().Lookup(s.Name)
		off, ok, err := art.PortOffset(ctx, s.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, omitted(module, s.Name)
		}
		if known.Spec != s {
			return nil, shapeMismatch(module, s, known.Spec)
		}
		descs = append(descs, port.Descriptor{Spec: s, Offset: off})
	}
	return r.construct(ctx, art, descs, cfg)
}

// Binding is the fixed port table of a statically bound design.
type Binding struct {
	Module string
	Source string
	Ports  []port.Spec
}

// CreateStatic creates a model from a fixed binding. Port offsets come from
// the artifact manifest; no lookup happens at run time.
func (r *Runtime) CreateStatic(ctx context.Context, b Binding, cfg *ModelConfig) (*Model, error) {
	if err := r.enter(ctx, "CreateStatic"); err != nil {
		return nil, err
	}
	if len(b.Ports) == 0 {
		return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Module(b.Module).
			Detail("static binding declares no ports").
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	art, err := r.artifact(ctx, b.Module, b.Source, b.Ports, false)
	if err != nil {
		return nil, err
	}

	descs := make([]port.Descriptor, len(b.Ports))
	for i, s := range b.Ports {
		d, ok := art.Ports().Lookup(s.Name)
		if !ok {
			return nil, omitted(b.Module, s.Name)
		}
		if d.Spec != s {
			return nil, shapeMismatch(b.Module, s, d.Spec)
		}
		descs[i] = d
	}
	return r.construct(ctx, art, descs, cfg)
}

// artifact returns the loaded artifact for module, building and loading it
// on the first construction. r.mu must be held.
func (r *Runtime) artifact(ctx context.Context, module, file string, ports []port.Spec, dynamic bool) (*artifact.Artifact, error) {
	if r.closed.Load() {
		return nil, errors.Closed("runtime")
	}
	src, err := r.source(file)
	if err != nil {
		return nil, err
	}

	if e, ok := r.ledger[module]; ok {
		if e.file != src {
			return nil, errors.New(errors.ClassLoad, errors.KindCollision).
				Module(module).
				Detail("module already loaded from %s, cannot load it from %s", e.file, src).
				Build()
		}
		if dynamic && !e.art.Dynamic() {
			return nil, errors.New(errors.ClassMisuse, errors.KindInvalidState).
				Module(module).
				Detail("module was first bound statically and has no dynamic port lookup").
				Build()
		}
		for _, s := range ports {
			if _, ok := e.art.Ports().Lookup(s.Name); !ok {
				return nil, omitted(module, s.Name)
			}
		}
		return e.art, nil
	}

	req, err := r.Request(module, src, ports)
	if err != nil {
		return nil, err
	}
	built, err := r.builder.EnsureBuilt(ctx, req)
	if err != nil {
		return nil, err
	}
	art, err := r.loader.Load(ctx, built.Path, dynamic)
	if err != nil {
		return nil, err
	}
	if art.Manifest().Module != module {
		return nil, errors.New(errors.ClassLoad, errors.KindManifest).
			Module(module).
			Detail("artifact %s declares module %s", built.Path, art.Manifest().Module).
			Build()
	}

	r.ledger[module] = &ledgerEntry{art: art, file: src}
	r.log.Debug("module loaded",
		zap.String("module", module),
		zap.String("path", built.Path),
		zap.Uint64("generation", built.Generation),
		zap.Bool("rebuilt", built.Rebuilt))
	return art, nil
}

func (r *Runtime) construct(ctx context.Context, art *artifact.Artifact, descs []port.Descriptor, cfg *ModelConfig) (*Model, error) {
	var c ModelConfig
	if cfg != nil {
		c = *cfg
	}
	module := art.Manifest().Module

	table, err := port.NewTable(descs)
	if err != nil {
		return nil, err
	}
	if c.Clock != "" {
		d, ok := table.Lookup(c.Clock)
		if !ok {
			return nil, errors.New(errors.ClassConfiguration, errors.KindUnknownPort).
				Module(module).
				Port(c.Clock).
				Detail("clock port is not exposed by the model").
				Build()
		}
		if d.Width() != 1 || !d.Direction.Writable() {
			return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
				Module(module).
				Port(c.Clock).
				Detail("clock must be a 1-bit input, got %s", d.Spec).
				Build()
		}
	}

	base, err := art.New(ctx)
	if err != nil {
		return nil, err
	}
	m := &Model{
		rt:     r,
		art:    art,
		table:  table,
		module: module,
		base:   base,
		cfg:    c,
	}
	r.models = append(r.models, m)
	return m, nil
}

func (r *Runtime) addTracer(t *vcd.Tracer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracers = append(r.tracers, t)
}

// Close closes open traces, destroys every model and unloads every
// artifact. Models and traces fail afterwards. Close is idempotent. It
// refuses to run while a DPI function is executing.
func (r *Runtime) Close(ctx context.Context) error {
	if fn, ok := r.dpi.Running(); ok {
		return errors.New(errors.ClassMisuse, errors.KindReentrant).
			Detail("Close called from DPI function %s", fn).
			Build()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Swap(true) {
		return r.closeErr
	}

	var errs []error
	for _, t := range r.tracers {
		if t.State() == vcd.Open {
			errs = append(errs, t.Close())
		}
	}
	for _, m := range r.models {
		errs = append(errs, m.art.Delete(ctx, m.base))
	}
	errs = append(errs,
		r.loader.Close(ctx),
		r.wasm.Close(ctx),
		r.cache.Close(ctx))

	for _, err := range errs {
		if err != nil {
			r.log.Warn("runtime close", zap.Error(err))
			if r.closeErr == nil {
				r.closeErr = err
			}
		}
	}
	r.models = nil
	r.tracers = nil
	r.ledger = nil
	return r.closeErr
}

func omitted(module, name string) error {
	return errors.New(errors.ClassMisuse, errors.KindOmittedPort).
		Module(module).
		Port(name).
		Detail("port is not exposed by the artifact built on the first construction of this module").
		Build()
}

func shapeMismatch(module string, want, got port.Spec) error {
	return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
		Module(module).
		Port(want.Name).
		Detail("requested %s but the artifact exposes %s", want, got).
		Build()
}
