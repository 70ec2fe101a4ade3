package dpi

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/errors"
)

// Registry holds the DPI functions of one runtime. Functions are registered
// before the first build; the registry is frozen once its host module is
// instantiated.
type Registry struct {
	funcs  map[string]*Func
	order  []string
	mu     sync.RWMutex
	frozen bool

	// active maps a calling module instance to the function it is in.
	active sync.Map
}

// NewRegistry creates a registry holding funcs.
func NewRegistry(funcs ...*Func) (*Registry, error) {
	r := &Registry{funcs: make(map[string]*Func)}
	for _, f := range funcs {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds f. Names must be unique.
func (r *Registry) Register(f *Func) error {
	if f == nil {
		return errors.Configuration(errors.KindInvalidInput, "nil DPI function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New(errors.ClassMisuse, errors.KindInvalidState).
			Detail("DPI function %s registered after the runtime started building", f.Name).
			Build()
	}
	if _, dup := r.funcs[f.Name]; dup {
		return errors.Configuration(errors.KindCollision, "DPI function %s registered twice", f.Name)
	}
	r.funcs[f.Name] = f
	r.order = append(r.order, f.Name)
	return nil
}

// Lookup returns the function registered as name.
func (r *Registry) Lookup(name string) (*Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[name]
	return f, ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Decls returns the declarations in registration order, for toolchains.
func (r *Registry) Decls() []artifact.DPIDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]artifact.DPIDecl, len(r.order))
	for i, name := range r.order {
		out[i] = r.funcs[name].Decl()
	}
	return out
}

// Signatures returns every signature, sorted, for fingerprints.
func (r *Registry) Signatures() []string {
	decls := r.Decls()
	out := make([]string, len(decls))
	for i, d := range decls {
		out[i] = d.Signature()
	}
	sort.Strings(out)
	return out
}

// Instantiate registers the host module artifacts import DPI functions from
// and freezes the registry. It is a no-op without functions.
func (r *Registry) Instantiate(ctx context.Context, rt wazero.Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil
	}
	r.frozen = true
	if len(r.order) == 0 {
		return nil
	}

	b := rt.NewHostModuleBuilder(artifact.DPIModule)
	for _, name := range r.order {
		f := r.funcs[name]
		names := make([]string, len(f.Params))
		for i, p := range f.Params {
			names[i] = p.Name
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(r.track(f), f.wasmParams(), nil).
			WithParameterNames(names...).
			WithName(name).
			Export(name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.ClassLoad, errors.KindInstantiation, err, "instantiate DPI host module")
	}
	return nil
}

// track records f as running for the calling instance while it executes,
// whatever context the design was called with.
func (r *Registry) track(f *Func) api.GoModuleFunc {
	host := f.hostFunc()
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		caller := mod.Name()
		prev, nested := r.active.Swap(caller, f.Name)
		defer func() {
			if nested {
				r.active.Store(caller, prev)
			} else {
				r.active.Delete(caller)
			}
		}()
		host(ctx, mod, stack)
	}
}

// Active returns the DPI function currently running on behalf of the module
// instance named instance.
func (r *Registry) Active(instance string) (string, bool) {
	v, ok := r.active.Load(instance)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Running returns some DPI function running on behalf of any instance.
func (r *Registry) Running() (string, bool) {
	var name string
	r.active.Range(func(_, v any) bool {
		name = v.(string)
		return false
	})
	return name, name != ""
}

// Link checks that every DPI function the artifact imports is registered and
// that its declaration matches the registered function in parameter count,
// directions and widths. compiled must have been compiled with custom
// sections enabled.
func (r *Registry) Link(compiled wazero.CompiledModule, m *artifact.Manifest) error {
	var missing []string
	var mismatches []errors.SignatureMismatch

	for _, def := range compiled.ImportedFunctions() {
		from, name, _ := def.Import()
		if from != artifact.DPIModule {
			continue
		}

		f, ok := r.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}

		decl, ok := m.FindDPI(name)
		if !ok {
			mismatches = append(mismatches, errors.SignatureMismatch{
				Function: name,
				Detail:   "imported by the design but missing from its DPI declarations",
			})
			continue
		}

		mismatches = append(mismatches, compare(name, decl, f)...)

		want, err := decl.WasmParams()
		if err != nil {
			mismatches = append(mismatches, errors.SignatureMismatch{Function: name, Detail: err.Error()})
			continue
		}
		if !sameTypes(def.ParamTypes(), want) || len(def.ResultTypes()) != 0 {
			mismatches = append(mismatches, errors.SignatureMismatch{
				Function: name,
				Detail: fmt.Sprintf("import has wasm signature %v -> %v, declaration implies %v -> ()",
					typeNames(def.ParamTypes()), typeNames(def.ResultTypes()), typeNames(want)),
			})
		}
	}

	if len(missing) > 0 {
		return errors.New(errors.ClassLink, errors.KindMissingImport).
			Module(m.Module).
			Value(missing).
			Detail("design imports unregistered DPI function(s) %v", missing).
			Build()
	}
	if len(mismatches) > 0 {
		return errors.NewLinkMismatchError(m.Module, mismatches)
	}
	return nil
}

// LinkFile compiles the artifact at path on rt and checks it with Link.
func (r *Registry) LinkFile(ctx context.Context, rt wazero.Runtime, path string) error {
	bin, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.ClassLink, errors.KindIO).
			Cause(err).
			Detail("read artifact %s", path).
			Build()
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return errors.New(errors.ClassLink, errors.KindInstantiation).
			Cause(err).
			Detail("compile artifact %s", path).
			Build()
	}
	defer compiled.Close(ctx)

	m, err := artifact.ReadManifest(compiled)
	if err != nil {
		return err
	}
	return r.Link(compiled, m)
}

func compare(name string, decl artifact.DPIDecl, f *Func) []errors.SignatureMismatch {
	if len(decl.Params) != len(f.Params) {
		return []errors.SignatureMismatch{{
			Function: name,
			Detail:   fmt.Sprintf("design declares %d parameter(s), host function takes %d", len(decl.Params), len(f.Params)),
		}}
	}

	var out []errors.SignatureMismatch
	for i, dp := range decl.Params {
		hp := f.Params[i]
		dir, err := dp.Dir()
		if err != nil {
			out = append(out, errors.SignatureMismatch{Function: name, Detail: fmt.Sprintf("parameter %d: %v", i, err)})
			continue
		}
		if dir != hp.Direction {
			out = append(out, errors.SignatureMismatch{
				Function: name,
				Detail:   fmt.Sprintf("parameter %d: design declares %s, host function declares %s", i, dir, hp.Direction),
			})
		}
		if dp.Width != hp.Width {
			out = append(out, errors.SignatureMismatch{
				Function: name,
				Detail:   fmt.Sprintf("parameter %d: design declares width %d, host function declares %d", i, dp.Width, hp.Width),
			})
		}
	}
	return out
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

func typeNames(ts []api.ValueType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = api.ValueTypeName(t)
	}
	return out
}
