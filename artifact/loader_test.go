package artifact_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/simtest"
)

func newRuntime(t *testing.T) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCustomSections(true))
	t.Cleanup(func() { r.Close(ctx) })
	return r
}

func passthrough() *simtest.Design {
	return &simtest.Design{
		Module: "main",
		Ports: []port.Spec{
			{Name: "a", MSB: 31, Direction: port.Input},
			{Name: "b", MSB: 31, Direction: port.Output},
			{Name: "wide_in", MSB: 99, Direction: port.Input},
			{Name: "wide_out", MSB: 99, Direction: port.Output},
		},
		Ops: []simtest.Op{
			&simtest.Forward{From: "a", To: "b"},
			&simtest.Forward{From: "wide_in", To: "wide_out"},
		},
	}
}

func mustWasm(t *testing.T, d *simtest.Design, source string) []byte {
	t.Helper()
	bin, err := d.Wasm(source, "simtest/1", nil)
	if err != nil {
		t.Fatal(err)
	}
	return bin
}

func wantKind(t *testing.T, err error, class errors.Class, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", class, kind)
	}
	var he *errors.Error
	if !stderrors.As(err, &he) {
		t.Fatalf("expected *errors.Error, got %T: %v", err, err)
	}
	if he.Class != class || he.Kind != kind {
		t.Fatalf("error = %s/%s, want %s/%s: %v", he.Class, he.Kind, class, kind, err)
	}
}

func TestLoadAndEvaluate(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, passthrough(), "main.sv"), true)
	if err != nil {
		t.Fatal(err)
	}
	if a.Manifest().Module != "main" || a.Manifest().Source != "main.sv" {
		t.Errorf("manifest = %+v", a.Manifest())
	}
	if !a.Dynamic() {
		t.Error("artifact should support port lookup")
	}
	if a.Ports().Len() != 4 {
		t.Fatalf("ports = %d, want 4", a.Ports().Len())
	}

	base, err := a.New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	in, _ := a.Ports().Lookup("a")
	out, _ := a.Ports().Lookup("b")

	v, err := port.Load(a.Memory(), base, out)
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsZero() {
		t.Errorf("power-on value = %v, want 0", v)
	}

	if err := port.Store(a.Memory(), base, in, port.FromUint64(0xdeadbeef, 32, false)); err != nil {
		t.Fatal(err)
	}
	if err := a.Eval(ctx, base); err != nil {
		t.Fatal(err)
	}
	v, err = port.Load(a.Memory(), base, out)
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint64() != 0xdeadbeef {
		t.Errorf("b = %#x, want 0xdeadbeef", v.Uint64())
	}

	wideIn, _ := a.Ports().Lookup("wide_in")
	wideOut, _ := a.Ports().Lookup("wide_out")
	words := []uint32{0x11111111, 0x22222222, 0x33333333, 0xf}
	if err := port.Store(a.Memory(), base, wideIn, port.FromWords(words, 100, false)); err != nil {
		t.Fatal(err)
	}
	if err := a.Eval(ctx, base); err != nil {
		t.Fatal(err)
	}
	v, err = port.Load(a.Memory(), base, wideOut)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Equal(port.FromWords(words, 100, false)) {
		t.Errorf("wide_out = %v", v)
	}
}

func TestModelsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, passthrough(), "main.sv"), false)
	if err != nil {
		t.Fatal(err)
	}
	in, _ := a.Ports().Lookup("a")
	out, _ := a.Ports().Lookup("b")

	b1, err := a.New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := a.New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1 == b2 {
		t.Fatalf("models share base %#x", b1)
	}

	if err := port.Store(a.Memory(), b1, in, port.FromUint64(1, 32, false)); err != nil {
		t.Fatal(err)
	}
	if err := port.Store(a.Memory(), b2, in, port.FromUint64(2, 32, false)); err != nil {
		t.Fatal(err)
	}
	if err := a.Eval(ctx, b1); err != nil {
		t.Fatal(err)
	}

	v1, _ := port.Load(a.Memory(), b1, out)
	v2, _ := port.Load(a.Memory(), b2, out)
	if v1.Uint64() != 1 || v2.Uint64() != 0 {
		t.Errorf("b = %d, %d; want 1, 0", v1.Uint64(), v2.Uint64())
	}
}

func TestPortOffset(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	d := passthrough()
	bin, err := d.Wasm("main.sv", "simtest/1", []port.Spec{d.Ports[1]})
	if err != nil {
		t.Fatal(err)
	}
	a, err := l.LoadBytes(ctx, "main.wasm", bin, true)
	if err != nil {
		t.Fatal(err)
	}

	b, ok := a.Ports().Lookup("b")
	if !ok {
		t.Fatal("b missing from manifest")
	}
	off, ok, err := a.PortOffset(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("PortOffset(b) = %d, %v, %v", off, ok, err)
	}
	if off != b.Offset {
		t.Errorf("offset = %d, manifest says %d", off, b.Offset)
	}

	for _, name := range []string{"a", "bb", "", "wide_out"} {
		if _, ok, err := a.PortOffset(ctx, name); err != nil || ok {
			t.Errorf("PortOffset(%q) = %v, %v; want not found", name, ok, err)
		}
	}
}

func TestLoadMissingSymbol(t *testing.T) {
	tests := []struct {
		name    string
		omit    []string
		static  bool
		dynamic bool
	}{
		{name: "eval", omit: []string{artifact.ExportEval}},
		{name: "new", omit: []string{artifact.ExportNew}},
		{name: "memory", omit: []string{artifact.ExportMemory}},
		{name: "lookup for dynamic model", omit: []string{artifact.ExportPort}, dynamic: true},
		{name: "static artifact loaded dynamic", static: true, dynamic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l := artifact.NewLoader(newRuntime(t), artifact.Options{})
			defer l.Close(ctx)

			d := passthrough()
			d.Omit = tt.omit
			d.Static = tt.static
			_, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, d, "main.sv"), tt.dynamic)
			wantKind(t, err, errors.ClassLoad, errors.KindMissingSymbol)
			if !stderrors.Is(err, errors.ErrLoad) {
				t.Error("missing symbol should match ErrLoad")
			}
		})
	}
}

func TestLoadStaticWithoutLookup(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	d := passthrough()
	d.Static = true
	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, d, "main.sv"), false)
	if err != nil {
		t.Fatal(err)
	}
	if a.Dynamic() {
		t.Error("static artifact reported dynamic")
	}
	_, _, err = a.PortOffset(ctx, "a")
	wantKind(t, err, errors.ClassMisuse, errors.KindInvalidState)
}

func TestLoadCollision(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	first, err := l.LoadBytes(ctx, "one.wasm", mustWasm(t, passthrough(), "one.sv"), false)
	if err != nil {
		t.Fatal(err)
	}

	again, err := l.LoadBytes(ctx, "one-again.wasm", mustWasm(t, passthrough(), "one.sv"), false)
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Error("same module and source should reuse the loaded artifact")
	}

	_, err = l.LoadBytes(ctx, "two.wasm", mustWasm(t, passthrough(), "two.sv"), false)
	wantKind(t, err, errors.ClassLoad, errors.KindCollision)

	got, ok := l.Get("main")
	if !ok || got != first {
		t.Error("collision replaced the loaded artifact")
	}
}

func TestLoadInitializes(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	d := passthrough()
	d.Omit = []string{artifact.ExportInit}
	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, d, "main.sv"), false)
	if err != nil {
		t.Fatal(err)
	}

	// fixture designs refuse to construct before _initialize ran
	_, err = a.New(ctx)
	wantKind(t, err, errors.ClassLoad, errors.KindTrap)
}

func TestLoadWASIOutput(t *testing.T) {
	ctx := context.Background()
	var stdout bytes.Buffer
	l := artifact.NewLoader(newRuntime(t), artifact.Options{Stdout: &stdout})
	defer l.Close(ctx)

	d := passthrough()
	d.Print = "model constructed\n"
	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, d, "main.sv"), false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.New(ctx); err != nil {
		t.Fatal(err)
	}
	if stdout.String() != "model constructed\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestLoadUnregisteredDPI(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	d := passthrough()
	d.DPI = []artifact.DPIDecl{{Name: "three", Params: []artifact.DPIParam{{Direction: "output", Width: 32}}}}
	_, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, d, "main.sv"), false)
	wantKind(t, err, errors.ClassLoad, errors.KindMissingImport)
}

func TestLoadMalformed(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})
	defer l.Close(ctx)

	_, err := l.LoadBytes(ctx, "junk.wasm", []byte("not wasm"), false)
	wantKind(t, err, errors.ClassLoad, errors.KindInstantiation)

	_, err = l.Load(ctx, "/does/not/exist.wasm", false)
	wantKind(t, err, errors.ClassLoad, errors.KindIO)
}

func TestUseAfterClose(t *testing.T) {
	ctx := context.Background()
	l := artifact.NewLoader(newRuntime(t), artifact.Options{})

	a, err := l.LoadBytes(ctx, "main.wasm", mustWasm(t, passthrough(), "main.sv"), true)
	if err != nil {
		t.Fatal(err)
	}
	base, err := a.New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatal(err)
	}

	wantKind(t, a.Eval(ctx, base), errors.ClassMisuse, errors.KindClosed)
	_, _, err = a.PortOffset(ctx, "a")
	wantKind(t, err, errors.ClassMisuse, errors.KindClosed)
	_, err = l.LoadBytes(ctx, "main.wasm", mustWasm(t, passthrough(), "main.sv"), false)
	wantKind(t, err, errors.ClassMisuse, errors.KindClosed)
}
