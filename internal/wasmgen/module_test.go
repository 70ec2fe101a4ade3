package wasmgen

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestWriteU32(t *testing.T) {
	tests := []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		var w Writer
		w.WriteU32(tt.in)
		if !bytes.Equal(w.Bytes(), tt.want) {
			t.Errorf("WriteU32(%d) = %x, want %x", tt.in, w.Bytes(), tt.want)
		}
	}
}

func TestWriteS64(t *testing.T) {
	tests := []struct {
		in   int64
		want []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tt := range tests {
		var w Writer
		w.WriteS64(tt.in)
		if !bytes.Equal(w.Bytes(), tt.want) {
			t.Errorf("WriteS64(%d) = %x, want %x", tt.in, w.Bytes(), tt.want)
		}
	}
}

func TestEncodeHeader(t *testing.T) {
	bin := NewModule().Encode()
	want := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(bin, want) {
		t.Errorf("empty module = %x, want %x", bin, want)
	}
}

func TestEncodeRuns(t *testing.T) {
	ctx := context.Background()

	m := NewModule()
	hostIdx := m.ImportFunc("env", "record", FuncType{Params: []ValType{I32}})
	m.Memory(1)
	g := m.Global(4096)
	m.Data(64, []byte("hi"))

	// sum(n) = 0 + 1 + ... + n-1, reporting n to the host first
	sum := NewCode().
		LocalGet(0).Call(hostIdx).
		Block().Loop().
		LocalGet(1).LocalGet(0).I32GeU().BrIf(1).
		LocalGet(2).LocalGet(1).I32Add().LocalSet(2).
		LocalGet(1).I32Const(1).I32Add().LocalSet(1).
		Br(0).
		End().End().
		LocalGet(2)
	idx := m.Func(FuncType{Params: []ValType{I32}, Results: []ValType{I32}}, []ValType{I32, I32}, sum)
	m.ExportFunc("sum", idx)

	bump := NewCode().GlobalGet(g).GlobalGet(g).I32Const(16).I32Add().GlobalSet(g)
	m.ExportFunc("bump", m.Func(FuncType{Results: []ValType{I32}}, nil, bump))

	store := NewCode().
		I32Const(128).LocalGet(0).I64Store(0).
		I32Const(136).I32Const(0x1234).I32Store16(0).
		I32Const(128).I32Load(4)
	m.ExportFunc("store", m.Func(FuncType{Params: []ValType{I64}, Results: []ValType{I32}}, nil, store))
	m.ExportMemory("memory")
	m.Custom("note", []byte{1, 2, 3})

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCustomSections(true))
	defer r.Close(ctx)

	var seen []uint32
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			seen = append(seen, api.DecodeU32(stack[0]))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("record").
		Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	compiled, err := r.CompileModule(ctx, m.Encode())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if secs := compiled.CustomSections(); len(secs) != 1 || secs[0].Name() != "note" {
		t.Errorf("custom sections = %v", secs)
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("t"))
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	res, err := mod.ExportedFunction("sum").Call(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 10 {
		t.Errorf("sum(5) = %d, want 10", res[0])
	}
	if len(seen) != 1 || seen[0] != 5 {
		t.Errorf("host saw %v", seen)
	}

	for _, want := range []uint64{4096, 4112} {
		res, err = mod.ExportedFunction("bump").Call(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if res[0] != want {
			t.Errorf("bump() = %d, want %d", res[0], want)
		}
	}

	res, err = mod.ExportedFunction("store").Call(ctx, 0xAABBCCDD_11223344)
	if err != nil {
		t.Fatal(err)
	}
	if uint32(res[0]) != 0xAABBCCDD {
		t.Errorf("store() = %#x, want 0xaabbccdd", res[0])
	}
	if v, _ := mod.Memory().ReadUint16Le(136); v != 0x1234 {
		t.Errorf("i32.store16 wrote %#x", v)
	}
	if b, _ := mod.Memory().Read(64, 2); string(b) != "hi" {
		t.Errorf("data segment = %q", b)
	}
}
