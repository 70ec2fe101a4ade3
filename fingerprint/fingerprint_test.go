package fingerprint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdlerrors "github.com/wippyai/hdlsim/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustCompute(t *testing.T, in Input) Fingerprint {
	t.Helper()
	f, err := Compute(in)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestCompute(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.sv")
	inc := filepath.Join(dir, "include")
	writeFile(t, src, "module main(input a, output b); assign b = a; endmodule\n")
	writeFile(t, filepath.Join(inc, "defs.svh"), "`define W 8\n")

	base := Input{
		TopModule:   "main",
		Sources:     []string{src},
		IncludeDirs: []string{inc},
		Options:     []string{"-O3"},
		Ports:       []string{"a:0:0:input", "b:0:0:output"},
		Toolchain:   "test",
	}
	f0 := mustCompute(t, base)

	t.Run("deterministic", func(t *testing.T) {
		if f := mustCompute(t, base); f != f0 {
			t.Errorf("same input hashed to %s and %s", f0, f)
		}
	})

	t.Run("touch keeps fingerprint", func(t *testing.T) {
		later := time.Now().Add(time.Hour)
		if err := os.Chtimes(src, later, later); err != nil {
			t.Fatal(err)
		}
		if f := mustCompute(t, base); f != f0 {
			t.Error("modification time changed the fingerprint")
		}
	})

	t.Run("port order is not significant", func(t *testing.T) {
		in := base
		in.Ports = []string{"b:0:0:output", "a:0:0:input"}
		if f := mustCompute(t, in); f != f0 {
			t.Error("port order changed the fingerprint")
		}
	})

	variants := []struct {
		name   string
		mutate func(*Input)
	}{
		{"top module", func(in *Input) { in.TopModule = "other" }},
		{"options", func(in *Input) { in.Options = []string{"-O0"} }},
		{"ports", func(in *Input) { in.Ports = []string{"a:0:0:input"} }},
		{"dpi", func(in *Input) { in.DPI = []string{"three(output:32)"} }},
		{"toolchain", func(in *Input) { in.Toolchain = "other" }},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			in := base
			v.mutate(&in)
			if f := mustCompute(t, in); f == f0 {
				t.Errorf("changing %s kept the fingerprint", v.name)
			}
		})
	}

	t.Run("whitespace edit", func(t *testing.T) {
		writeFile(t, src, "module main(input a, output b); assign b = a; endmodule\n\n")
		defer writeFile(t, src, "module main(input a, output b); assign b = a; endmodule\n")
		if f := mustCompute(t, base); f == f0 {
			t.Error("whitespace edit kept the fingerprint")
		}
	})

	t.Run("include edit", func(t *testing.T) {
		writeFile(t, filepath.Join(inc, "defs.svh"), "`define W 16\n")
		defer writeFile(t, filepath.Join(inc, "defs.svh"), "`define W 8\n")
		if f := mustCompute(t, base); f == f0 {
			t.Error("include edit kept the fingerprint")
		}
	})

	t.Run("restored content restores fingerprint", func(t *testing.T) {
		if f := mustCompute(t, base); f != f0 {
			t.Error("identical content should hash identically")
		}
	})
}

func TestComputeMissingSource(t *testing.T) {
	_, err := Compute(Input{TopModule: "main", Sources: []string{filepath.Join(t.TempDir(), "nope.sv")}})
	if !errors.Is(err, hdlerrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestParse(t *testing.T) {
	var f Fingerprint
	f[0], f[31] = 0xab, 0xcd
	p, err := Parse(f.String())
	if err != nil {
		t.Fatal(err)
	}
	if p != f {
		t.Errorf("Parse(String()) = %s, want %s", p, f)
	}
	if len(f.Short()) != 16 {
		t.Errorf("Short() = %q", f.Short())
	}
	if _, err := Parse("abc"); err == nil {
		t.Error("expected error for short input")
	}
	if !(Fingerprint{}).IsZero() || f.IsZero() {
		t.Error("IsZero mismatch")
	}
}
