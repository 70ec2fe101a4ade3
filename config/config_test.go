package config_test

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/hdlsim/config"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/runtime"
	"github.com/wippyai/hdlsim/simtest"
)

const project = `
build_dir        = "out"
sources          = ["rtl/counter.sv", "${project_dir}/rtl/alu.sv"]
include_dirs     = ["rtl/include"]
opt_level        = 3
ignored_warnings = ["WIDTH", "UNUSED"]
force_rebuild    = true

toolchain {
  command = "${env.HDLSIM_TEST_TOOLS}/verilate-wasm"
  args    = ["--trace"]
  env     = { CC = "clang" }
  version = "5.030"
}

log {
  level = "debug"
  quiet = true
}

model "counter" {
  source    = "rtl/counter.sv"
  clock     = "clk"
  trace     = true
  timescale = "1ns"

  port "clk" {
    direction = "in"
  }
  port "rst" {
    direction = "input"
  }
  port "count" {
    direction = "out"
    msb       = 7
  }
}
`

func parse(t *testing.T, dir, src string) *config.Project {
	t.Helper()
	p, err := config.Parse(filepath.Join(dir, "hdlsim.hcl"), []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParse(t *testing.T) {
	t.Setenv("HDLSIM_TEST_TOOLS", "/opt/tools")
	dir := t.TempDir()
	p := parse(t, dir, project)

	want := &config.Project{
		Dir:             dir,
		BuildDir:        filepath.Join(dir, "out"),
		Sources:         []string{filepath.Join(dir, "rtl", "counter.sv"), filepath.Join(dir, "rtl", "alu.sv")},
		IncludeDirs:     []string{filepath.Join(dir, "rtl", "include")},
		OptLevel:        3,
		IgnoredWarnings: []string{"WIDTH", "UNUSED"},
		ForceRebuild:    true,
		Toolchain: &config.Toolchain{
			Command: "/opt/tools/verilate-wasm",
			Args:    []string{"--trace"},
			Env:     map[string]string{"CC": "clang"},
			Version: "5.030",
		},
		Log: config.Log{Level: "debug", Quiet: true},
		Models: []*config.Model{{
			Name:      "counter",
			Source:    filepath.Join(dir, "rtl", "counter.sv"),
			Clock:     "clk",
			Trace:     true,
			Timescale: "1ns",
			Ports: []*config.Port{
				{Name: "clk", Direction: "in"},
				{Name: "rst", Direction: "input"},
				{Name: "count", Direction: "out", MSB: 7},
			},
		}},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("project mismatch (-want +got):\n%s", diff)
	}

	m, ok := p.Model("counter")
	if !ok {
		t.Fatal("model counter not found")
	}
	specs, err := m.Specs()
	if err != nil {
		t.Fatal(err)
	}
	wantSpecs := []port.Spec{
		{Name: "clk", Direction: port.Input},
		{Name: "rst", Direction: port.Input},
		{Name: "count", MSB: 7, Direction: port.Output},
	}
	if diff := cmp.Diff(wantSpecs, specs); diff != "" {
		t.Errorf("specs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&runtime.ModelConfig{EnableTracing: true, Clock: "clk", Timescale: "1ns"}, m.Config()); diff != "" {
		t.Errorf("model config mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p.Model("missing"); ok {
		t.Error("found undeclared model")
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind errors.Kind
	}{
		{"syntax", `sources = [`, errors.KindInvalidInput},
		{"unknown_attribute", `sourcez = ["a.sv"]`, errors.KindInvalidInput},
		{"missing_env", `build_dir = env.HDLSIM_SURELY_UNSET_VARIABLE`, errors.KindInvalidInput},
		{"both_frontends", "spade {}\nveryl {}", errors.KindInvalidInput},
		{"negative_opt", `opt_level = -1`, errors.KindInvalidInput},
		{"log_format", "log {\n format = \"xml\"\n}", errors.KindInvalidInput},
		{"duplicate_model", "model \"m\" {}\nmodel \"m\" {}", errors.KindCollision},
		{"bad_direction", "model \"m\" {\n port \"p\" {\n direction = \"sideways\"\n }\n}", errors.KindInvalidInput},
		{"reversed_range", "model \"m\" {\n port \"p\" {\n direction = \"in\"\n lsb = 3\n }\n}", errors.KindInvalidInput},
		{"escaped_name", "model \"m\" {\n port \"a b\" {\n direction = \"in\"\n }\n}", errors.KindInvalidInput},
		{"unknown_clock", "model \"m\" {\n clock = \"clk\"\n}", errors.KindUnknownPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse(filepath.Join(t.TempDir(), "hdlsim.hcl"), []byte(tt.src))
			var he *errors.Error
			if !stderrors.As(err, &he) {
				t.Fatalf("error = %v, want configuration error", err)
			}
			if he.Class != errors.ClassConfiguration || he.Kind != tt.kind {
				t.Errorf("error = %s/%s (%v), want configuration/%s", he.Class, he.Kind, err, tt.kind)
			}
		})
	}
}

func TestDiagnosticsNameTheFile(t *testing.T) {
	_, err := config.Parse("broken.hcl", []byte("sources = ["))
	var he *errors.Error
	if !stderrors.As(err, &he) {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(he.Diagnostics, "broken.hcl:1") {
		t.Errorf("diagnostics = %q, want the file position", he.Diagnostics)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdlsim.hcl")
	if err := os.WriteFile(path, []byte("sources = [\"main.sv\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "main.sv")}, p.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}

	_, err = config.Load(filepath.Join(dir, "missing.hcl"))
	if !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestRuntimeOptions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p := parse(t, dir, `sources = ["main.sv"]`)
	opts, err := p.RuntimeOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Toolchain != nil {
		t.Errorf("toolchain = %v without a toolchain block", opts.Toolchain)
	}
	if _, err := p.CommandToolchain(); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("CommandToolchain without toolchain = %v", err)
	}

	p = parse(t, dir, "sources = [\"main.sv\"]\nopt_level = 1\ntoolchain {\n command = \"vw\"\n version = \"1\"\n}\n")
	opts, err = p.RuntimeOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if opts.BuildDir != filepath.Join(dir, config.DefaultBuildDir) {
		t.Errorf("build dir = %s", opts.BuildDir)
	}
	if opts.OptLevel != 1 || opts.Toolchain.Identity() != "vw@1" {
		t.Errorf("options = %+v", opts)
	}
}

func TestVerylProject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hw := filepath.Join(dir, "hw")
	for path, content := range map[string]string{
		filepath.Join(hw, "Veryl.toml"):    "[project]\nname = \"hw\"\n",
		filepath.Join(hw, "src", "top.sv"): "",
		filepath.Join(dir, "extra.sv"):     "",
	} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := parse(t, dir, "sources = [\"extra.sv\"]\nveryl {\n dir = \"hw\"\n}\ntoolchain {\n command = \"vw\"\n}\n")
	opts, err := p.RuntimeOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantSources := []string{filepath.Join(hw, "src", "top.sv"), filepath.Join(dir, "extra.sv")}
	if diff := cmp.Diff(wantSources, opts.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if opts.BuildDir != filepath.Join(hw, "dependencies", "hdlsim") {
		t.Errorf("build dir = %s", opts.BuildDir)
	}
}

func TestLogger(t *testing.T) {
	dir := t.TempDir()
	p := parse(t, dir, "log {\n level = \"warn\"\n format = \"json\"\n file = \"hdlsim.log\"\n}\n")
	l, err := p.Logger()
	if err != nil {
		t.Fatal(err)
	}
	l.Info("dropped")
	l.Warn("kept")
	_ = l.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "hdlsim.log"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), `"msg":"kept"`) {
		t.Errorf("log file = %q", data)
	}

	p = parse(t, dir, "log {\n level = \"loud\"\n}\n")
	if _, err := p.Logger(); !stderrors.Is(err, errors.ErrConfiguration) {
		t.Errorf("Logger with bad level = %v", err)
	}
}

// TestProjectModel drives a model declared in a project file end to end.
func TestProjectModel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "counter.sv")
	if err := os.WriteFile(src, []byte("module counter(); endmodule\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := parse(t, dir, `
sources = ["counter.sv"]
toolchain {
  command = "unused"
}
log {
  quiet = true
}
model "counter" {
  source = "counter.sv"
  clock  = "clk"
  port "clk" {
    direction = "in"
  }
  port "count" {
    direction = "out"
    msb       = 7
  }
}
`)
	opts, err := p.RuntimeOptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m := p.Models[0]
	specs, err := m.Specs()
	if err != nil {
		t.Fatal(err)
	}
	opts.Toolchain = simtest.New(&simtest.Design{
		Module: "counter",
		Ports:  specs,
		Ops:    []simtest.Op{&simtest.Counter{Clock: "clk", Count: "count"}},
	})

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)

	model, err := rt.CreateDynamic(ctx, m.Name, m.Source, specs, m.Config())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := model.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	v, err := model.Read("count")
	if err != nil {
		t.Fatal(err)
	}
	if v.Uint64() != 3 {
		t.Errorf("count = %d, want 3", v.Uint64())
	}
}
