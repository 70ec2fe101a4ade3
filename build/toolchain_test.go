package build_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/port"
)

const helperEnv = "HDLSIM_TOOLCHAIN_HELPER"

// TestMain doubles as a toolchain driver when re-executed by the command
// toolchain tests.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(driver(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func driver(mode string, args []string) int {
	switch mode {
	case "fail":
		fmt.Println("- V e r i l a t i o n")
		os.Stderr.WriteString("%Error: main.sv:3:1: syntax error\n")
		return 1
	case "ok":
		for i, a := range args {
			if a == "--out" && i+1 < len(args) {
				fmt.Fprintln(os.Stderr, "%Warning-WIDTH: truncated")
				if err := os.WriteFile(args[i+1], []byte(strings.Join(args, "\n")), 0o644); err != nil {
					fmt.Fprintln(os.Stderr, err)
					return 2
				}
				return 0
			}
		}
		return 3
	}
	return 4
}

func TestCommandLine(t *testing.T) {
	tc := build.NewCommandToolchain("/opt/hdlsim/bin/verilate-wasm", "--wasi")
	req := &build.Request{
		TopModule:       "main",
		Source:          "/p/main.sv",
		Sources:         []string{"/p/pkg.sv", "/p/main.sv"},
		IncludeDirs:     []string{"/p/include"},
		OptLevel:        2,
		IgnoredWarnings: []string{"WIDTH", "UNUSED"},
		Ports: []port.Spec{
			{Name: "a", MSB: 31, Direction: port.Input},
			{Name: "s", MSB: 7, Direction: port.Output, Signed: true},
		},
		DPI:     []artifact.DPIDecl{{Name: "three", Params: []artifact.DPIParam{{Direction: "output", Width: 32}}}},
		WorkDir: "/tmp/work",
		Output:  "/tmp/work/artifact.wasm",
	}

	want := []string{
		"--wasi",
		"--top", "main",
		"--source", "/p/main.sv",
		"--out", "/tmp/work/artifact.wasm",
		"--mdir", "/tmp/work",
		"-I/p/include",
		"-O2", "-Wno-UNUSED", "-Wno-WIDTH",
		"--port", "a:31:0:input",
		"--port", "s:7:0:output:signed",
		"--dpi", "three(output:32)",
		"/p/pkg.sv", "/p/main.sv",
	}
	if diff := cmp.Diff(want, tc.CommandLine(req)); diff != "" {
		t.Errorf("command line mismatch (-want +got):\n%s", diff)
	}

	if got := tc.Identity(); got != "verilate-wasm --wasi" {
		t.Errorf("Identity() = %q", got)
	}
	tc.Version = "5.024"
	if got := tc.Identity(); got != "verilate-wasm --wasi@5.024" {
		t.Errorf("Identity() = %q", got)
	}
}

func helperToolchain(mode string) *build.CommandToolchain {
	tc := build.NewCommandToolchain(os.Args[0])
	tc.Env = []string{helperEnv + "=" + mode}
	return tc
}

func helperRequest(t *testing.T) *build.Request {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "main.sv")
	writeFile(t, src, "module main; endmodule\n")
	return &build.Request{
		TopModule: "main",
		Sources:   []string{src},
		WorkDir:   dir,
		Output:    filepath.Join(dir, "artifact.wasm"),
	}
}

func TestCommandToolchainFailure(t *testing.T) {
	req := helperRequest(t)
	_, err := helperToolchain("fail").Compile(context.Background(), req)

	var he *errors.Error
	if !stderrors.As(err, &he) {
		t.Fatalf("error = %v, want *errors.Error", err)
	}
	if he.Class != errors.ClassBuild || he.Kind != errors.KindToolchain {
		t.Errorf("error = %s/%s", he.Class, he.Kind)
	}
	want := build.FormatDiagnostics("- V e r i l a t i o n\n", "%Error: main.sv:3:1: syntax error\n")
	if he.Diagnostics != want {
		t.Errorf("diagnostics = %q, want %q", he.Diagnostics, want)
	}
}

func TestCommandToolchainSuccess(t *testing.T) {
	req := helperRequest(t)
	res, err := helperToolchain("ok").Compile(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Diagnostics != "%Warning-WIDTH: truncated" {
		t.Errorf("diagnostics = %q", res.Diagnostics)
	}
	data, err := os.ReadFile(req.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "--top\nmain") {
		t.Errorf("driver saw args %q", data)
	}
}

func TestCommandToolchainRunsToCompletion(t *testing.T) {
	req := helperRequest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := helperToolchain("ok").Compile(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(req.Output); err != nil {
		t.Errorf("driver output missing: %v", err)
	}
}

func TestCommandToolchainThroughOrchestrator(t *testing.T) {
	req := helperRequest(t)
	o, err := build.New(build.Options{
		BuildDir:  filepath.Join(t.TempDir(), "artifacts"),
		Toolchain: helperToolchain("fail"),
		Quiet:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.EnsureBuilt(context.Background(), req)
	if !stderrors.Is(err, errors.ErrBuild) {
		t.Fatalf("error = %v, want build error", err)
	}
	if !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("error text lacks diagnostics: %v", err)
	}
}
