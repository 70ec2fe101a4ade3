package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/artifact"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/fingerprint"
	"github.com/wippyai/hdlsim/port"
)

// MaxOptLevel is the highest accepted optimization level.
const MaxOptLevel = 3

// Request describes one compilation of a top module.
type Request struct {
	TopModule string
	// Source is the file declaring TopModule. It must be one of Sources and
	// is recorded in the artifact manifest.
	Source      string
	Sources     []string
	IncludeDirs []string
	// Ports restricts the ports the artifact exposes. Empty exposes every
	// top-level port.
	Ports           []port.Spec
	DPI             []artifact.DPIDecl
	IgnoredWarnings []string
	OptLevel        int

	// WorkDir and Output are set by the orchestrator for each compilation.
	WorkDir string
	Output  string
}

// Validate checks names, ranges and that every input path exists.
func (r *Request) Validate() error {
	if err := port.ValidateName(r.TopModule); err != nil {
		return err
	}
	if len(r.Sources) == 0 {
		return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Module(r.TopModule).
			Detail("no source files").
			Build()
	}
	found := r.Source == ""
	for _, src := range r.Sources {
		if src == r.Source {
			found = true
		}
		st, err := os.Stat(src)
		if err != nil || !st.Mode().IsRegular() {
			return errors.New(errors.ClassConfiguration, errors.KindNotFound).
				Module(r.TopModule).
				Cause(err).
				Detail("source file %s does not exist", src).
				Build()
		}
	}
	if !found {
		return errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Module(r.TopModule).
			Detail("%s is not one of the source files", r.Source).
			Build()
	}
	for _, dir := range r.IncludeDirs {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			return errors.New(errors.ClassConfiguration, errors.KindNotFound).
				Module(r.TopModule).
				Cause(err).
				Detail("include directory %s does not exist", dir).
				Build()
		}
	}
	if r.OptLevel < 0 || r.OptLevel > MaxOptLevel {
		return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Module(r.TopModule).
			Value(r.OptLevel).
			Detail("optimization level must be between 0 and %d", MaxOptLevel).
			Build()
	}

	seen := make(map[string]bool, len(r.Ports))
	for _, p := range r.Ports {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return errors.New(errors.ClassConfiguration, errors.KindCollision).
				Module(r.TopModule).
				Port(p.Name).
				Detail("port requested twice").
				Build()
		}
		seen[p.Name] = true
	}
	for _, d := range r.DPI {
		if err := port.ValidateName(d.Name); err != nil {
			return err
		}
	}
	return nil
}

// Options returns the build options in canonical form: the optimization
// level followed by the sorted ignored warnings.
func (r *Request) Options() []string {
	opts := []string{"-O" + strconv.Itoa(r.OptLevel)}
	warnings := append([]string(nil), r.IgnoredWarnings...)
	sort.Strings(warnings)
	for _, w := range warnings {
		opts = append(opts, "-Wno-"+w)
	}
	return opts
}

// PortFlag renders a port as name:msb:lsb:dir[:signed].
func PortFlag(s port.Spec) string {
	f := fmt.Sprintf("%s:%d:%d:%s", s.Name, s.MSB, s.LSB, s.Direction)
	if s.Signed {
		f += ":signed"
	}
	return f
}

// FingerprintInput collects everything the artifact for r depends on.
func (r *Request) FingerprintInput(toolchain string) fingerprint.Input {
	in := fingerprint.Input{
		TopModule:   r.TopModule,
		Source:      r.Source,
		Sources:     r.Sources,
		IncludeDirs: r.IncludeDirs,
		Options:     r.Options(),
		Toolchain:   toolchain,
	}
	for _, p := range r.Ports {
		in.Ports = append(in.Ports, PortFlag(p))
	}
	for _, d := range r.DPI {
		in.DPI = append(in.DPI, d.Signature())
	}
	return in
}

// Result is what a successful compilation reports.
type Result struct {
	// Diagnostics holds warnings the toolchain printed.
	Diagnostics string
}

// Toolchain compiles a request into a wasm artifact at req.Output.
type Toolchain interface {
	// Identity names the toolchain and its version. It is part of the
	// fingerprint, so changing it invalidates cached artifacts.
	Identity() string
	// Compile writes the artifact to req.Output. A failure should be a
	// build error carrying the raw diagnostics.
	Compile(ctx context.Context, req *Request) (*Result, error)
}

// CommandToolchain runs an external driver executable.
//
// The driver is invoked in the work directory as
//
//	<path> [args...] --top <module> --source <file> --out <artifact> --mdir <workdir>
//	       [-I<dir>...] -O<n> [-Wno-<w>...] [--port <name:msb:lsb:dir[:signed]>...]
//	       [--dpi <signature>...] <sources...>
//
// and must write a wasm artifact carrying an hdlsim.manifest section to the
// --out path.
type CommandToolchain struct {
	Path string
	// Args are passed before the generated flags.
	Args []string
	// Env is appended to the process environment.
	Env []string
	// Version is appended to the identity. Set it to the driver's version
	// so an upgrade invalidates the cache.
	Version string
}

// NewCommandToolchain creates a toolchain running path with leading args.
func NewCommandToolchain(path string, args ...string) *CommandToolchain {
	return &CommandToolchain{Path: path, Args: args}
}

func (t *CommandToolchain) Identity() string {
	id := filepath.Base(t.Path)
	if len(t.Args) > 0 {
		id += " " + strings.Join(t.Args, " ")
	}
	if t.Version != "" {
		id += "@" + t.Version
	}
	return id
}

// CommandLine returns the arguments Compile passes for req.
func (t *CommandToolchain) CommandLine(req *Request) []string {
	args := append([]string(nil), t.Args...)
	args = append(args, "--top", req.TopModule)
	if req.Source != "" {
		args = append(args, "--source", req.Source)
	}
	args = append(args, "--out", req.Output, "--mdir", req.WorkDir)
	for _, dir := range req.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	args = append(args, req.Options()...)
	for _, p := range req.Ports {
		args = append(args, "--port", PortFlag(p))
	}
	for _, d := range req.DPI {
		args = append(args, "--dpi", d.Signature())
	}
	return append(args, req.Sources...)
}

// Compile runs the driver to completion; ctx does not interrupt it. A
// non-zero exit is a build error whose diagnostics hold both output streams
// verbatim.
func (t *CommandToolchain) Compile(ctx context.Context, req *Request) (*Result, error) {
	if t.Path == "" {
		return nil, errors.Configuration(errors.KindInvalidInput, "toolchain executable not set")
	}

	cmd := exec.Command(t.Path, t.CommandLine(req)...)
	cmd.Dir = req.WorkDir
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	Logger().Debug("running toolchain",
		zap.String("module", req.TopModule),
		zap.String("path", t.Path),
		zap.Strings("args", cmd.Args[1:]))

	err := cmd.Run()
	diagnostics := FormatDiagnostics(stdout.String(), stderr.String())
	if err != nil {
		return nil, errors.Toolchain(req.TopModule, err, diagnostics)
	}
	return &Result{Diagnostics: strings.TrimSpace(stderr.String())}, nil
}

// FormatDiagnostics joins captured toolchain output streams.
func FormatDiagnostics(stdout, stderr string) string {
	return "--- STDOUT ---\n" + stdout + "\n--- STDERR ---\n" + stderr
}
