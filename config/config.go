package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/frontend"
	"github.com/wippyai/hdlsim/port"
	"github.com/wippyai/hdlsim/runtime"
)

// DefaultBuildDir is used, relative to the project directory, when neither
// build_dir nor a front end names one.
const DefaultBuildDir = "artifacts"

// Project is a decoded project file with every path made absolute.
type Project struct {
	// Dir is the directory holding the project file.
	Dir              string
	BuildDir         string
	Sources          []string
	IncludeDirs      []string
	OptLevel         int
	IgnoredWarnings  []string
	ForceRebuild     bool
	MemoryLimitPages uint32
	Toolchain        *Toolchain
	Log              Log
	Spade            *Frontend
	Veryl            *Frontend
	Models           []*Model
}

// Toolchain describes the external driver building artifacts.
type Toolchain struct {
	Command string            `hcl:"command"`
	Args    []string          `hcl:"args,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Version string            `hcl:"version,optional"`
}

// Log configures logging and build status output.
type Log struct {
	// Level is a zap level name, "info" when empty.
	Level string `hcl:"level,optional"`
	// Format is "console" (default) or "json".
	Format string `hcl:"format,optional"`
	// File receives log output instead of stderr.
	File string `hcl:"file,optional"`
	// Quiet suppresses build status lines.
	Quiet bool `hcl:"quiet,optional"`
}

// Frontend is a spade or veryl block.
type Frontend struct {
	// Dir is where the search for the project file starts.
	Dir        string `hcl:"dir,optional"`
	Executable string `hcl:"executable,optional"`
	Build      bool   `hcl:"build,optional"`
}

// Model declares a model and the ports it exposes.
type Model struct {
	Name      string  `hcl:"name,label"`
	Source    string  `hcl:"source,optional"`
	Clock     string  `hcl:"clock,optional"`
	Trace     bool    `hcl:"trace,optional"`
	Timescale string  `hcl:"timescale,optional"`
	Ports     []*Port `hcl:"port,block"`
}

// Port is a port block inside a model.
type Port struct {
	Name      string `hcl:"name,label"`
	Direction string `hcl:"direction"`
	MSB       int    `hcl:"msb,optional"`
	LSB       int    `hcl:"lsb,optional"`
	Signed    bool   `hcl:"signed,optional"`
}

type fileRoot struct {
	BuildDir         string     `hcl:"build_dir,optional"`
	Sources          []string   `hcl:"sources,optional"`
	IncludeDirs      []string   `hcl:"include_dirs,optional"`
	OptLevel         int        `hcl:"opt_level,optional"`
	IgnoredWarnings  []string   `hcl:"ignored_warnings,optional"`
	ForceRebuild     bool       `hcl:"force_rebuild,optional"`
	MemoryLimitPages uint32     `hcl:"memory_limit_pages,optional"`
	Toolchain        *Toolchain `hcl:"toolchain,block"`
	Log              *Log       `hcl:"log,block"`
	Spade            *Frontend  `hcl:"spade,block"`
	Veryl            *Frontend  `hcl:"veryl,block"`
	Models           []*Model   `hcl:"model,block"`
}

// Load reads and decodes the project file at path.
func Load(path string) (*Project, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ClassConfiguration, errors.KindIO).
			Value(path).
			Cause(err).
			Detail("read project file").
			Build()
	}
	return Parse(path, src)
}

// Parse decodes a project file. filename locates the project directory and
// names the file in diagnostics.
func Parse(filename string, src []byte) (*Project, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.Wrap(errors.ClassConfiguration, errors.KindInvalidInput, err, "resolve project file path")
	}
	dir := filepath.Dir(abs)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, invalid(filename, "parse project file", diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, evalContext(dir), &root)
	if diags.HasErrors() {
		return nil, invalid(filename, "decode project file", diags)
	}

	p := &Project{
		Dir:              dir,
		OptLevel:         root.OptLevel,
		IgnoredWarnings:  root.IgnoredWarnings,
		ForceRebuild:     root.ForceRebuild,
		MemoryLimitPages: root.MemoryLimitPages,
		Toolchain:        root.Toolchain,
		Spade:            root.Spade,
		Veryl:            root.Veryl,
		Models:           root.Models,
	}
	if root.BuildDir != "" {
		p.BuildDir = p.resolve(root.BuildDir)
	}
	for _, s := range root.Sources {
		p.Sources = append(p.Sources, p.resolve(s))
	}
	for _, inc := range root.IncludeDirs {
		p.IncludeDirs = append(p.IncludeDirs, p.resolve(inc))
	}
	if root.Log != nil {
		p.Log = *root.Log
		if p.Log.File != "" {
			p.Log.File = p.resolve(p.Log.File)
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func evalContext(dir string) *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"env":         cty.ObjectVal(env),
		"project_dir": cty.StringVal(dir),
	}}
}

func invalid(filename, detail string, diags hcl.Diagnostics) error {
	return errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
		Value(filename).
		Cause(diags).
		Diagnostics(diags.Error()).
		Detail("%s", detail).
		Build()
}

func (p *Project) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.Dir, path)
}

func (p *Project) validate() error {
	if p.Spade != nil && p.Veryl != nil {
		return errors.Configuration(errors.KindInvalidInput, "a project may use either a spade or a veryl block, not both")
	}
	if p.OptLevel < 0 {
		return errors.Configuration(errors.KindInvalidInput, "opt_level %d is negative", p.OptLevel)
	}
	if p.Log.Format != "" && p.Log.Format != "console" && p.Log.Format != "json" {
		return errors.Configuration(errors.KindInvalidInput, "log format %q is not console or json", p.Log.Format)
	}

	seen := make(map[string]bool, len(p.Models))
	for _, m := range p.Models {
		if seen[m.Name] {
			return errors.New(errors.ClassConfiguration, errors.KindCollision).
				Module(m.Name).
				Detail("model declared twice").
				Build()
		}
		seen[m.Name] = true
		if err := port.ValidateName(m.Name); err != nil {
			return err
		}
		if m.Source != "" {
			m.Source = p.resolve(m.Source)
		}
		if _, err := m.Specs(); err != nil {
			return err
		}
		if m.Clock != "" && !m.hasPort(m.Clock) {
			return errors.New(errors.ClassConfiguration, errors.KindUnknownPort).
				Module(m.Name).
				Port(m.Clock).
				Detail("clock is not one of the model's ports").
				Build()
		}
	}
	return nil
}

// Model returns the model block named name.
func (p *Project) Model(name string) (*Model, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// Logger builds the logger the log block describes.
func (p *Project) Logger() (*zap.Logger, error) {
	level := p.Log.Level
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrap(errors.ClassConfiguration, errors.KindInvalidInput, err, "log level")
	}

	cfg := zap.NewDevelopmentConfig()
	if p.Log.Format == "json" {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = lvl
	if p.Log.File != "" {
		cfg.OutputPaths = []string{p.Log.File}
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "build logger")
	}
	return l, nil
}

// CommandToolchain returns the toolchain block as a build toolchain.
func (p *Project) CommandToolchain() (*build.CommandToolchain, error) {
	if p.Toolchain == nil || p.Toolchain.Command == "" {
		return nil, errors.Configuration(errors.KindInvalidInput, "project has no toolchain block")
	}
	tc := build.NewCommandToolchain(p.Toolchain.Command, p.Toolchain.Args...)
	tc.Version = p.Toolchain.Version
	for k, v := range p.Toolchain.Env {
		tc.Env = append(tc.Env, k+"="+v)
	}
	return tc, nil
}

// RuntimeOptions converts the project into runtime options. Front-end
// projects are located (and built, if asked) here. The options carry no
// logger, and no toolchain when the project has no toolchain block.
func (p *Project) RuntimeOptions(ctx context.Context) (runtime.Options, error) {
	opts := runtime.Options{
		BuildDir:         p.BuildDir,
		Sources:          p.Sources,
		IncludeDirs:      p.IncludeDirs,
		OptLevel:         p.OptLevel,
		IgnoredWarnings:  p.IgnoredWarnings,
		ForceRebuild:     p.ForceRebuild,
		MemoryLimitPages: p.MemoryLimitPages,
		Quiet:            p.Log.Quiet,
	}
	if p.Toolchain != nil {
		tc, err := p.CommandToolchain()
		if err != nil {
			return runtime.Options{}, err
		}
		opts.Toolchain = tc
	}

	fp, err := p.frontend(ctx)
	if err != nil {
		return runtime.Options{}, err
	}
	if fp != nil {
		opts.Sources = append(append([]string(nil), fp.Sources...), p.Sources...)
		opts.IncludeDirs = append(append([]string(nil), fp.IncludeDirs...), p.IncludeDirs...)
		if opts.BuildDir == "" {
			opts.BuildDir = fp.BuildDir
		}
	}
	if opts.BuildDir == "" {
		opts.BuildDir = p.resolve(DefaultBuildDir)
	}
	return opts, nil
}

func (p *Project) frontend(ctx context.Context) (*frontend.Project, error) {
	switch {
	case p.Spade != nil:
		return frontend.Spade(ctx, p.resolve(p.Spade.Dir), p.Spade.options())
	case p.Veryl != nil:
		return frontend.Veryl(ctx, p.resolve(p.Veryl.Dir), p.Veryl.options())
	}
	return nil, nil
}

func (f *Frontend) options() frontend.Options {
	return frontend.Options{Executable: f.Executable, Build: f.Build}
}

// Specs returns the model's ports in declaration order.
func (m *Model) Specs() ([]port.Spec, error) {
	specs := make([]port.Spec, 0, len(m.Ports))
	for _, pb := range m.Ports {
		dir, err := port.ParseDirection(pb.Direction)
		if err != nil {
			return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
				Module(m.Name).
				Port(pb.Name).
				Cause(err).
				Detail("bad port direction %q", pb.Direction).
				Build()
		}
		s := port.Spec{Name: pb.Name, MSB: pb.MSB, LSB: pb.LSB, Direction: dir, Signed: pb.Signed}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// Config returns the model's runtime configuration.
func (m *Model) Config() *runtime.ModelConfig {
	return &runtime.ModelConfig{
		EnableTracing: m.Trace,
		Clock:         m.Clock,
		Timescale:     m.Timescale,
	}
}

func (m *Model) hasPort(name string) bool {
	for _, pb := range m.Ports {
		if pb.Name == name {
			return true
		}
	}
	return false
}
