package frontend

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/runtime"
)

// Options configure a front end.
type Options struct {
	// Executable is the build command, "swim" or "veryl" when empty.
	Executable string
	// Build runs "<executable> build" in the project root first. Leave it
	// off when another tool already built the project.
	Build bool
	// Logger receives progress messages; nil is silent.
	Logger *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Project is the Verilog view of a front-end project.
type Project struct {
	// Root is the directory holding the project file.
	Root string
	// BuildDir is where the project keeps its simulation artifacts.
	BuildDir string
	// Sources are absolute paths of the generated and extra Verilog files.
	Sources     []string
	IncludeDirs []string
}

// Options returns runtime options simulating the project with tc.
func (p *Project) Options(tc build.Toolchain) runtime.Options {
	return runtime.Options{
		BuildDir:    p.BuildDir,
		Sources:     append([]string(nil), p.Sources...),
		IncludeDirs: append([]string(nil), p.IncludeDirs...),
		Toolchain:   tc,
	}
}

// FindUp looks for name in start and each of its parents and returns the
// path of the first match.
func FindUp(start, name string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func locate(start, name string) (string, error) {
	path, ok := FindUp(start, name)
	if !ok {
		return "", errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Value(start).
			Detail("no %s found searching upward from %s", name, start).
			Build()
	}
	return path, nil
}

// runBuild runs "<exe> build" in root. A failing command is a build error
// carrying both output streams.
func runBuild(ctx context.Context, exe, root string, log *zap.Logger) error {
	log.Info("running project build (this may take a while)",
		zap.String("command", exe),
		zap.String("path", root))

	cmd := exec.CommandContext(ctx, exe, "build")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		e := errors.Toolchain("", err, build.FormatDiagnostics(stdout.String(), stderr.String()))
		e.Detail = exe + " build failed"
		return e
	}
	return nil
}
