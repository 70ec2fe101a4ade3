package frontend

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/errors"
)

// SwimFile is the name of a Spade project file.
const SwimFile = "swim.toml"

// swimManifest is the part of swim.toml the simulator cares about.
type swimManifest struct {
	Name    string `toml:"name"`
	Verilog struct {
		Sources []string `toml:"sources"`
		Include []string `toml:"include"`
	} `toml:"verilog"`
}

// Spade locates the swim.toml governing dir and returns the project's
// Verilog. Artifacts are kept under build/thirdparty/hdlsim so that
// "swim clean" removes them.
func Spade(ctx context.Context, dir string, opts Options) (*Project, error) {
	log := opts.logger()
	log.Debug("searching for swim project root", zap.String("path", dir))

	manifestPath, err := locate(dir, SwimFile)
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(manifestPath)

	if opts.Build {
		exe := opts.Executable
		if exe == "" {
			exe = "swim"
		}
		if err := runBuild(ctx, exe, root, log); err != nil {
			return nil, err
		}
	}

	var manifest swimManifest
	if _, err := toml.DecodeFile(manifestPath, &manifest); err != nil {
		return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Value(manifestPath).
			Cause(err).
			Detail("parse %s", manifestPath).
			Build()
	}

	generated := filepath.Join(root, "build", "spade.sv")
	if _, err := os.Stat(generated); err != nil {
		return nil, errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Value(generated).
			Cause(err).
			Detail("generated Verilog missing; run swim build first").
			Build()
	}

	p := &Project{
		Root:     root,
		BuildDir: filepath.Join(root, "build", "thirdparty", "hdlsim"),
		Sources:  []string{generated},
	}
	for _, pattern := range manifest.Verilog.Sources {
		matches, err := filepath.Glob(resolve(root, pattern))
		if err != nil {
			return nil, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
				Value(pattern).
				Cause(err).
				Detail("bad verilog source pattern in %s", manifestPath).
				Build()
		}
		sort.Strings(matches)
		p.Sources = append(p.Sources, matches...)
	}
	for _, inc := range manifest.Verilog.Include {
		p.IncludeDirs = append(p.IncludeDirs, resolve(root, inc))
	}

	log.Debug("found spade project",
		zap.String("name", manifest.Name),
		zap.String("path", root),
		zap.Int("sources", len(p.Sources)))
	return p, nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}
