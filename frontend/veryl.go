package frontend

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/hdlsim/errors"
)

// VerylFile is the name of a Veryl project file.
const VerylFile = "Veryl.toml"

// Veryl locates the Veryl.toml governing dir and returns every .sv file
// directly under the project's src directory.
func Veryl(ctx context.Context, dir string, opts Options) (*Project, error) {
	log := opts.logger()
	log.Debug("searching for veryl project root", zap.String("path", dir))

	manifestPath, err := locate(dir, VerylFile)
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(manifestPath)

	if opts.Build {
		exe := opts.Executable
		if exe == "" {
			exe = "veryl"
		}
		if err := runBuild(ctx, exe, root, log); err != nil {
			return nil, err
		}
	}

	srcDir := filepath.Join(root, "src")
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, errors.New(errors.ClassConfiguration, errors.KindIO).
			Value(srcDir).
			Cause(err).
			Detail("read veryl src directory").
			Build()
	}

	p := &Project{
		Root:     root,
		BuildDir: filepath.Join(root, "dependencies", "hdlsim"),
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sv") {
			continue
		}
		p.Sources = append(p.Sources, filepath.Join(srcDir, e.Name()))
	}
	if len(p.Sources) == 0 {
		return nil, errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Value(srcDir).
			Detail("no .sv files in %s; run veryl build first", srcDir).
			Build()
	}

	log.Debug("found veryl project", zap.String("path", root), zap.Int("sources", len(p.Sources)))
	return p, nil
}
