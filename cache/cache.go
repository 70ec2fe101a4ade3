// Package cache implements the content-addressed artifact store.
//
// Layout under the build directory:
//
//	<module>-<fp16>/artifact.wasm     published artifact
//	<module>-<fp16>/entry.msgpack     fingerprint, generation, created-at, toolchain
//	generation.msgpack                last generation handed out
//	.work-<module>-<random>/          staging area for one build
//
// Entries never expire. A lookup matches only when the full fingerprint
// recorded in the entry equals the requested one. Mutating methods (Stage,
// Publish) must be called with the build directory lock held; Lookup is safe
// at any time because Publish replaces entries with a single rename.
package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/fingerprint"
)

const (
	ArtifactFile   = "artifact.wasm"
	EntryFile      = "entry.msgpack"
	generationFile = "generation.msgpack"
	workPrefix     = ".work-"
	publishPrefix  = ".publish-"
)

// Entry is the persisted record of one published artifact.
type Entry struct {
	CreatedAt   time.Time `msgpack:"created_at"`
	Module      string    `msgpack:"module"`
	Fingerprint string    `msgpack:"fingerprint"`
	Toolchain   string    `msgpack:"toolchain"`
	Generation  uint64    `msgpack:"generation"`
}

// Artifact is a published cache entry and the path of its artifact file.
type Artifact struct {
	Entry
	Path string
}

// Cache is an artifact store rooted at a build directory.
type Cache struct {
	dir string
}

// Open creates the build directory if needed.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.Configuration(errors.KindInvalidInput, "build directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "resolve build directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "create build directory")
	}
	return &Cache{dir: abs}, nil
}

// Dir returns the absolute build directory.
func (c *Cache) Dir() string {
	return c.dir
}

// EntryDir returns the directory an artifact for module and fp is published to.
func (c *Cache) EntryDir(module string, fp fingerprint.Fingerprint) string {
	return filepath.Join(c.dir, module+"-"+fp.Short())
}

// Lookup returns the published artifact for module and fp. A missing,
// unreadable or mismatching entry is a miss.
func (c *Cache) Lookup(module string, fp fingerprint.Fingerprint) (*Artifact, bool) {
	dir := c.EntryDir(module, fp)
	e, err := readEntry(filepath.Join(dir, EntryFile))
	if err != nil {
		return nil, false
	}
	if e.Fingerprint != fp.String() || e.Module != module {
		return nil, false
	}
	path := filepath.Join(dir, ArtifactFile)
	if st, err := os.Stat(path); err != nil || !st.Mode().IsRegular() {
		return nil, false
	}
	return &Artifact{Entry: *e, Path: path}, true
}

// Stage creates a fresh work directory for one build of module.
func (c *Cache) Stage(module string) (string, error) {
	dir, err := os.MkdirTemp(c.dir, workPrefix+module+"-")
	if err != nil {
		return "", errors.Wrap(errors.ClassBuild, errors.KindIO, err, "create work directory")
	}
	return dir, nil
}

// Publish moves the staged artifact file into the entry directory for module
// and fp and records a new generation. The previous entry, if any, is
// replaced. The staged file is consumed.
func (c *Cache) Publish(module string, fp fingerprint.Fingerprint, staged, toolchain string) (*Artifact, error) {
	gen, err := c.nextGeneration()
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp(c.dir, publishPrefix+module+"-")
	if err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "create publish directory")
	}
	defer os.RemoveAll(tmp)

	if err := os.Rename(staged, filepath.Join(tmp, ArtifactFile)); err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "move artifact")
	}

	e := Entry{
		CreatedAt:   time.Now().UTC(),
		Module:      module,
		Fingerprint: fp.String(),
		Toolchain:   toolchain,
		Generation:  gen,
	}
	if err := writeMsgpack(filepath.Join(tmp, EntryFile), &e); err != nil {
		return nil, err
	}

	dst := c.EntryDir(module, fp)
	if err := os.RemoveAll(dst); err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "remove stale entry")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "publish artifact")
	}

	return &Artifact{Entry: e, Path: filepath.Join(dst, ArtifactFile)}, nil
}

// List returns every readable entry, ordered by module then generation.
func (c *Cache) List() ([]*Artifact, error) {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "read build directory")
	}
	var out []*Artifact
	for _, de := range des {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		dir := filepath.Join(c.dir, de.Name())
		e, err := readEntry(filepath.Join(dir, EntryFile))
		if err != nil {
			continue
		}
		out = append(out, &Artifact{Entry: *e, Path: filepath.Join(dir, ArtifactFile)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

// Clean removes the whole build directory.
func (c *Cache) Clean() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return errors.Wrap(errors.ClassBuild, errors.KindIO, err, "remove build directory")
	}
	return nil
}

func (c *Cache) nextGeneration() (uint64, error) {
	path := filepath.Join(c.dir, generationFile)
	var gen uint64
	if data, err := os.ReadFile(path); err == nil {
		// a corrupt counter restarts from zero
		_ = msgpack.Unmarshal(data, &gen)
	}
	gen++
	if err := writeMsgpack(path, gen); err != nil {
		return 0, err
	}
	return gen, nil
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// writeMsgpack writes v next to path and renames it into place.
func writeMsgpack(path string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ClassBuild, errors.KindIO, err, "encode "+filepath.Base(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ClassBuild, errors.KindIO, err, "write "+filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.ClassBuild, errors.KindIO, err, "write "+filepath.Base(path))
	}
	return nil
}
