// Package fingerprint computes the content hash that keys the artifact cache.
//
// A fingerprint covers the top module, the contents of every source file in
// order, the contents of every file below the include directories, the build
// options, the requested ports, the registered DPI signatures and the
// toolchain identity. Modification times are never consulted: touching a file
// without changing it keeps the fingerprint, while any byte change (including
// whitespace) produces a new one.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wippyai/hdlsim/errors"
)

// Size is the length of a fingerprint in bytes.
const Size = sha256.Size

// Fingerprint identifies one build input set.
type Fingerprint [Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 16 hex digits, used in directory names.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = p
	return nil
}

// Parse decodes a full hex fingerprint.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != Size {
		return f, errors.New(errors.ClassConfiguration, errors.KindInvalidInput).
			Value(s).
			Detail("malformed fingerprint").
			Build()
	}
	copy(f[:], b)
	return f, nil
}

// Input is everything a build depends on. Paths are read at Compute time.
type Input struct {
	TopModule   string   `msgpack:"top"`
	Source      string   `msgpack:"source"`
	Sources     []string `msgpack:"sources"`
	IncludeDirs []string `msgpack:"include_dirs"`
	// Options holds canonical option strings such as "-O3" or "-Wno-WIDTH".
	Options []string `msgpack:"options"`
	// Ports and DPI hold canonical signatures; order is not significant.
	Ports     []string `msgpack:"ports"`
	DPI       []string `msgpack:"dpi"`
	Toolchain string   `msgpack:"toolchain"`
}

// Compute hashes the input. Missing or unreadable files are configuration
// errors.
func Compute(in Input) (Fingerprint, error) {
	h := sha256.New()

	header := in
	header.Ports = sorted(in.Ports)
	header.DPI = sorted(in.DPI)
	if err := msgpack.NewEncoder(h).Encode(&header); err != nil {
		return Fingerprint{}, errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "encode fingerprint header")
	}

	for _, src := range in.Sources {
		if err := hashFile(h, src); err != nil {
			return Fingerprint{}, err
		}
	}

	for _, dir := range in.IncludeDirs {
		if err := hashDir(h, dir); err != nil {
			return Fingerprint{}, err
		}
	}

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f, nil
}

func hashFile(h hash.Hash, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Cause(err).
			Detail("read source %s", path).
			Build()
	}
	writeField(h, []byte(filepath.ToSlash(path)))
	writeField(h, data)
	return nil
}

// hashDir hashes every regular file below dir in lexical order, keyed by its
// path relative to dir.
func hashDir(h hash.Hash, dir string) error {
	writeField(h, []byte(filepath.ToSlash(dir)))
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		writeField(h, []byte(filepath.ToSlash(rel)))
		writeField(h, data)
		return nil
	})
	if err != nil {
		return errors.New(errors.ClassConfiguration, errors.KindNotFound).
			Cause(err).
			Detail("read include directory %s", dir).
			Build()
	}
	return nil
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
