package simtest

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wippyai/hdlsim/build"
	"github.com/wippyai/hdlsim/errors"
)

// Toolchain compiles registered designs in-process. Source file contents
// are ignored beyond their part in the fingerprint: the top module name
// selects the design.
type Toolchain struct {
	designs  map[string]*Design
	failure  string
	requests []build.Request
	// Delay is slept, honoring the context, before every compilation.
	Delay    time.Duration
	version  string
	mu       sync.Mutex
	compiles atomic.Int64
}

// New creates a toolchain knowing designs.
func New(designs ...*Design) *Toolchain {
	t := &Toolchain{designs: make(map[string]*Design), version: "1"}
	for _, d := range designs {
		t.designs[d.Module] = d
	}
	return t
}

// Identity changes with SetVersion.
func (t *Toolchain) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return "simtest/" + t.version
}

// SetVersion changes the identity, invalidating cached artifacts.
func (t *Toolchain) SetVersion(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = v
}

// Define adds or replaces a design.
func (t *Toolchain) Define(d *Design) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.designs[d.Module] = d
}

// Fail makes every following compilation fail with diagnostics. An empty
// string clears the failure.
func (t *Toolchain) Fail(diagnostics string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failure = diagnostics
}

// Compiles returns the number of compilations started.
func (t *Toolchain) Compiles() int {
	return int(t.compiles.Load())
}

// Requests returns a copy of every request received.
func (t *Toolchain) Requests() []build.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]build.Request(nil), t.requests...)
}

func (t *Toolchain) Compile(ctx context.Context, req *build.Request) (*build.Result, error) {
	t.compiles.Add(1)

	t.mu.Lock()
	t.requests = append(t.requests, *req)
	d, ok := t.designs[req.TopModule]
	failure := t.failure
	version := t.version
	t.mu.Unlock()

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return nil, errors.Toolchain(req.TopModule, ctx.Err(), "")
		}
	}

	switch {
	case failure != "":
		return nil, errors.Toolchain(req.TopModule, nil, failure)
	case !ok:
		return nil, errors.Toolchain(req.TopModule, nil, "%Error: Cannot find top module "+req.TopModule)
	case d.Error != "":
		return nil, errors.Toolchain(req.TopModule, nil, d.Error)
	}

	source := req.Source
	if source == "" {
		source = req.Sources[0]
	}
	bin, err := d.Wasm(source, "simtest/"+version, req.Ports)
	if err != nil {
		return nil, errors.Toolchain(req.TopModule, err, err.Error())
	}
	if err := os.WriteFile(req.Output, bin, 0o644); err != nil {
		return nil, errors.Wrap(errors.ClassBuild, errors.KindIO, err, "write artifact")
	}
	return &build.Result{}, nil
}
