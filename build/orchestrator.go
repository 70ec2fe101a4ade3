package build

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/hdlsim/cache"
	"github.com/wippyai/hdlsim/errors"
	"github.com/wippyai/hdlsim/fingerprint"
	"github.com/wippyai/hdlsim/internal/flock"
)

// LockFile is the lock file at the root of the build directory. Every
// rebuild in the directory holds it, whatever its fingerprint.
const LockFile = "hdlsim.lock"

// Linker validates a freshly compiled artifact before it is published.
type Linker interface {
	Link(ctx context.Context, path string) error
}

// LinkFunc adapts a function to Linker.
type LinkFunc func(ctx context.Context, path string) error

func (f LinkFunc) Link(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Options configures an Orchestrator.
type Options struct {
	// BuildDir holds the artifact cache. It is created on first use.
	BuildDir  string
	Toolchain Toolchain
	// Linker, when set, must accept an artifact before it is published.
	Linker Linker
	// Status receives progress lines; nil means os.Stderr.
	Status io.Writer
	// Quiet suppresses progress lines.
	Quiet bool
	// ForceRebuild skips cache lookups.
	ForceRebuild bool
	Logger       *zap.Logger
}

// Orchestrator turns build requests into published artifacts, compiling
// only on a cache miss. Concurrent requests for the same input set within
// one orchestrator share a single build; builds in the same directory from
// other orchestrators or processes are serialized by the directory lock.
type Orchestrator struct {
	cache     *cache.Cache
	toolchain Toolchain
	linker    Linker
	status    *Status
	log       *zap.Logger
	group     singleflight.Group
	force     bool
}

// Built is the outcome of EnsureBuilt.
type Built struct {
	cache.Artifact
	// Rebuilt is true when this call ran the toolchain.
	Rebuilt bool
}

// New creates an orchestrator and its build directory.
func New(opts Options) (*Orchestrator, error) {
	if opts.Toolchain == nil {
		return nil, errors.Configuration(errors.KindInvalidInput, "no toolchain configured")
	}
	c, err := cache.Open(opts.BuildDir)
	if err != nil {
		return nil, err
	}

	w := opts.Status
	switch {
	case opts.Quiet:
		w = io.Discard
	case w == nil:
		w = os.Stderr
	}
	log := opts.Logger
	if log == nil {
		log = Logger()
	}

	return &Orchestrator{
		cache:     c,
		toolchain: opts.Toolchain,
		linker:    opts.Linker,
		status:    NewStatus(w),
		log:       log,
		force:     opts.ForceRebuild,
	}, nil
}

// Cache returns the artifact cache the orchestrator publishes to.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Toolchain returns the configured toolchain.
func (o *Orchestrator) Toolchain() Toolchain {
	return o.toolchain
}

// Fingerprint validates req and computes its fingerprint. Relative paths in
// req are made absolute.
func (o *Orchestrator) Fingerprint(req *Request) (fingerprint.Fingerprint, error) {
	if err := absolutize(req); err != nil {
		return fingerprint.Fingerprint{}, err
	}
	if err := req.Validate(); err != nil {
		return fingerprint.Fingerprint{}, err
	}
	return fingerprint.Compute(req.FingerprintInput(o.toolchain.Identity()))
}

// EnsureBuilt returns the published artifact for req, building it first if
// the cache has no artifact with a matching fingerprint. Status lines are
// printed only when the toolchain actually runs. Cancelling ctx does not
// abort a build or the wait for the build lock.
func (o *Orchestrator) EnsureBuilt(ctx context.Context, req *Request) (*Built, error) {
	r := *req
	fp, err := o.Fingerprint(&r)
	if err != nil {
		return nil, err
	}

	v, err, _ := o.group.Do(r.TopModule+"@"+fp.String(), func() (any, error) {
		return o.ensure(ctx, &r, fp)
	})
	if err != nil {
		return nil, err
	}
	b := *v.(*Built)
	return &b, nil
}

func (o *Orchestrator) ensure(ctx context.Context, req *Request, fp fingerprint.Fingerprint) (*Built, error) {
	// a build runs to completion or failure once requested
	ctx = context.WithoutCancel(ctx)
	log := o.log.With(zap.String("module", req.TopModule), zap.String("fingerprint", fp.Short()))

	if !o.force {
		if a, ok := o.cache.Lookup(req.TopModule, fp); ok {
			log.Debug("artifact cache hit", zap.String("path", a.Path), zap.Uint64("generation", a.Generation))
			return &Built{Artifact: *a}, nil
		}
	}

	lock := flock.New(filepath.Join(o.cache.Dir(), LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, lockError(err)
	}
	if !ok {
		o.status.Blocking(o.cache.Dir())
		start := time.Now()
		if err := lock.Lock(ctx); err != nil {
			return nil, lockError(err)
		}
		log.Debug("acquired build lock", zap.Duration("duration", time.Since(start)))
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release build lock", zap.Error(err))
		}
	}()

	// a competitor may have published while we waited
	if !o.force {
		if a, ok := o.cache.Lookup(req.TopModule, fp); ok {
			log.Debug("artifact built concurrently", zap.String("path", a.Path), zap.Uint64("generation", a.Generation))
			return &Built{Artifact: *a}, nil
		}
	}

	return o.rebuild(ctx, req, fp, log)
}

func (o *Orchestrator) rebuild(ctx context.Context, req *Request, fp fingerprint.Fingerprint, log *zap.Logger) (*Built, error) {
	start := time.Now()
	o.status.Compiling(req.TopModule, len(req.Sources))

	work, err := o.cache.Stage(req.TopModule)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(work)

	r := *req
	r.WorkDir = work
	r.Output = filepath.Join(work, cache.ArtifactFile)

	res, err := o.toolchain.Compile(ctx, &r)
	if err != nil {
		var he *errors.Error
		if !stderrors.As(err, &he) {
			err = errors.Toolchain(req.TopModule, err, "")
		}
		log.Debug("toolchain failed", zap.Error(err))
		return nil, err
	}
	if res != nil && res.Diagnostics != "" {
		log.Debug("toolchain diagnostics", zap.String("output", res.Diagnostics))
	}
	if st, err := os.Stat(r.Output); err != nil || !st.Mode().IsRegular() {
		return nil, errors.New(errors.ClassBuild, errors.KindToolchain).
			Module(req.TopModule).
			Cause(err).
			Detail("toolchain produced no artifact at %s", r.Output).
			Build()
	}

	o.status.Linking(req.TopModule)
	if o.linker != nil {
		if err := o.linker.Link(ctx, r.Output); err != nil {
			log.Debug("link failed", zap.Error(err))
			return nil, err
		}
	}

	a, err := o.cache.Publish(req.TopModule, fp, r.Output, o.toolchain.Identity())
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	o.status.Finished(req.TopModule, elapsed)
	log.Info("artifact published",
		zap.String("path", a.Path),
		zap.Uint64("generation", a.Generation),
		zap.Duration("duration", elapsed))

	return &Built{Artifact: *a, Rebuilt: true}, nil
}

func lockError(err error) error {
	return errors.New(errors.ClassBuild, errors.KindLock).
		Cause(err).
		Detail("lock build directory").
		Build()
}

func absolutize(req *Request) error {
	abs := func(p string) (string, error) {
		a, err := filepath.Abs(p)
		if err != nil {
			return "", errors.Wrap(errors.ClassConfiguration, errors.KindIO, err, "resolve "+p)
		}
		return a, nil
	}

	var err error
	if req.Source != "" {
		if req.Source, err = abs(req.Source); err != nil {
			return err
		}
	}
	srcs := make([]string, len(req.Sources))
	for i, s := range req.Sources {
		if srcs[i], err = abs(s); err != nil {
			return err
		}
	}
	req.Sources = srcs
	dirs := make([]string, len(req.IncludeDirs))
	for i, d := range req.IncludeDirs {
		if dirs[i], err = abs(d); err != nil {
			return err
		}
	}
	req.IncludeDirs = dirs
	return nil
}
