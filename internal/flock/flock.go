// Package flock provides an exclusive lock on a file shared by goroutines of
// one process and by other processes.
//
// The lock has two layers: a per-path semaphore serializes goroutines of this
// process, and an advisory OS lock (flock on unix, LockFileEx on windows)
// serializes processes. The lock file itself is created on demand and never
// removed, so deleting it while unlocked is harmless.
package flock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

var (
	semMu sync.Mutex
	sems  = make(map[string]chan struct{})
)

func semaphore(path string) chan struct{} {
	semMu.Lock()
	defer semMu.Unlock()
	s, ok := sems[path]
	if !ok {
		s = make(chan struct{}, 1)
		sems[path] = s
	}
	return s
}

// Lock is an exclusive lock on one path. A Lock value is not reentrant.
type Lock struct {
	sem  chan struct{}
	f    *os.File
	path string
}

// New returns an unlocked lock for path.
func New(path string) *Lock {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Lock{path: path, sem: semaphore(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Lock) TryLock() (bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return false, nil
	}

	f, err := l.open()
	if err != nil {
		<-l.sem
		return false, err
	}
	ok, err := tryLockFile(f)
	if err != nil || !ok {
		f.Close()
		<-l.sem
		return false, err
	}
	l.f = f
	return true, nil
}

// Lock blocks until the lock is acquired. Waiting for other goroutines of
// this process honors ctx; waiting for another process does not.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	f, err := l.open()
	if err != nil {
		<-l.sem
		return err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		<-l.sem
		return err
	}
	l.f = f
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	<-l.sem
	return err
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
}
