// Package lock provides per-project mutual exclusion that holds across every
// process sharing one storage tree.
//
// A lock is two layers: an in-process gate (a one-slot channel per project)
// that queues goroutines of the same process, and an advisory lock on
// <root>/<project>.lock that excludes other processes. The gate is taken
// first so that a process only ever competes for the file lock once per
// project.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrBusy is returned when the lock could not be acquired within the timeout.
var ErrBusy = errors.New("project is busy")

// DefaultTimeout bounds how long Acquire waits for a contended project.
const DefaultTimeout = 15 * time.Second

// Locker acquires the exclusive section of a project.
type Locker interface {
	Acquire(ctx context.Context, projectID string) (Handle, error)
}

// Handle is a held lock. Release is safe to call more than once.
type Handle interface {
	Release() error
}

// Options tunes a FileLocker.
type Options struct {
	Timeout time.Duration
	// Poll bounds the backoff between attempts on a file lock held by
	// another process.
	MinPoll time.Duration
	MaxPoll time.Duration
	Logger  *slog.Logger
}

// FileLocker implements Locker with lock files under a root directory.
type FileLocker struct {
	root    string
	timeout time.Duration
	minPoll time.Duration
	maxPoll time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	gates map[string]*gate
}

type gate struct {
	slot chan struct{}
	refs int
}

// NewFileLocker creates a locker that keeps its lock files under root.
func NewFileLocker(root string, opts Options) (*FileLocker, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinPoll <= 0 {
		opts.MinPoll = 5 * time.Millisecond
	}
	if opts.MaxPoll < opts.MinPoll {
		opts.MaxPoll = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileLocker{
		root:    root,
		timeout: opts.Timeout,
		minPoll: opts.MinPoll,
		maxPoll: opts.MaxPoll,
		logger:  opts.Logger,
		gates:   make(map[string]*gate),
	}, nil
}

// Timeout returns the configured acquisition timeout.
func (l *FileLocker) Timeout() time.Duration {
	return l.timeout
}

// Acquire blocks until the project's lock is held, the timeout elapses
// (ErrBusy) or ctx is done (ctx.Err()).
func (l *FileLocker) Acquire(ctx context.Context, projectID string) (Handle, error) {
	if projectID == "" {
		return nil, errors.New("lock: empty project id")
	}

	deadline := time.Now().Add(l.timeout)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	g := l.ref(projectID)
	select {
	case g.slot <- struct{}{}:
	case <-timer.C:
		l.unref(projectID)
		return nil, fmt.Errorf("lock %s: %w", projectID, ErrBusy)
	case <-ctx.Done():
		l.unref(projectID)
		return nil, ctx.Err()
	}

	f, err := l.lockFile(ctx, projectID, deadline)
	if err != nil {
		<-g.slot
		l.unref(projectID)
		return nil, err
	}

	return &handle{locker: l, projectID: projectID, file: f, gate: g}, nil
}

// lockFile opens the project's lock file and takes the advisory lock,
// backing off with jitter while another process holds it.
func (l *FileLocker) lockFile(ctx context.Context, projectID string, deadline time.Time) (*os.File, error) {
	path := filepath.Join(l.root, projectID+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	wait := l.minPoll
	for attempt := 0; ; attempt++ {
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			if attempt > 0 {
				l.logger.Debug("lock acquired after contention", "project", projectID, "attempts", attempt+1)
			}
			return f, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", projectID, ErrBusy)
		}
		d := jitter(wait)
		if d > remaining {
			d = remaining
		}
		if err := sleep(ctx, d); err != nil {
			f.Close()
			return nil, err
		}
		wait = min(wait*2, l.maxPoll)
	}
}

func (l *FileLocker) ref(projectID string) *gate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[projectID]
	if !ok {
		g = &gate{slot: make(chan struct{}, 1)}
		l.gates[projectID] = g
	}
	g.refs++
	return g
}

func (l *FileLocker) unref(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[projectID]
	if !ok {
		return
	}
	g.refs--
	if g.refs == 0 {
		delete(l.gates, projectID)
	}
}

type handle struct {
	locker    *FileLocker
	projectID string
	file      *os.File
	gate      *gate
	once      sync.Once
	err       error
}

// Release drops the file lock, then the in-process gate.
func (h *handle) Release() error {
	h.once.Do(func() {
		if err := unlock(h.file); err != nil {
			h.err = fmt.Errorf("unlock %s: %w", h.projectID, err)
		}
		if err := h.file.Close(); err != nil && h.err == nil {
			h.err = fmt.Errorf("close lock file %s: %w", h.projectID, err)
		}
		<-h.gate.slot
		h.locker.unref(h.projectID)
	})
	return h.err
}

// jitter returns d +/- 25%.
func jitter(d time.Duration) time.Duration {
	j := float64(d) * 0.25 * (rand.Float64()*2 - 1)
	return d + time.Duration(j)
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
