// Package arbiter hands out collision-free artifact paths to concurrent
// workers and tracks each allocation until it is released or its worker
// dies.
//
// Paths are composed as
//
//	root/extraPath/type/subtype/[workerId/]name.ext
//
// where the workerId segment is present under the worker uniqueness policy.
// A name already issued in this arbiter's lifetime is disambiguated by
// appending -1, -2, ... before the extension, so an artifact is never
// overwritten within a run.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/testhive/internal/hooks"
	"github.com/mattjoyce/testhive/internal/log"
)

// UniqPolicy scopes path uniqueness.
type UniqPolicy string

const (
	UniqGlobal UniqPolicy = "global"
	UniqWorker UniqPolicy = "worker"
)

const defaultExt = "tmp"

// FileRequestMeta describes the file a worker wants a path for.
type FileRequestMeta struct {
	Type         string     `json:"type,omitempty"`
	Subtype      string     `json:"subtype,omitempty"`
	ExtraPath    string     `json:"extraPath,omitempty"`
	Global       bool       `json:"global,omitempty"`
	PreserveName bool       `json:"preserveName,omitempty"`
	UniqPolicy   UniqPolicy `json:"uniqPolicy,omitempty"`
	FileName     string     `json:"fileName,omitempty"`
	Ext          string     `json:"ext,omitempty"`
	WorkerID     string     `json:"workerId,omitempty"`
}

// Allocation is one outstanding path.
type Allocation struct {
	RequestID string          `json:"requestId"`
	Path      string          `json:"assignedPath"`
	WorkerID  string          `json:"ownerWorkerId"`
	Meta      FileRequestMeta `json:"meta"`
	CreatedAt time.Time       `json:"createdAt"`
}

var (
	ErrMissingFileName = errors.New("fileName is required")
	ErrMissingWorker   = errors.New("workerId is required for worker uniqueness")
	ErrInvalidSegment  = errors.New("invalid path segment")
)

// Ledger journals allocations outside the process.
type Ledger interface {
	Allocated(ctx context.Context, a Allocation) error
	Released(ctx context.Context, path string, at time.Time) error
}

// Arbiter owns the allocation table. All methods are safe for concurrent use.
type Arbiter struct {
	root   string
	hooks  *hooks.Pluggable[string]
	ledger Ledger
	logger *slog.Logger

	newToken func() string
	now      func() time.Time

	mu     sync.Mutex
	issued map[string]struct{}
	allocs map[string]*Allocation
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithLedger journals allocations to l.
func WithLedger(l Ledger) Option {
	return func(a *Arbiter) { a.ledger = l }
}

// WithTokenFunc overrides the generator for unnamed files.
func WithTokenFunc(fn func() string) Option {
	return func(a *Arbiter) { a.newToken = fn }
}

// New creates an arbiter allocating below root.
func New(root string, opts ...Option) (*Arbiter, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("arbiter root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve arbiter root: %w", err)
	}
	a := &Arbiter{
		root:     abs,
		hooks:    hooks.NewPluggable[string](hooks.OnFilename, hooks.OnRelease),
		logger:   log.WithComponent("arbiter"),
		newToken: uuid.NewString,
		now:      time.Now,
		issued:   make(map[string]struct{}),
		allocs:   make(map[string]*Allocation),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Root returns the absolute allocation root.
func (a *Arbiter) Root() string { return a.root }

// Hooks exposes ON_FILENAME and ON_RELEASE. ON_FILENAME write hooks receive
// the candidate path and the FileRequestMeta; ON_RELEASE read hooks receive
// the released path and its Allocation.
func (a *Arbiter) Hooks() *hooks.Pluggable[string] { return a.hooks }

// RequestFileName allocates a path for meta.
func (a *Arbiter) RequestFileName(ctx context.Context, meta FileRequestMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if meta.Global {
		if meta.FileName == "" {
			return "", ErrMissingFileName
		}
		return meta.FileName, nil
	}
	if meta.UniqPolicy == "" {
		meta.UniqPolicy = UniqGlobal
	}
	if meta.UniqPolicy != UniqGlobal && meta.UniqPolicy != UniqWorker {
		return "", fmt.Errorf("unknown uniqPolicy %q", meta.UniqPolicy)
	}
	if meta.UniqPolicy == UniqWorker && meta.WorkerID == "" {
		return "", ErrMissingWorker
	}
	if meta.PreserveName && meta.FileName == "" {
		return "", ErrMissingFileName
	}

	dir, err := a.dirFor(meta)
	if err != nil {
		return "", err
	}
	name, ext, err := a.nameFor(meta)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	candidate := a.reserveLocked(dir, name, ext)
	a.mu.Unlock()

	final, err := a.hooks.MustHook(hooks.OnFilename).Call(ctx, candidate, meta)
	if err != nil {
		a.unreserve(candidate)
		return "", fmt.Errorf("allocate %s: %w", candidate, err)
	}
	if final != candidate {
		a.mu.Lock()
		delete(a.issued, candidate)
		a.issued[final] = struct{}{}
		a.mu.Unlock()
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		a.unreserve(final)
		return "", fmt.Errorf("create directory for %s: %w", final, err)
	}

	alloc := &Allocation{
		RequestID: uuid.NewString(),
		Path:      final,
		WorkerID:  meta.WorkerID,
		Meta:      meta,
		CreatedAt: a.now().UTC(),
	}
	a.mu.Lock()
	a.allocs[final] = alloc
	a.mu.Unlock()

	if a.ledger != nil {
		if err := a.ledger.Allocated(ctx, *alloc); err != nil {
			a.logger.Warn("ledger write failed", "path", final, "error", err)
		}
	}
	a.logger.Debug("allocated", "path", final, "worker_id", meta.WorkerID, "policy", meta.UniqPolicy)
	return final, nil
}

// Release forgets path and notifies ON_RELEASE observers. Releasing an
// unknown or already-released path succeeds without side effects.
func (a *Arbiter) Release(ctx context.Context, path string) error {
	a.mu.Lock()
	alloc, ok := a.allocs[path]
	delete(a.allocs, path)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.afterRelease(ctx, alloc)
}

// ForceCleanup releases every outstanding allocation owned by workerID and
// returns how many were released. Hook failures do not stop the sweep.
func (a *Arbiter) ForceCleanup(ctx context.Context, workerID string) (int, error) {
	a.mu.Lock()
	var owned []*Allocation
	for path, alloc := range a.allocs {
		if alloc.WorkerID == workerID {
			owned = append(owned, alloc)
			delete(a.allocs, path)
		}
	}
	a.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].Path < owned[j].Path })

	var errs []error
	for _, alloc := range owned {
		if err := a.afterRelease(ctx, alloc); err != nil {
			errs = append(errs, err)
		}
	}
	if len(owned) > 0 {
		a.logger.Info("released worker allocations", "worker_id", workerID, "count", len(owned))
	}
	return len(owned), errors.Join(errs...)
}

// Allocations returns the outstanding allocations ordered by creation.
func (a *Arbiter) Allocations() []Allocation {
	a.mu.Lock()
	out := make([]Allocation, 0, len(a.allocs))
	for _, alloc := range a.allocs {
		out = append(out, *alloc)
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (a *Arbiter) afterRelease(ctx context.Context, alloc *Allocation) error {
	if a.ledger != nil {
		if err := a.ledger.Released(ctx, alloc.Path, a.now().UTC()); err != nil {
			a.logger.Warn("ledger write failed", "path", alloc.Path, "error", err)
		}
	}
	if _, err := a.hooks.MustHook(hooks.OnRelease).Call(ctx, alloc.Path, *alloc); err != nil {
		return fmt.Errorf("release %s: %w", alloc.Path, err)
	}
	return nil
}

func (a *Arbiter) dirFor(meta FileRequestMeta) (string, error) {
	parts := []string{a.root}
	for _, seg := range []string{meta.ExtraPath, meta.Type, meta.Subtype} {
		if seg == "" {
			continue
		}
		clean, err := cleanRelative(seg)
		if err != nil {
			return "", err
		}
		parts = append(parts, clean)
	}
	if meta.UniqPolicy == UniqWorker {
		clean, err := cleanRelative(meta.WorkerID)
		if err != nil {
			return "", err
		}
		parts = append(parts, clean)
	}
	return filepath.Join(parts...), nil
}

func (a *Arbiter) nameFor(meta FileRequestMeta) (name, ext string, err error) {
	ext = strings.TrimPrefix(meta.Ext, ".")
	if !meta.PreserveName {
		name = a.newToken()
	} else {
		name = meta.FileName
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return "", "", fmt.Errorf("%w: fileName %q", ErrInvalidSegment, name)
		}
		if ext == "" {
			if own := filepath.Ext(name); own != "" && own != name {
				ext = strings.TrimPrefix(own, ".")
				name = strings.TrimSuffix(name, own)
			}
		}
	}
	if ext == "" {
		ext = defaultExt
	}
	return name, ext, nil
}

// reserveLocked picks the first unissued candidate and marks it issued.
func (a *Arbiter) reserveLocked(dir, name, ext string) string {
	candidate := filepath.Join(dir, name+"."+ext)
	for n := 1; ; n++ {
		if _, taken := a.issued[candidate]; !taken {
			break
		}
		candidate = filepath.Join(dir, name+"-"+strconv.Itoa(n)+"."+ext)
	}
	a.issued[candidate] = struct{}{}
	return candidate
}

func (a *Arbiter) unreserve(path string) {
	a.mu.Lock()
	delete(a.issued, path)
	a.mu.Unlock()
}

func cleanRelative(seg string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(seg))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSegment, seg)
	}
	return clean, nil
}
