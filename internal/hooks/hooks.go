// Package hooks lets collaborators intercept lifecycle events of a module.
//
// A Hook has two chains keyed by plugin name. Write hooks form a pipeline in
// registration order: each receives the previous hook's output as its first
// argument and may replace it. Read hooks then observe the final value
// concurrently; what they return is ignored apart from errors.
package hooks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WriteFunc transforms first. rest is passed through untouched.
type WriteFunc[T any] func(ctx context.Context, first T, rest ...any) (T, error)

// ReadFunc observes the final write-chain output.
type ReadFunc[T any] func(ctx context.Context, first T, rest ...any) error

// Error reports a failing hook. Stack is the stack captured where the hook
// failed, or the panic site for a panicking hook.
type Error struct {
	Plugin string
	Hook   string
	Err    error
	Stack  []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("hook %s: plugin %q: %v", e.Hook, e.Plugin, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type entry[F any] struct {
	plugin string
	fn     F
}

// Hook is one named extension point.
type Hook[T any] struct {
	name string

	mu     sync.RWMutex
	writes []entry[WriteFunc[T]]
	reads  []entry[ReadFunc[T]]
}

// New returns an empty hook called name.
func New[T any](name string) *Hook[T] {
	return &Hook[T]{name: name}
}

// Name returns the hook's event name.
func (h *Hook[T]) Name() string { return h.name }

// WriteHook registers fn under plugin. Registering the same plugin again
// replaces its callback without changing its position in the chain.
func (h *Hook[T]) WriteHook(plugin string, fn WriteFunc[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = upsert(h.writes, plugin, fn)
}

// ReadHook registers fn under plugin, replacing any previous read hook of
// the same plugin.
func (h *Hook[T]) ReadHook(plugin string, fn ReadFunc[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = upsert(h.reads, plugin, fn)
}

// Remove drops both callbacks registered by plugin.
func (h *Hook[T]) Remove(plugin string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = remove(h.writes, plugin)
	h.reads = remove(h.reads, plugin)
}

// Plugins returns the plugin names of the write chain in order, then those
// with only a read hook.
func (h *Hook[T]) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range h.writes {
		seen[e.plugin] = true
		out = append(out, e.plugin)
	}
	for _, e := range h.reads {
		if !seen[e.plugin] {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Call runs the write chain over first and then the read chain over its
// result, returning the final value. The first failing hook aborts the call
// with an *Error. Transformations applied before the failure are not undone;
// on error the value returned is the last successfully transformed one.
func (h *Hook[T]) Call(ctx context.Context, first T, rest ...any) (T, error) {
	h.mu.RLock()
	writes := append([]entry[WriteFunc[T]](nil), h.writes...)
	reads := append([]entry[ReadFunc[T]](nil), h.reads...)
	h.mu.RUnlock()

	value := first
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return value, err
		}
		next, err := h.runWrite(ctx, w, value, rest)
		if err != nil {
			return value, err
		}
		value = next
	}

	if len(reads) == 0 {
		return value, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reads {
		g.Go(func() error {
			return h.runRead(gctx, r, value, rest)
		})
	}
	if err := g.Wait(); err != nil {
		return value, err
	}
	return value, nil
}

func (h *Hook[T]) runWrite(ctx context.Context, e entry[WriteFunc[T]], value T, rest []any) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = value
			err = &Error{Plugin: e.plugin, Hook: h.name, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	out, err = e.fn(ctx, value, rest...)
	if err != nil {
		return value, &Error{Plugin: e.plugin, Hook: h.name, Err: err, Stack: debug.Stack()}
	}
	return out, nil
}

func (h *Hook[T]) runRead(ctx context.Context, e entry[ReadFunc[T]], value T, rest []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Plugin: e.plugin, Hook: h.name, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	if err := e.fn(ctx, value, rest...); err != nil {
		return &Error{Plugin: e.plugin, Hook: h.name, Err: err, Stack: debug.Stack()}
	}
	return nil
}

func upsert[F any](list []entry[F], plugin string, fn F) []entry[F] {
	for i := range list {
		if list[i].plugin == plugin {
			list[i].fn = fn
			return list
		}
	}
	return append(list, entry[F]{plugin: plugin, fn: fn})
}

func remove[F any](list []entry[F], plugin string) []entry[F] {
	out := list[:0]
	for _, e := range list {
		if e.plugin != plugin {
			out = append(out, e)
		}
	}
	return out
}
