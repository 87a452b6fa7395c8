package hooks

import (
	"fmt"
	"sort"
)

// Event names exposed by the file arbiter.
const (
	OnFilename = "ON_FILENAME"
	OnRelease  = "ON_RELEASE"
)

// Pluggable is the set of hooks a module exposes, looked up by event name.
// The set is fixed at construction.
type Pluggable[T any] struct {
	hooks map[string]*Hook[T]
}

// NewPluggable creates one hook per event name.
func NewPluggable[T any](events ...string) *Pluggable[T] {
	p := &Pluggable[T]{hooks: make(map[string]*Hook[T], len(events))}
	for _, ev := range events {
		p.hooks[ev] = New[T](ev)
	}
	return p
}

// Hook returns the hook for event, or nil if the module does not expose it.
func (p *Pluggable[T]) Hook(event string) *Hook[T] {
	return p.hooks[event]
}

// MustHook is Hook for names known at compile time.
func (p *Pluggable[T]) MustHook(event string) *Hook[T] {
	h := p.hooks[event]
	if h == nil {
		panic(fmt.Sprintf("hooks: no %s hook", event))
	}
	return h
}

// Events lists the exposed event names.
func (p *Pluggable[T]) Events() []string {
	out := make([]string, 0, len(p.hooks))
	for name := range p.hooks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
