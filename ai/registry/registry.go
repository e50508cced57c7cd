// Package registry tracks in-flight operations per operation class so that
// cancellation can be scoped to the class that owns the work.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Class names a category of cancelable work.
type Class string

const (
	Generation        Class = "generation"
	Reasoning         Class = "reasoning"
	ToolCallingStream Class = "tool_calling_stream"
	SearchWorkflow    Class = "search_workflow"
)

// Classes lists every known class.
var Classes = []Class{Generation, Reasoning, ToolCallingStream, SearchWorkflow}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown operation class %q", s)
}

// AbortHandle is shared by every operation registered under one class.
// Its context is canceled only by an explicit abort.
type AbortHandle struct {
	class  Class
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
}

func newAbortHandle(class Class) *AbortHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &AbortHandle{class: class, ctx: ctx, cancel: cancel}
}

func (h *AbortHandle) Class() Class { return h.class }

// Context is canceled when the handle is aborted.
func (h *AbortHandle) Context() context.Context { return h.ctx }

// Done is closed when the handle is aborted.
func (h *AbortHandle) Done() <-chan struct{} { return h.ctx.Done() }

func (h *AbortHandle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

func (h *AbortHandle) abort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
	h.cancel()
}

type classState struct {
	handle *AbortHandle
	ids    map[string]struct{}
}

// Registry maps each class to its active ids and its single live handle.
type Registry struct {
	guard Guard

	mu      sync.Mutex
	classes map[Class]*classState
	engaged bool
}

// New creates a registry. guard may be nil.
func New(guard Guard) *Registry {
	return &Registry{
		guard:   guard,
		classes: make(map[Class]*classState),
	}
}

// Toggle marks id as loading or not under class.
//
// Activating returns the class handle, creating it (and engaging the guard)
// when the class was idle. Deactivating removes only id, or the whole class
// when id is empty; the handle is dropped once the class has no ids left.
// Deactivation returns nil.
func (r *Registry) Toggle(class Class, loading bool, id string) *AbortHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if loading {
		st := r.classes[class]
		if st == nil {
			st = &classState{handle: newAbortHandle(class), ids: make(map[string]struct{})}
			r.classes[class] = st
		}
		if id != "" {
			st.ids[id] = struct{}{}
		}
		r.syncGuardLocked()
		return st.handle
	}

	st := r.classes[class]
	if st == nil {
		return nil
	}
	if id == "" {
		delete(r.classes, class)
	} else {
		delete(st.ids, id)
		if len(st.ids) == 0 {
			delete(r.classes, class)
		}
	}
	r.syncGuardLocked()
	return nil
}

// Cancel aborts the class handle, which stops every operation that shares
// it, and clears the class. It reports false when the class was idle.
func (r *Registry) Cancel(class Class) bool {
	r.mu.Lock()
	st := r.classes[class]
	delete(r.classes, class)
	r.syncGuardLocked()
	r.mu.Unlock()

	if st == nil {
		return false
	}
	st.handle.abort()
	return true
}

// CancelAll aborts every active class.
func (r *Registry) CancelAll() int {
	n := 0
	for _, c := range r.activeClasses() {
		if r.Cancel(c) {
			n++
		}
	}
	return n
}

// Active reports whether id is registered under class.
func (r *Registry) Active(class Class, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.classes[class]
	if st == nil {
		return false
	}
	_, ok := st.ids[id]
	return ok
}

// IDs returns the sorted ids registered under class.
func (r *Registry) IDs(class Class) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.classes[class]
	if st == nil {
		return nil
	}
	out := make([]string, 0, len(st.ids))
	for id := range st.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AnyActive reports whether some class has work in flight.
func (r *Registry) AnyActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.classes) > 0
}

// Handle returns the live handle of class, or nil.
func (r *Registry) Handle(class Class) *AbortHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.classes[class]; st != nil {
		return st.handle
	}
	return nil
}

func (r *Registry) activeClasses() []Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Class, 0, len(r.classes))
	for _, c := range Classes {
		if _, ok := r.classes[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) syncGuardLocked() {
	if r.guard == nil {
		return
	}
	active := len(r.classes) > 0
	switch {
	case active && !r.engaged:
		r.engaged = true
		r.guard.Engage()
	case !active && r.engaged:
		r.engaged = false
		r.guard.Release()
	}
}
