// Package history maintains bounded, FIFO-evicting undo/redo stacks for
// applied filters: one pair per layer plus one global pair for
// multi-layer operations. Pure state, no I/O; the engine serializes
// writers per layer.
package history

import (
	"sync"
	"time"
)

// DefaultCapacity is the per-stack entry bound.
const DefaultCapacity = 100

// FilterState is one history entry: a layer's filter at a point in time.
type FilterState struct {
	LayerID      string
	Expression   string
	FeatureCount int64

	// IDs is the matched id set for executors that keep per-layer
	// membership state; nil for purely expression-backed filters.
	IDs []string

	Timestamp time.Time
}

// GlobalFilterState captures a source layer plus its dependent layers
// atomically, so undo/redo of a multi-layer operation is all-or-nothing.
type GlobalFilterState struct {
	Source     FilterState
	Dependents []FilterState
	Timestamp  time.Time
}

// stack is a bounded LIFO that evicts its oldest entry (FIFO from the
// bottom) when the bound is exceeded.
type stack[T any] struct {
	items []T
	bound int
}

func (s *stack[T]) push(v T) {
	s.items = append(s.items, v)
	if s.bound > 0 && len(s.items) > s.bound {
		// Evict the oldest; copy to keep the backing array from growing
		// without bound.
		s.items = append(s.items[:0:0], s.items[1:]...)
	}
}

func (s *stack[T]) pop() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	v := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return v, true
}

func (s *stack[T]) peek() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	return s.items[len(s.items)-1], true
}

func (s *stack[T]) clear() { s.items = s.items[:0] }

func (s *stack[T]) len() int { return len(s.items) }

type pair[T any] struct {
	undo stack[T]
	redo stack[T]
}

func newPair[T any](bound int) *pair[T] {
	return &pair[T]{undo: stack[T]{bound: bound}, redo: stack[T]{bound: bound}}
}

// push records a new state and discards the redo branch.
func (p *pair[T]) push(v T) {
	p.undo.push(v)
	p.redo.clear()
}

// undoOp pops the current state to the redo side and returns the state to
// restore (the new top), with ok=false when there is nothing to restore
// (prior is "empty/initial").
func (p *pair[T]) undoOp() (restored T, ok bool, moved bool) {
	top, has := p.undo.pop()
	if !has {
		var zero T
		return zero, false, false
	}
	p.redo.push(top)
	restored, ok = p.undo.peek()
	return restored, ok, true
}

// redoOp is the mirror: pops the redo top back onto undo and returns it.
func (p *pair[T]) redoOp() (T, bool) {
	top, has := p.redo.pop()
	if !has {
		var zero T
		return zero, false
	}
	p.undo.push(top)
	return top, true
}

// Manager owns the per-layer and global stack families. Mode selection
// (layer-only vs. global) is the caller's decision; the manager exposes
// both and is otherwise agnostic.
type Manager struct {
	mu       sync.Mutex
	capacity int
	layers   map[string]*pair[FilterState]
	global   *pair[GlobalFilterState]
}

// NewManager creates a Manager with the given per-stack capacity
// (DefaultCapacity when <= 0).
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		capacity: capacity,
		layers:   make(map[string]*pair[FilterState]),
		global:   newPair[GlobalFilterState](capacity),
	}
}

func (m *Manager) layerPair(layerID string) *pair[FilterState] {
	p, ok := m.layers[layerID]
	if !ok {
		p = newPair[FilterState](m.capacity)
		m.layers[layerID] = p
	}
	return p
}

// Push records a new per-layer state. Any redo branch is discarded.
func (m *Manager) Push(layerID string, st FilterState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layerPair(layerID).push(st)
}

// Undo reverts the layer to its previous state. The second return is
// false when the restored state is the empty/initial one; the third is
// false when there was nothing to undo at all.
func (m *Manager) Undo(layerID string) (FilterState, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layerPair(layerID).undoOp()
}

// Redo re-applies the most recently undone state.
func (m *Manager) Redo(layerID string) (FilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layerPair(layerID).redoOp()
}

// Top returns the layer's current state without mutating the stacks.
func (m *Manager) Top(layerID string) (FilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layerPair(layerID).undo.peek()
}

// Depth returns the undo and redo depths for a layer.
func (m *Manager) Depth(layerID string) (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.layerPair(layerID)
	return p.undo.len(), p.redo.len()
}

// Drop forgets a removed layer's stacks.
func (m *Manager) Drop(layerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.layers, layerID)
}

// PushGlobal records a multi-layer state atomically.
func (m *Manager) PushGlobal(st GlobalFilterState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global.push(st)
}

// UndoGlobal reverts the most recent multi-layer operation.
func (m *Manager) UndoGlobal() (GlobalFilterState, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.undoOp()
}

// GlobalTop returns the current global state without mutating the stacks.
func (m *Manager) GlobalTop() (GlobalFilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.undo.peek()
}

// GlobalStateFor returns the most recent state recorded for a layer
// among the remaining global undo entries, scanning from the top. It is
// how a global undo resolves layers the undone operation touched but the
// entry beneath did not.
func (m *Manager) GlobalStateFor(layerID string) (FilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.global.undo.items
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Source.LayerID == layerID {
			return items[i].Source, true
		}
		for _, d := range items[i].Dependents {
			if d.LayerID == layerID {
				return d, true
			}
		}
	}
	return FilterState{}, false
}

// RedoGlobal re-applies the most recently undone multi-layer operation.
func (m *Manager) RedoGlobal() (GlobalFilterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.redoOp()
}

// GlobalDepth returns the global undo and redo depths.
func (m *Manager) GlobalDepth() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.undo.len(), m.global.redo.len()
}
