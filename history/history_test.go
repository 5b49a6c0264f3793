package history

import (
	"fmt"
	"testing"
)

func state(n int) FilterState {
	return FilterState{
		LayerID:      "parcels",
		Expression:   fmt.Sprintf("expr-%d", n),
		FeatureCount: int64(n),
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	m := NewManager(0)
	m.Push("parcels", state(1))
	m.Push("parcels", state(2))

	st, ok, moved := m.Undo("parcels")
	if !moved {
		t.Fatal("expected an undo to happen")
	}
	if !ok || st.Expression != "expr-1" {
		t.Fatalf("expected restore of expr-1, got %q (ok=%v)", st.Expression, ok)
	}

	st, ok = m.Redo("parcels")
	if !ok || st.Expression != "expr-2" {
		t.Fatalf("expected redo of expr-2, got %q (ok=%v)", st.Expression, ok)
	}
}

func TestUndoToInitial(t *testing.T) {
	m := NewManager(0)
	m.Push("parcels", state(1))

	_, ok, moved := m.Undo("parcels")
	if !moved {
		t.Fatal("expected an undo to happen")
	}
	if ok {
		t.Error("expected restored state to be the empty/initial one")
	}

	_, _, moved = m.Undo("parcels")
	if moved {
		t.Error("expected no further undo on an empty stack")
	}
}

func TestBoundedEviction(t *testing.T) {
	m := NewManager(100)
	for i := 1; i <= 150; i++ {
		m.Push("parcels", state(i))
	}
	undo, _ := m.Depth("parcels")
	if undo != 100 {
		t.Fatalf("expected undo depth 100, got %d", undo)
	}

	// 99 undos walk back to the oldest retained entry: 150-99 = 51.
	var last FilterState
	for i := 0; i < 99; i++ {
		st, ok, moved := m.Undo("parcels")
		if !moved || !ok {
			t.Fatalf("undo %d failed (ok=%v moved=%v)", i, ok, moved)
		}
		last = st
	}
	if last.Expression != "expr-51" {
		t.Errorf("expected oldest retained entry expr-51, got %q", last.Expression)
	}
}

func TestPushDiscardsRedoBranch(t *testing.T) {
	m := NewManager(0)
	m.Push("parcels", state(1))
	m.Push("parcels", state(2))
	if _, _, moved := m.Undo("parcels"); !moved {
		t.Fatal("expected undo")
	}
	m.Push("parcels", state(3))

	if _, ok := m.Redo("parcels"); ok {
		t.Error("expected redo branch to be discarded after a new push")
	}
	if st, ok := m.Top("parcels"); !ok || st.Expression != "expr-3" {
		t.Errorf("expected top expr-3, got %q (ok=%v)", st.Expression, ok)
	}
}

func TestLayerIsolation(t *testing.T) {
	m := NewManager(0)
	m.Push("a", state(1))
	m.Push("b", state(2))

	m.Drop("a")
	if undo, _ := m.Depth("a"); undo != 0 {
		t.Errorf("expected dropped layer depth 0, got %d", undo)
	}
	if st, ok := m.Top("b"); !ok || st.FeatureCount != 2 {
		t.Error("expected layer b untouched by dropping a")
	}
}

func TestGlobalUndoRedo(t *testing.T) {
	m := NewManager(0)
	g1 := GlobalFilterState{
		Source:     state(1),
		Dependents: []FilterState{{LayerID: "buildings", Expression: "dep-1"}},
	}
	g2 := GlobalFilterState{Source: state(2)}
	m.PushGlobal(g1)
	m.PushGlobal(g2)

	if top, ok := m.GlobalTop(); !ok || top.Source.Expression != "expr-2" {
		t.Fatalf("expected global top expr-2, got %q (ok=%v)", top.Source.Expression, ok)
	}

	st, ok, moved := m.UndoGlobal()
	if !moved || !ok {
		t.Fatal("expected global undo to restore the previous operation")
	}
	if st.Source.Expression != "expr-1" || len(st.Dependents) != 1 {
		t.Errorf("unexpected restored global state %+v", st)
	}

	if st, ok := m.RedoGlobal(); !ok || st.Source.Expression != "expr-2" {
		t.Error("expected global redo of expr-2")
	}

	if undo, redo := m.GlobalDepth(); undo != 2 || redo != 0 {
		t.Errorf("expected depths 2/0, got %d/%d", undo, redo)
	}
}
