package expr

import (
	"context"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

func treeLayer() *layer.Layer {
	return &layer.Layer{ID: "points", Provider: layer.ProviderMemory, SRID: 3857, GeometryColumn: "geom"}
}

func TestTreeBuildAndEvaluate(t *testing.T) {
	b := NewTreeBuilder(layer.ProviderMemory)
	set := PredicateSet{Predicates: []Predicate{PredIntersects}}
	ref := testReference(t, 0)

	e, err := b.Build(set, ref, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if e.Tree == nil {
		t.Fatal("expected a predicate tree")
	}
	if !strings.Contains(e.SQL, `intersects("geom", $reference)`) {
		t.Errorf("unexpected canonical text %q", e.SQL)
	}

	if !e.Tree.Evaluate(ref, orb.Point{5, 5}) {
		t.Error("expected interior point to match")
	}
	if e.Tree.Evaluate(ref, orb.Point{50, 50}) {
		t.Error("expected far point not to match")
	}
}

func TestTreeDisjoint(t *testing.T) {
	b := NewTreeBuilder(layer.ProviderMemory)
	set := PredicateSet{Predicates: []Predicate{PredDisjoint}}
	ref := testReference(t, 0)

	e, err := b.Build(set, ref, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if e.Tree.Evaluate(ref, orb.Point{5, 5}) {
		t.Error("expected inside point to fail disjoint")
	}
	if !e.Tree.Evaluate(ref, orb.Point{50, 50}) {
		t.Error("expected outside point to pass disjoint")
	}
}

func TestTreeOperatorShapes(t *testing.T) {
	orSet := PredicateSet{Predicates: []Predicate{PredWithin, PredTouches}, Operator: CombineOr}
	tree := buildTree(orSet.Normalized())
	if tree.Op != NodeOr || len(tree.Children) != 2 {
		t.Fatalf("expected OR node with 2 children, got %s/%d", tree.Op, len(tree.Children))
	}

	notSet := PredicateSet{Predicates: []Predicate{PredIntersects, PredTouches}, Operator: CombineAndNot}
	tree = buildTree(notSet.Normalized())
	if tree.Op != NodeAnd || len(tree.Children) != 2 || tree.Children[1].Op != NodeNot {
		t.Fatal("expected AND(pred, NOT(...)) shape for AND NOT operator")
	}
}

func TestTreeErosionSemantics(t *testing.T) {
	ref := testReference(t, -2)
	if !ref.PendingErosion() {
		t.Fatal("expected pending erosion")
	}
	node := &Node{Op: NodePred, Pred: PredIntersects}

	// Deep interior of the 10x10 square survives a 2-unit erosion.
	if !node.Evaluate(ref, orb.Point{5, 5}) {
		t.Error("expected center point inside eroded region")
	}
	// Within 2 units of the boundary is eroded away.
	if node.Evaluate(ref, orb.Point{0.5, 5}) {
		t.Error("expected near-boundary point outside eroded region")
	}
}

func TestTreeEmptyReference(t *testing.T) {
	empty := &geometry.Reference{SRID: 3857, Empty: true}
	pred := &Node{Op: NodePred, Pred: PredIntersects}
	if pred.Evaluate(empty, orb.Point{0, 0}) {
		t.Error("empty reference must match nothing for intersects")
	}
	disj := &Node{Op: NodePred, Pred: PredDisjoint}
	if !disj.Evaluate(empty, orb.Point{0, 0}) {
		t.Error("empty reference must match everything for disjoint")
	}

	b := NewTreeBuilder(layer.ProviderMemory)
	e, err := b.Build(PredicateSet{Predicates: []Predicate{PredIntersects}}, empty, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !e.ZeroMatches {
		t.Error("expected ZeroMatches for empty reference build")
	}
}

func TestTreeBufferedCanonicalText(t *testing.T) {
	b := NewTreeBuilder(layer.ProviderFile)
	ref := testReference(t, 25)

	e, err := b.Build(PredicateSet{Predicates: []Predicate{PredIntersects}}, ref, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !strings.Contains(e.SQL, "buffer($reference, 25)") {
		t.Errorf("expected buffered reference in canonical text, got %q", e.SQL)
	}
}

func prepareTestRef(t *testing.T, g orb.Geometry, buffer float64) *geometry.Reference {
	t.Helper()
	ref, err := geometry.Prepare(context.Background(), []orb.Geometry{g}, 3857, geometry.Options{Buffer: buffer})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return ref
}

func TestTreeBufferedReferenceMatches(t *testing.T) {
	ref := prepareTestRef(t, orb.Point{0, 0}, 10)
	node := &Node{Op: NodePred, Pred: PredIntersects}

	if !node.Evaluate(ref, orb.Point{5, 0}) {
		t.Error("expected point inside buffer disc to match")
	}
	if node.Evaluate(ref, orb.Point{25, 0}) {
		t.Error("expected point outside buffer disc not to match")
	}
}

func TestTreeAndNotKeepsPositiveFirst(t *testing.T) {
	b := NewTreeBuilder(layer.ProviderMemory)
	set := PredicateSet{Predicates: []Predicate{PredWithin, PredDisjoint}, Operator: CombineAndNot}
	ref := testReference(t, 0)

	e, err := b.Build(set, ref, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	// Interior point: within AND NOT disjoint holds.
	if !e.Tree.Evaluate(ref, orb.Point{5, 5}) {
		t.Error("expected interior point to match within AND NOT disjoint")
	}
	// Far point: not within, so the positive side already fails.
	if e.Tree.Evaluate(ref, orb.Point{50, 50}) {
		t.Error("expected far point not to match")
	}
}

func TestTreeAndNotFoldMatchesSQL(t *testing.T) {
	// a AND NOT b AND NOT c folds left in SQL: every negated term
	// excludes on its own. The tree must negate the disjunction.
	b := NewTreeBuilder(layer.ProviderMemory)
	set := PredicateSet{
		Predicates: []Predicate{PredIntersects, PredTouches, PredWithin},
		Operator:   CombineAndNot,
	}
	ref := testReference(t, 0)

	e, err := b.Build(set, ref, treeLayer(), "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	neg := e.Tree.Children[1]
	if neg.Op != NodeNot || len(neg.Children) != 1 || neg.Children[0].Op != NodeOr {
		t.Fatalf("expected NOT(OR(...)) negated tail, got %s", neg.Op)
	}
	// Interior point intersects and is within: the within term excludes
	// it even though touches does not.
	if e.Tree.Evaluate(ref, orb.Point{5, 5}) {
		t.Error("expected interior point excluded by the negated within term")
	}
}

func TestTreeGeographicPendingErosion(t *testing.T) {
	// A one-degree square in WGS84 eroded by 50 meters: the erosion
	// distance is metric, so evaluation must happen in the working CRS.
	poly := orb.Polygon{{{10, 50}, {11, 50}, {11, 51}, {10, 51}, {10, 50}}}
	ref, err := geometry.Prepare(context.Background(), []orb.Geometry{poly}, 4326, geometry.Options{Buffer: -50})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !ref.PendingErosion() || !ref.Reprojected {
		t.Fatalf("expected a reprojected pending erosion, got %+v", ref)
	}
	node := &Node{Op: NodePred, Pred: PredWithin}
	if !node.Evaluate(ref, orb.Point{10.5, 50.5}) {
		t.Error("expected the centre kilometres from the boundary inside the eroded region")
	}
	if node.Evaluate(ref, orb.Point{10.0001, 50.5}) {
		t.Error("expected a point metres from the boundary eroded away")
	}
}
