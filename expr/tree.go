package expr

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// NodeOp is the operator of a predicate-tree node.
type NodeOp string

const (
	NodeAnd  NodeOp = "and"
	NodeOr   NodeOp = "or"
	NodeNot  NodeOp = "not"
	NodePred NodeOp = "pred"
)

// Node is one node of the in-memory predicate tree evaluated by the
// in-memory and generic-file backends.
type Node struct {
	Op       NodeOp
	Pred     Predicate
	Children []*Node
}

// Evaluate tests a feature geometry against the reference. Pending
// erosion is applied with distance semantics: a point belongs to the
// eroded region when it is inside the source and at least the erosion
// distance from its boundary.
func (n *Node) Evaluate(ref *geometry.Reference, g orb.Geometry) bool {
	switch n.Op {
	case NodeAnd:
		for _, c := range n.Children {
			if !c.Evaluate(ref, g) {
				return false
			}
		}
		return true
	case NodeOr:
		for _, c := range n.Children {
			if c.Evaluate(ref, g) {
				return true
			}
		}
		return false
	case NodeNot:
		return len(n.Children) == 1 && !n.Children[0].Evaluate(ref, g)
	case NodePred:
		return evaluatePredicate(n.Pred, ref, g)
	}
	return false
}

func evaluatePredicate(p Predicate, ref *geometry.Reference, g orb.Geometry) bool {
	if ref.Empty || g == nil {
		// Empty references match nothing; disjoint matches everything.
		return p == PredDisjoint && g != nil
	}

	if ref.PendingErosion() {
		// The erosion distance is in working-CRS units. On reprojected
		// references the comparison must happen in that CRS, so the
		// candidate is projected alongside the retained metric geometry.
		d := ref.Erosion()
		src := ref.Geom
		if ref.Reprojected && ref.Metric != nil {
			src = ref.Metric
			g = geometry.ToMetric(g)
		}
		switch p {
		case PredDisjoint:
			return !geometry.ErodedIntersects(src, d, g)
		case PredWithin:
			return geometry.ErodedContains(src, d, g)
		case PredEquals:
			return false
		default:
			// Boundary-sensitive predicates degrade to the reach test
			// against the eroded region.
			return geometry.ErodedIntersects(src, d, g)
		}
	}

	switch p {
	case PredIntersects:
		return geometry.Intersects(g, ref.Geom)
	case PredDisjoint:
		return geometry.Disjoint(g, ref.Geom)
	case PredContains:
		return geometry.Contains(g, ref.Geom)
	case PredWithin:
		return geometry.Within(g, ref.Geom)
	case PredTouches:
		return geometry.Touches(g, ref.Geom)
	case PredCrosses:
		return geometry.Crosses(g, ref.Geom)
	case PredOverlaps:
		return geometry.Overlaps(g, ref.Geom)
	case PredEquals:
		return geometry.Equals(g, ref.Geom)
	}
	return false
}

// TreeBuilder compiles predicate sets into predicate trees for the
// in-memory and generic-file backends. The SQL field of the produced
// expression carries the canonical grammar rendering used for history and
// display.
type TreeBuilder struct {
	kind layer.ProviderKind

	// RepresentativePoints reduces each feature geometry to its interior
	// representative point before evaluation.
	RepresentativePoints bool
}

// NewTreeBuilder returns a tree builder for the given in-process backend.
func NewTreeBuilder(kind layer.ProviderKind) *TreeBuilder {
	return &TreeBuilder{kind: kind}
}

// Backend returns the provider kind this builder compiles for.
func (b *TreeBuilder) Backend() layer.ProviderKind { return b.kind }

// Build compiles the predicate set into a tree plus its canonical text.
func (b *TreeBuilder) Build(set PredicateSet, ref *geometry.Reference, lyr *layer.Layer, existing string, combine CombineOp) (*Expression, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: reference geometry is required", errs.ErrValidation)
	}
	norm := set.Normalized()
	combine = combine.orDefault()
	col := QuoteIdent(geometryColumn(lyr))

	if ref.Empty {
		return &Expression{
			Backend:         b.kind,
			SQL:             combineWith(existing, "FALSE", combine),
			Set:             norm,
			Ref:             ref,
			Existing:        existing,
			Combine:         combine,
			ZeroMatches:     existing == "" || combine != CombineOr,
			GeometryColumn:  col,
			RepresentPoints: b.RepresentativePoints,
		}, nil
	}

	tree := buildTree(norm)

	refText := "$reference"
	if ref.Buffer != 0 {
		refText = "buffer($reference, " + strconv.FormatFloat(ref.Buffer, 'f', -1, 64) + ")"
	}
	testCol := col
	if b.RepresentativePoints {
		testCol = "representative_point(" + col + ")"
	}
	parts := make([]string, 0, len(norm.Predicates))
	for _, p := range norm.Predicates {
		parts = append(parts, fmt.Sprintf("%s(%s, %s)", p, testCol, refText))
	}
	compiled := joinParts(parts, norm.Operator)

	return &Expression{
		Backend:         b.kind,
		SQL:             combineWith(existing, compiled, combine),
		Tree:            tree,
		Set:             norm,
		Ref:             ref,
		Existing:        existing,
		Combine:         combine,
		GeometryColumn:  col,
		RepresentPoints: b.RepresentativePoints,
	}, nil
}

func buildTree(set PredicateSet) *Node {
	if len(set.Predicates) == 1 {
		return &Node{Op: NodePred, Pred: set.Predicates[0]}
	}
	children := make([]*Node, 0, len(set.Predicates))
	for _, p := range set.Predicates {
		children = append(children, &Node{Op: NodePred, Pred: p})
	}
	switch set.Operator.orDefault() {
	case CombineOr:
		return &Node{Op: NodeOr, Children: children}
	case CombineAndNot:
		// AND NOT folds left in SQL: a AND NOT b AND NOT c. The negated
		// tail is therefore a disjunction.
		rest := children[1:]
		var negated *Node
		if len(rest) == 1 {
			negated = rest[0]
		} else {
			negated = &Node{Op: NodeOr, Children: rest}
		}
		return &Node{Op: NodeAnd, Children: []*Node{
			children[0],
			{Op: NodeNot, Children: []*Node{negated}},
		}}
	default:
		return &Node{Op: NodeAnd, Children: children}
	}
}
