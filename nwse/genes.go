package nwse

import (
	"fmt"
	"sort"
	"strings"
)

// GeneKind is the discriminant of a gene and of the network node built from it.
type GeneKind int

const (
	ReceptorKind GeneKind = iota
	HandlerKind
	InferenceKind
	EffectorKind
)

func (k GeneKind) String() string {
	switch k {
	case ReceptorKind:
		return "receptor"
	case HandlerKind:
		return "handler"
	case InferenceKind:
		return "inference"
	case EffectorKind:
		return "effector"
	default:
		return fmt.Sprintf("GeneKind(%d)", int(k))
	}
}

// ParseGeneKind is the inverse of GeneKind.String.
func ParseGeneKind(s string) (GeneKind, error) {
	switch s {
	case "receptor":
		return ReceptorKind, nil
	case "handler":
		return HandlerKind, nil
	case "inference":
		return InferenceKind, nil
	case "effector":
		return EffectorKind, nil
	}
	return 0, fmt.Errorf("unknown gene kind: %s", s)
}

// Dimension is one (node, lag) pair of an inference gene. A dimension with
// Time k reads its node's value k ticks before the current one.
type Dimension struct {
	NodeID int
	Time   int
}

func (d Dimension) String() string {
	return fmt.Sprintf("%d-%d", d.NodeID, d.Time)
}

// Gene describes one computation node. Only the fields of its Kind are meaningful.
// Genes are never modified once they belong to a genome; mutation replaces them
// with altered clones.
type Gene struct {
	ID         int
	Kind       GeneKind
	Name       string // Structural name for handler, inference and effector genes; spec name for receptors
	Category   string
	Generation int

	// Receptor
	Group         string
	SectionCount  int
	AbstractLevel int

	// Handler
	Function string
	Inputs   []int

	// Inference
	Dimensions []Dimension

	// Effector
	ReceptorID int
}

// NewReceptorGene creates the receptor gene for one configured receptor.
func NewReceptorGene(id int, spec ReceptorSpec, generation int) *Gene {
	return &Gene{
		ID:           id,
		Kind:         ReceptorKind,
		Name:         spec.Name,
		Category:     spec.Category,
		Generation:   generation,
		Group:        spec.Group,
		SectionCount: spec.SampleCount,
	}
}

// NewHandlerGene creates a handler applying function to inputs.
func NewHandlerGene(id int, function string, inputs []int, generation int) *Gene {
	return &Gene{
		ID:         id,
		Kind:       HandlerKind,
		Category:   "handler",
		Generation: generation,
		Function:   function,
		Inputs:     append([]int(nil), inputs...),
	}
}

// NewInferenceGene creates an inference gene with sorted dimensions.
func NewInferenceGene(id int, dims []Dimension, generation int) *Gene {
	g := &Gene{
		ID:         id,
		Kind:       InferenceKind,
		Category:   "inference",
		Generation: generation,
		Dimensions: append([]Dimension(nil), dims...),
	}
	g.SortDimensions()
	return g
}

// NewEffectorGene creates an effector driving the given action receptor.
func NewEffectorGene(id, receptorID, generation int) *Gene {
	return &Gene{
		ID:         id,
		Kind:       EffectorKind,
		Category:   "effector",
		Generation: generation,
		ReceptorID: receptorID,
	}
}

// Clone creates a deep copy of the gene.
func (g *Gene) Clone() *Gene {
	c := *g
	c.Inputs = append([]int(nil), g.Inputs...)
	c.Dimensions = append([]Dimension(nil), g.Dimensions...)
	return &c
}

// String returns a string representation of the gene.
func (g *Gene) String() string {
	return fmt.Sprintf("%s(ID: %d, Name: %s)", g.Kind, g.ID, g.Name)
}

// Upstream lists the ids this gene reads from.
func (g *Gene) Upstream() []int {
	switch g.Kind {
	case HandlerKind:
		return append([]int(nil), g.Inputs...)
	case InferenceKind:
		seen := make(map[int]bool)
		var ids []int
		for _, d := range g.Dimensions {
			if !seen[d.NodeID] {
				seen[d.NodeID] = true
				ids = append(ids, d.NodeID)
			}
		}
		return ids
	case EffectorKind:
		return []int{g.ReceptorID}
	}
	return nil
}

// --- Inference dimensions ---

// SortDimensions orders the dimensions by (Time, NodeID).
func (g *Gene) SortDimensions() {
	sort.Slice(g.Dimensions, func(i, j int) bool {
		if g.Dimensions[i].Time != g.Dimensions[j].Time {
			return g.Dimensions[i].Time < g.Dimensions[j].Time
		}
		return g.Dimensions[i].NodeID < g.Dimensions[j].NodeID
	})
}

// CheckDimensions verifies that the sorted dimensions hold exactly one variable
// with the smallest lag and at least one condition.
func (g *Gene) CheckDimensions() error {
	if len(g.Dimensions) < 2 {
		return fmt.Errorf("inference gene %d has %d dimensions: %w", g.ID, len(g.Dimensions), ErrBadDimensions)
	}
	seen := make(map[Dimension]bool)
	for i, d := range g.Dimensions {
		if d.Time < 0 {
			return fmt.Errorf("inference gene %d has negative lag %d: %w", g.ID, d.Time, ErrBadDimensions)
		}
		if seen[d] {
			return fmt.Errorf("inference gene %d repeats dimension %s: %w", g.ID, d, ErrBadDimensions)
		}
		seen[d] = true
		if i > 0 {
			prev := g.Dimensions[i-1]
			if d.Time < prev.Time || (d.Time == prev.Time && d.NodeID < prev.NodeID) {
				return fmt.Errorf("inference gene %d dimensions are not sorted: %w", g.ID, ErrBadDimensions)
			}
		}
	}
	if g.Dimensions[1].Time == g.Dimensions[0].Time {
		return fmt.Errorf("inference gene %d has no unique variable: %w", g.ID, ErrBadDimensions)
	}
	return nil
}

// Variable returns the dimension with the smallest lag.
func (g *Gene) Variable() Dimension {
	return g.Dimensions[0]
}

// Conditions returns every dimension except the variable.
func (g *Gene) Conditions() []Dimension {
	return g.Dimensions[1:]
}

// TimeDiff is the span between the variable and the oldest condition.
func (g *Gene) TimeDiff() int {
	return g.Dimensions[len(g.Dimensions)-1].Time - g.Dimensions[0].Time
}

// MatchVariable reports whether the variable reads node id.
func (g *Gene) MatchVariable(id int) bool {
	return len(g.Dimensions) > 0 && g.Dimensions[0].NodeID == id
}

// MatchCondition reports whether the conditions read all (or, if all is false,
// any) of the given node ids.
func (g *Gene) MatchCondition(all bool, ids ...int) bool {
	has := make(map[int]bool)
	for _, d := range g.Conditions() {
		has[d.NodeID] = true
	}
	for _, id := range ids {
		if has[id] && !all {
			return true
		}
		if !has[id] && all {
			return false
		}
	}
	return all
}

// Dimension relations returned by Relation.
const (
	RelationSame      = 0
	RelationContains  = 1
	RelationContained = -1
	RelationOverlap   = 2
	RelationDisjoint  = -2
)

// Relation compares the dimension sets of two inference genes.
func (g *Gene) Relation(other *Gene) int {
	mine := make(map[Dimension]bool, len(g.Dimensions))
	for _, d := range g.Dimensions {
		mine[d] = true
	}
	common := 0
	for _, d := range other.Dimensions {
		if mine[d] {
			common++
		}
	}
	switch {
	case common == len(g.Dimensions) && common == len(other.Dimensions):
		return RelationSame
	case common == len(other.Dimensions):
		return RelationContains
	case common == len(g.Dimensions):
		return RelationContained
	case common > 0:
		return RelationOverlap
	}
	return RelationDisjoint
}

// --- Structural names ---

// receptorShape is the structural name of a receptor, which includes its abstraction level.
func receptorShape(g *Gene) string {
	if g.AbstractLevel > 0 {
		return fmt.Sprintf("%s~%d", g.Name, g.AbstractLevel)
	}
	return g.Name
}

// shapeOf computes the structural name of g from the names of the genes it reads.
// names must already hold every upstream gene.
func shapeOf(g *Gene, names map[int]string) string {
	switch g.Kind {
	case ReceptorKind:
		return receptorShape(g)
	case HandlerKind:
		parts := make([]string, len(g.Inputs))
		for i, id := range g.Inputs {
			parts[i] = names[id]
		}
		return fmt.Sprintf("%s(%s)", g.Function, strings.Join(parts, ","))
	case InferenceKind:
		if len(g.Dimensions) == 0 {
			return "?"
		}
		v := g.Dimensions[0]
		conds := make([]string, 0, len(g.Dimensions)-1)
		for _, d := range g.Dimensions[1:] {
			conds = append(conds, fmt.Sprintf("%s@%d", names[d.NodeID], d.Time))
		}
		sort.Strings(conds)
		return fmt.Sprintf("%s@%d<-%s", names[v.NodeID], v.Time, strings.Join(conds, ","))
	case EffectorKind:
		return "!" + names[g.ReceptorID]
	}
	return ""
}
