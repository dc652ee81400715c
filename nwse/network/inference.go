package network

import (
	"math"

	"github.com/baldhumanity/nwse-go/nwse"
)

// Record is one learned condition→variable association of an inference node.
type Record struct {
	Conditions  []float64 // Condition values, in the gene's condition order
	Variable    float64   // Predicted variable value
	Accuracy    float64   // In [-1, 1]; 0 when new
	Evaluation  float64   // Running mean of rewards seen with this record; NaN before the first
	Hits        int
	Misses      int
	Usage       int
	Created     int // Tick the record was created
	LastMatched int // Tick the record was last matched by an observation

	observed   float64 // Variable value observed at LastMatched
	rewards    int
	belowFloor int
}

// measure compares values of one node.
type measure struct {
	spec      *nwse.ReceptorSpec // nil for handlers
	tolerance float64
}

func (m measure) distance(a, b float64) float64 {
	if m.spec != nil {
		return m.spec.Distance(a, b)
	}
	return math.Abs(a - b)
}

func (m measure) within(a, b float64) bool {
	return m.distance(a, b) <= m.tolerance
}

// score is the tolerance-normalized distance; 0 for an exact match.
func (m measure) score(a, b float64) float64 {
	d := m.distance(a, b)
	if m.tolerance <= 0 {
		return d
	}
	return d / m.tolerance
}

// InferenceNode holds the records learned for one inference gene.
type InferenceNode struct {
	Gene    *nwse.Gene
	Records []*Record

	conditions []measure
	variable   measure
	action     []bool // Condition reads an action receptor
	decision   []int  // Action index set by the candidate action, -1 otherwise
	cfg        nwse.InferenceConfig
}

// newInferenceNode builds the record store for gene. conditions and variable
// describe the nodes read by the gene's conditions and variable.
func newInferenceNode(gene *nwse.Gene, conditions []measure, variable measure, action []bool, decision []int, cfg nwse.InferenceConfig) *InferenceNode {
	return &InferenceNode{
		Gene:       gene,
		conditions: conditions,
		variable:   variable,
		action:     action,
		decision:   decision,
		cfg:        cfg,
	}
}

// HasDecision reports whether a condition of this node is set by the action
// chosen at the current tick.
func (n *InferenceNode) HasDecision() bool {
	for _, d := range n.decision {
		if d >= 0 {
			return true
		}
	}
	return false
}

// match returns the nearest record whose compared conditions are all within
// tolerance. skip excludes condition positions from the comparison.
func (n *InferenceNode) match(conds []float64, skip []bool) (*Record, float64) {
	var best *Record
	bestScore := math.Inf(1)
	for _, r := range n.Records {
		score, ok := n.compare(r, conds, skip)
		if ok && score < bestScore {
			best, bestScore = r, score
		}
	}
	return best, bestScore
}

func (n *InferenceNode) compare(r *Record, conds []float64, skip []bool) (float64, bool) {
	score := 0.0
	for i, m := range n.conditions {
		if skip != nil && skip[i] {
			continue
		}
		if !m.within(conds[i], r.Conditions[i]) {
			return 0, false
		}
		score += m.score(conds[i], r.Conditions[i])
	}
	return score, true
}

// ForwardInference predicts the variable for the given condition values. No
// matching record is a normal "unknown" outcome, reported as matched=false.
func (n *InferenceNode) ForwardInference(conds []float64) (bool, float64, *Record) {
	r, _ := n.match(conds, nil)
	if r == nil {
		return false, math.NaN(), nil
	}
	return true, r.Variable, r
}

// MatchExcludeAction returns the records matching conds on every non-action
// condition. With bestOnly, only the nearest record of each distinct action
// pattern is kept.
func (n *InferenceNode) MatchExcludeAction(conds []float64, bestOnly bool) []*Record {
	type scored struct {
		r     *Record
		score float64
	}
	var matched []scored
	for _, r := range n.Records {
		if score, ok := n.compare(r, conds, n.action); ok {
			matched = append(matched, scored{r, score})
		}
	}
	if !bestOnly {
		out := make([]*Record, len(matched))
		for i, m := range matched {
			out[i] = m.r
		}
		return out
	}

	var groups []scored
	for _, m := range matched {
		placed := false
		for gi, g := range groups {
			if n.sameAction(g.r.Conditions, m.r.Conditions) {
				if m.score < g.score {
					groups[gi] = m
				}
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, m)
		}
	}
	out := make([]*Record, len(groups))
	for i, g := range groups {
		out[i] = g.r
	}
	return out
}

// MatchesAction reports whether the record's action conditions match conds.
func (n *InferenceNode) MatchesAction(r *Record, conds []float64) bool {
	return n.sameAction(r.Conditions, conds)
}

func (n *InferenceNode) sameAction(a, b []float64) bool {
	for i, isAction := range n.action {
		if isAction && !n.conditions[i].within(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Observe creates or updates the record of the current condition bucket and
// folds reward into its evaluation.
func (n *InferenceNode) Observe(t int, conds []float64, variable, reward float64) *Record {
	r, _ := n.match(conds, nil)
	if r == nil {
		if n.cfg.MaxRecords > 0 && len(n.Records) >= n.cfg.MaxRecords {
			return nil
		}
		r = &Record{
			Conditions: append([]float64(nil), conds...),
			Variable:   variable,
			Evaluation: math.NaN(),
			Created:    t,
		}
		n.Records = append(n.Records, r)
	}
	r.LastMatched = t
	r.observed = variable
	r.Usage++
	if !math.IsNaN(reward) {
		r.rewards++
		if math.IsNaN(r.Evaluation) {
			r.Evaluation = reward
		} else {
			r.Evaluation += (reward - r.Evaluation) / float64(r.rewards)
		}
	}
	return r
}

// AdjustAccuracy confirms or contradicts every record matched at tick t and
// removes records that stayed below the accuracy floor for PrunePatience
// consecutive confirmations. It returns the pruned records.
func (n *InferenceNode) AdjustAccuracy(t int) []*Record {
	step := n.cfg.AccuracyStep
	var pruned []*Record
	kept := n.Records[:0]
	for _, r := range n.Records {
		if r.LastMatched == t && r.Created != t {
			if n.variable.within(r.observed, r.Variable) {
				r.Hits++
				r.Accuracy += step * (1 - r.Accuracy)
			} else {
				r.Misses++
				r.Accuracy -= step * (1 + r.Accuracy)
			}
			if r.Accuracy < n.cfg.AccuracyFloor {
				r.belowFloor++
			} else {
				r.belowFloor = 0
			}
		}
		if r.belowFloor >= n.cfg.PrunePatience {
			pruned = append(pruned, r)
			continue
		}
		kept = append(kept, r)
	}
	// Clear the tail so pruned records are not retained by the backing array.
	for i := len(kept); i < len(n.Records); i++ {
		n.Records[i] = nil
	}
	n.Records = kept
	return pruned
}

// Reliability is the mean record accuracy, NaN while the node has no records.
func (n *InferenceNode) Reliability() float64 {
	if len(n.Records) == 0 {
		return math.NaN()
	}
	acc := make([]float64, len(n.Records))
	for i, r := range n.Records {
		acc[i] = r.Accuracy
	}
	return nwse.Mean(acc)
}
