// Package network materializes genomes into activatable inference networks and
// implements the per-tick activation pipeline and action planning.
package network

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/baldhumanity/nwse-go/nwse"
)

// Activation errors. Both are fatal to the tick that raised them.
var (
	ErrObservationShape = errors.New("observation does not match receptors")
	ErrHandlerStall     = errors.New("handler activation made no progress")
	ErrTickOrder        = errors.New("tick already activated")
)

// Sample is one value of a node's history.
type Sample struct {
	Tick  int
	Value float64
}

// Node is one live node of a network. Kind selects which of the per-kind fields apply.
type Node struct {
	ID        int
	Kind      nwse.GeneKind
	Gene      *nwse.Gene
	Spec      *nwse.ReceptorSpec // Receptors and effectors
	Inputs    []int              // Arena indices read by a handler
	Inference *InferenceNode     // Inference nodes only

	measure  measure
	function nwse.HandlerFunction
	history  []Sample
}

// set appends a value for tick t. History only grows: a tick at or before the
// last recorded one is ignored.
func (n *Node) set(t int, v float64) bool {
	if len(n.history) > 0 && n.history[len(n.history)-1].Tick >= t {
		return false
	}
	n.history = append(n.history, Sample{Tick: t, Value: v})
	return true
}

// Value returns the node's value at tick t.
func (n *Node) Value(t int) (float64, bool) {
	i := sort.Search(len(n.history), func(i int) bool { return n.history[i].Tick >= t })
	if i < len(n.history) && n.history[i].Tick == t {
		return n.history[i].Value, true
	}
	return 0, false
}

// IsActivate reports whether the node has a value for tick t.
func (n *Node) IsActivate(t int) bool {
	_, ok := n.Value(t)
	return ok
}

// History returns the samples recorded up to and including tick t.
func (n *Node) History(t int) []Sample {
	i := sort.Search(len(n.history), func(i int) bool { return n.history[i].Tick > t })
	return append([]Sample(nil), n.history[:i]...)
}

// Reflex supplies the instinct action used to anchor planning.
type Reflex interface {
	Instinct(n *Network, t int) []float64
}

// Network is the live materialization of one genome.
type Network struct {
	Genome    *nwse.Genome
	Config    *nwse.Config
	Nodes     []*Node
	Adjacency [][]uint8 // Adjacency[i][j] == 1 when node i feeds node j

	Reward        float64
	Fitness       float64 // NaN until evaluated
	TaskCompleted bool
	Chain         *ActionPlanChain
	Memory        *ObservationHistory

	index       map[int]int // Gene id -> arena index
	observation []int       // Env and gesture receptors, observation order
	actions     []int       // Action receptors, action order
	effectors   []int       // Effector driving actions[i]
	handlers    []int
	inferences  []int

	policy  *Policy
	reflex  Reflex
	rng     *rand.Rand
	logger  *zap.Logger
	last    int
	started bool
}

// New builds a network from a genome. The genome is validated first; a
// structurally invalid genome is rejected.
func New(g *nwse.Genome, config *nwse.Config, rng *rand.Rand, logger *zap.Logger) (*Network, error) {
	if err := g.Validate(config); err != nil {
		return nil, fmt.Errorf("cannot materialize genome %d: %w", g.ID, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(g.ID)))
	}

	n := &Network{
		Genome:  g,
		Config:  config,
		Fitness: math.NaN(),
		Chain:   &ActionPlanChain{},
		Memory:  NewObservationHistory(config.ObservationReceptors(), config.ActionReceptors()),
		index:   make(map[int]int),
		policy:  NewPolicy(config.Policy, rng),
		rng:     rng,
		logger:  logger.With(zap.Int("genome", g.ID)),
	}

	add := func(node *Node) int {
		idx := len(n.Nodes)
		n.Nodes = append(n.Nodes, node)
		n.index[node.ID] = idx
		return idx
	}

	actionIndex := make(map[int]int) // receptor id -> action vector index
	for _, r := range g.Receptors {
		spec, ok := config.ReceptorSpec(r.Name)
		if !ok {
			return nil, fmt.Errorf("receptor '%s' is not configured", r.Name)
		}
		idx := add(&Node{
			ID: r.ID, Kind: nwse.ReceptorKind, Gene: r, Spec: spec,
			measure: measure{spec: spec, tolerance: spec.RankTolerance(r.AbstractLevel)},
		})
		if r.Group == nwse.GroupAction {
			actionIndex[r.ID] = len(n.actions)
			n.actions = append(n.actions, idx)
		} else {
			n.observation = append(n.observation, idx)
		}
	}

	order, err := g.HandlerOrder()
	if err != nil {
		return nil, err
	}
	for _, h := range order {
		fn, err := nwse.GetHandlerFunction(h.Function)
		if err != nil {
			return nil, fmt.Errorf("handler gene %d: %w", h.ID, err)
		}
		node := &Node{ID: h.ID, Kind: nwse.HandlerKind, Gene: h, function: fn}
		for _, in := range h.Inputs {
			src := n.Nodes[n.index[in]]
			node.Inputs = append(node.Inputs, n.index[in])
			node.measure.tolerance = math.Max(node.measure.tolerance, src.measure.tolerance)
		}
		n.handlers = append(n.handlers, add(node))
	}

	for _, inf := range g.Inferences {
		conds := inf.Conditions()
		measures := make([]measure, len(conds))
		isAction := make([]bool, len(conds))
		decision := make([]int, len(conds))
		for i, d := range conds {
			src := n.Nodes[n.index[d.NodeID]]
			measures[i] = src.measure
			decision[i] = -1
			if ai, ok := actionIndex[d.NodeID]; ok {
				isAction[i] = true
				if d.Time == 1 {
					decision[i] = ai
				}
			}
		}
		variable := n.Nodes[n.index[inf.Variable().NodeID]].measure
		n.inferences = append(n.inferences, add(&Node{
			ID: inf.ID, Kind: nwse.InferenceKind, Gene: inf,
			Inference: newInferenceNode(inf, measures, variable, isAction, decision, config.Inference),
		}))
	}

	n.effectors = make([]int, len(n.actions))
	for _, e := range g.Effectors {
		spec := n.Nodes[n.index[e.ReceptorID]].Spec
		n.effectors[actionIndex[e.ReceptorID]] = add(&Node{
			ID: e.ID, Kind: nwse.EffectorKind, Gene: e, Spec: spec,
			measure: measure{spec: spec, tolerance: spec.Tolerance},
		})
	}

	n.buildAdjacency()
	return n, nil
}

// buildAdjacency derives the adjacency matrix from the arena.
func (n *Network) buildAdjacency() {
	n.Adjacency = make([][]uint8, len(n.Nodes))
	for i := range n.Adjacency {
		n.Adjacency[i] = make([]uint8, len(n.Nodes))
	}
	for j, node := range n.Nodes {
		for _, up := range node.Gene.Upstream() {
			if i, ok := n.index[up]; ok {
				if node.Kind == nwse.EffectorKind {
					// Effectors write back into their action receptor.
					n.Adjacency[j][i] = 1
				} else {
					n.Adjacency[i][j] = 1
				}
			}
		}
	}
}

// SetReflex installs the instinct source. Without one the instinct action is
// the midpoint of every action receptor.
func (n *Network) SetReflex(r Reflex) {
	n.reflex = r
}

// Node returns the node for a gene id, or nil.
func (n *Network) Node(id int) *Node {
	if idx, ok := n.index[id]; ok {
		return n.Nodes[idx]
	}
	return nil
}

// Inferences returns the inference nodes in genome order.
func (n *Network) Inferences() []*Node {
	out := make([]*Node, len(n.inferences))
	for i, idx := range n.inferences {
		out[i] = n.Nodes[idx]
	}
	return out
}

// ObservationSize is the length of the observation vector Activate expects.
func (n *Network) ObservationSize() int {
	return len(n.observation)
}

// ActionSize is the length of the action vector Activate returns.
func (n *Network) ActionSize() int {
	return len(n.actions)
}

// Reliability is the mean of the inference nodes' reliabilities, ignoring
// untested nodes. NaN when no node has records.
func (n *Network) Reliability() float64 {
	rel := make([]float64, 0, len(n.inferences))
	for _, idx := range n.inferences {
		rel = append(rel, n.Nodes[idx].Inference.Reliability())
	}
	return nwse.NanMean(rel)
}

// RecordCount is the total number of inference records.
func (n *Network) RecordCount() int {
	total := 0
	for _, idx := range n.inferences {
		total += len(n.Nodes[idx].Inference.Records)
	}
	return total
}

// Reset clears per-episode state. Learned records and scene memory are kept.
func (n *Network) Reset() {
	for _, node := range n.Nodes {
		node.history = nil
	}
	n.Chain.Reset()
	n.Reward = 0
	n.last = 0
	n.started = false
}

// --- Activation ---

// Activate runs one tick: receive, derive, infer, evaluate, decide, act. obs
// holds the env and gesture values in receptor order; reward is the reward
// that followed the previous tick's action. It returns the effector values.
func (n *Network) Activate(t int, obs []float64, reward float64) ([]float64, error) {
	if len(obs) != len(n.observation) {
		return nil, fmt.Errorf("tick %d: got %d values for %d receptors: %w", t, len(obs), len(n.observation), ErrObservationShape)
	}
	if n.started && t <= n.last {
		return nil, fmt.Errorf("tick %d after %d: %w", t, n.last, ErrTickOrder)
	}

	// 1. Receive
	ranked := make([]float64, len(obs))
	for i, idx := range n.observation {
		node := n.Nodes[idx]
		ranked[i] = node.Spec.Rank(obs[i], node.Gene.AbstractLevel)
		node.set(t, ranked[i])
	}

	// 2. Derive
	if err := n.derive(t); err != nil {
		return nil, fmt.Errorf("tick %d: %w", t, err)
	}

	// 3. Infer
	for _, idx := range n.inferences {
		node := n.Nodes[idx]
		conds, variable, ok := n.observedFrame(node.Gene, t)
		if ok {
			node.Inference.Observe(t, conds, variable, reward)
		}
	}

	// 4. Evaluate
	for _, idx := range n.inferences {
		node := n.Nodes[idx]
		if pruned := node.Inference.AdjustAccuracy(t); len(pruned) > 0 {
			n.logger.Debug("pruned inference records",
				zap.String("gene", node.Gene.Name), zap.Int("tick", t), zap.Int("count", len(pruned)))
		}
	}

	// 5. Decide
	n.Reward = reward
	plan := n.policy.Decide(n, t, ranked, reward)

	// 6. Act
	for i, idx := range n.actions {
		n.Nodes[n.effectors[i]].set(t, plan.Actions[i])
		n.Nodes[idx].set(t, plan.Actions[i])
	}
	n.last = t
	n.started = true
	return append([]float64(nil), plan.Actions...), nil
}

// derive activates handlers until each has a value for tick t. Each sweep must
// activate at least one handler, which bounds the loop by the handler count.
func (n *Network) derive(t int) error {
	pending := make([]int, 0, len(n.handlers))
	for _, idx := range n.handlers {
		if !n.Nodes[idx].IsActivate(t) {
			pending = append(pending, idx)
		}
	}
	for sweep := 0; len(pending) > 0; sweep++ {
		if sweep > len(n.handlers) {
			return ErrHandlerStall
		}
		progressed := false
		next := pending[:0]
		for _, idx := range pending {
			node := n.Nodes[idx]
			inputs := make([]float64, 0, len(node.Inputs))
			ready := true
			for _, in := range node.Inputs {
				v, ok := n.Nodes[in].Value(t)
				if !ok {
					ready = false
					break
				}
				inputs = append(inputs, v)
			}
			if !ready {
				next = append(next, idx)
				continue
			}
			node.set(t, node.function(inputs))
			progressed = true
		}
		pending = next
		if !progressed {
			return fmt.Errorf("%d handlers waiting: %w", len(pending), ErrHandlerStall)
		}
	}
	return nil
}

// observedFrame reads an inference gene's conditions and variable for the
// record that ends at tick t.
func (n *Network) observedFrame(gene *nwse.Gene, t int) ([]float64, float64, bool) {
	v, ok := n.Nodes[n.index[gene.Variable().NodeID]].Value(t - gene.Variable().Time)
	if !ok {
		return nil, 0, false
	}
	conds := make([]float64, 0, len(gene.Dimensions)-1)
	for _, d := range gene.Conditions() {
		c, ok := n.Nodes[n.index[d.NodeID]].Value(t - d.Time)
		if !ok {
			return nil, 0, false
		}
		conds = append(conds, c)
	}
	return conds, v, true
}

// forecastFrame reads an inference node's conditions for a forecast of tick
// t+1. Conditions set by this tick's decision take their value from actions,
// or NaN when actions is nil.
func (n *Network) forecastFrame(node *InferenceNode, t int, actions []float64) ([]float64, bool) {
	conds := make([]float64, len(node.decision))
	for i, d := range node.Gene.Conditions() {
		if ai := node.decision[i]; ai >= 0 {
			conds[i] = math.NaN()
			if actions != nil {
				conds[i] = actions[ai]
			}
			continue
		}
		v, ok := n.Nodes[n.index[d.NodeID]].Value(t + 1 - d.Time)
		if !ok {
			return nil, false
		}
		conds[i] = v
	}
	return conds, true
}

// ForwardInference forecasts the observation that follows actions at tick t.
// Each observation receptor takes the prediction of the most accurate matching
// record among inference nodes whose variable it is. Returns nil when any
// receptor cannot be predicted.
func (n *Network) ForwardInference(t int, actions []float64) []float64 {
	out := make([]float64, len(n.observation))
	for i, oidx := range n.observation {
		receptor := n.Nodes[oidx]
		var best *Record
		for _, idx := range n.inferences {
			inf := n.Nodes[idx].Inference
			if !inf.Gene.MatchVariable(receptor.ID) || inf.Gene.Variable().Time != 0 {
				continue
			}
			conds, ok := n.forecastFrame(inf, t, actions)
			if !ok {
				continue
			}
			if matched, _, r := inf.ForwardInference(conds); matched && (best == nil || r.Accuracy > best.Accuracy) {
				best = r
			}
		}
		if best == nil {
			return nil
		}
		out[i] = best.Variable
	}
	return out
}

// Finish closes an episode: the closing reward is attached to the last plan
// and the pending chain is merged into scene memory.
func (n *Network) Finish(reward float64) {
	n.Reward = reward
	n.policy.Finish(n, reward)
}

// instinct returns the reflex action for tick t, or the action midpoints.
func (n *Network) instinct(t int) []float64 {
	if n.reflex != nil {
		if a := n.reflex.Instinct(n, t); len(a) == len(n.actions) {
			return a
		}
	}
	out := make([]float64, len(n.actions))
	for i, idx := range n.actions {
		out[i] = n.Nodes[idx].Spec.Midpoint()
	}
	return out
}

// actionSpecs returns the action receptor specs in action order.
func (n *Network) actionSpecs() []nwse.ReceptorSpec {
	out := make([]nwse.ReceptorSpec, len(n.actions))
	for i, idx := range n.actions {
		out[i] = *n.Nodes[idx].Spec
	}
	return out
}
