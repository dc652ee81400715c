package nwse

import (
	"fmt"
	"math/rand"
	"sort"
)

// Mutate produces a structurally distinct offspring. The parent is cloned, its
// ledgers and drift pools included, and structural operators are applied until
// the clone is valid and no longer equivalent to the parent. Gives up with
// ErrMutationExhausted after config.Genome.MutationAttempts tries.
func (g *Genome) Mutate(id, generation int, config *Config, rng *rand.Rand) (*Genome, error) {
	for attempt := 0; attempt < config.Genome.MutationAttempts; attempt++ {
		child := g.Clone()
		child.ID = id
		child.Generation = generation
		// A fresh individual reports its own genes again.
		child.Valid = make(map[string]bool)
		child.Invalid = make(map[string]bool)

		if !child.mutateOnce(config, rng) {
			continue
		}
		if err := child.Validate(config); err != nil {
			continue
		}
		if !child.Equiv(g) {
			return child, nil
		}
	}
	return nil, fmt.Errorf("genome %d after %d attempts: %w", g.ID, config.Genome.MutationAttempts, ErrMutationExhausted)
}

// mutateOnce applies each operator with its configured probability. If none
// fires, operators are tried in random order until one applies.
func (g *Genome) mutateOnce(config *Config, rng *rand.Rand) bool {
	gc := config.Genome
	ops := []struct {
		prob float64
		fn   func() bool
	}{
		{gc.AddHandlerProb, func() bool { return g.addHandler(config, rng) }},
		{gc.RemoveHandlerProb, func() bool { return g.removeHandler(rng) }},
		{gc.AddInferenceProb, func() bool { return g.addInference(config, rng) }},
		{gc.RemoveInferenceProb, func() bool { return g.removeInference(rng) }},
		{gc.RewireProb, func() bool { return g.rewire(rng) }},
		{gc.AbstractionMutateProb, func() bool { return g.mutateAbstraction(config, rng) }},
	}

	applied := false
	for _, op := range ops {
		if rng.Float64() < op.prob && op.fn() {
			applied = true
			g.RefreshNames()
		}
	}
	if !applied {
		for _, i := range rng.Perm(len(ops)) {
			if ops[i].fn() {
				applied = true
				break
			}
		}
	}
	g.RefreshNames()
	return applied
}

// featureSources lists the genes that may feed handlers and serve as variables:
// non-action receptors and handlers.
func (g *Genome) featureSources() []*Gene {
	var out []*Gene
	for _, r := range g.Receptors {
		if r.Group != GroupAction {
			out = append(out, r)
		}
	}
	return append(out, g.Handlers...)
}

// actionReceptors lists the action receptor genes.
func (g *Genome) actionReceptors() []*Gene {
	var out []*Gene
	for _, r := range g.Receptors {
		if r.Group == GroupAction {
			out = append(out, r)
		}
	}
	return out
}

// nameMap maps receptor and handler ids to their structural names.
func (g *Genome) nameMap() map[int]string {
	names := make(map[int]string, len(g.Receptors)+len(g.Handlers))
	for _, r := range g.Receptors {
		names[r.ID] = receptorShape(r)
	}
	for _, h := range g.Handlers {
		names[h.ID] = h.Name
	}
	return names
}

// --- Operators ---

// addHandler connects a new handler to one or two random feature sources.
func (g *Genome) addHandler(config *Config, rng *rand.Rand) bool {
	sources := g.featureSources()
	if len(sources) == 0 || len(config.Genome.HandlerFunctions) == 0 {
		return false
	}
	fn := config.Genome.HandlerFunctions[rng.Intn(len(config.Genome.HandlerFunctions))]
	n := 2
	if len(sources) < n {
		n = len(sources)
	}
	inputs := make([]int, 0, n)
	for _, i := range rng.Perm(len(sources))[:n] {
		inputs = append(inputs, sources[i].ID)
	}
	h := NewHandlerGene(g.nextID(), fn, inputs, g.Generation)
	h.Name = shapeOf(h, g.nameMap())
	for _, existing := range g.Handlers {
		if existing.Name == h.Name {
			return false
		}
	}
	g.Handlers = append(g.Handlers, h)
	return true
}

// removeHandler drops a handler that nothing reads.
func (g *Genome) removeHandler(rng *rand.Rand) bool {
	used := make(map[int]bool)
	for _, gene := range g.Genes() {
		for _, up := range gene.Upstream() {
			used[up] = true
		}
	}
	var candidates []int
	for i, h := range g.Handlers {
		if !used[h.ID] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	idx := candidates[rng.Intn(len(candidates))]
	g.Handlers = append(g.Handlers[:idx:idx], g.Handlers[idx+1:]...)
	return true
}

// addInference imports a reinforced gene when drift asks for it, otherwise
// builds a random one.
func (g *Genome) addInference(config *Config, rng *rand.Rand) bool {
	if len(g.Reinforced) > 0 && rng.Float64() < config.Genome.DriftReinforceProb {
		if g.importReinforced(rng) {
			return true
		}
	}
	return g.addRandomInference(config, rng)
}

// addRandomInference predicts a random feature at lag 0 from its own previous
// value, up to MaxExtraConditions other features and one action.
func (g *Genome) addRandomInference(config *Config, rng *rand.Rand) bool {
	sources := g.featureSources()
	if len(sources) == 0 {
		return false
	}
	v := sources[rng.Intn(len(sources))]
	dims := []Dimension{{NodeID: v.ID, Time: 0}, {NodeID: v.ID, Time: 1}}
	seen := map[Dimension]bool{dims[0]: true, dims[1]: true}
	extra := rng.Intn(config.Genome.MaxExtraConditions + 1)
	for i := 0; i < extra; i++ {
		d := Dimension{
			NodeID: sources[rng.Intn(len(sources))].ID,
			Time:   1 + rng.Intn(config.Genome.MaxLag),
		}
		if !seen[d] {
			seen[d] = true
			dims = append(dims, d)
		}
	}
	if actions := g.actionReceptors(); len(actions) > 0 {
		dims = append(dims, Dimension{NodeID: actions[rng.Intn(len(actions))].ID, Time: 1})
	}

	gene := NewInferenceGene(g.nextID(), dims, g.Generation)
	gene.Name = shapeOf(gene, g.nameMap())
	if g.Suppressed[gene.Name] || g.hasInference(gene.Name) {
		return false
	}
	g.Inferences = append(g.Inferences, gene)
	return true
}

// importReinforced copies one reinforced bundle into the genome, reusing
// structurally identical handlers and mapping receptors by name.
func (g *Genome) importReinforced(rng *rand.Rand) bool {
	var keys []string
	for name := range g.Reinforced {
		if !g.Suppressed[name] && !g.hasInference(name) {
			keys = append(keys, name)
		}
	}
	if len(keys) == 0 {
		return false
	}
	sort.Strings(keys)
	b := g.Reinforced[keys[rng.Intn(len(keys))]]

	names := g.nameMap()
	idMap := make(map[int]int)
	nextID := g.nextID()
	var added []*Gene
	remap := func(id int) (int, bool) {
		to, ok := idMap[id]
		return to, ok
	}

	for _, up := range b.Upstream {
		switch up.Kind {
		case ReceptorKind:
			r := g.ReceptorByName(up.Name)
			if r == nil {
				return false
			}
			idMap[up.ID] = r.ID
		case HandlerKind:
			h := up.Clone()
			for i, in := range h.Inputs {
				to, ok := remap(in)
				if !ok {
					return false
				}
				h.Inputs[i] = to
			}
			h.Name = shapeOf(h, names)
			reused := false
			for _, existing := range append(g.Handlers, added...) {
				if existing.Name == h.Name {
					idMap[up.ID] = existing.ID
					reused = true
					break
				}
			}
			if !reused {
				h.ID = nextID
				h.Generation = g.Generation
				nextID++
				idMap[up.ID] = h.ID
				names[h.ID] = h.Name
				added = append(added, h)
			}
		default:
			return false
		}
	}

	inf := b.Gene.Clone()
	for i, d := range inf.Dimensions {
		to, ok := remap(d.NodeID)
		if !ok {
			return false
		}
		inf.Dimensions[i].NodeID = to
	}
	inf.SortDimensions()
	if inf.CheckDimensions() != nil {
		return false
	}
	inf.ID = nextID
	inf.Generation = g.Generation
	inf.Name = shapeOf(inf, names)
	if g.Suppressed[inf.Name] || g.hasInference(inf.Name) {
		return false
	}
	g.Handlers = append(g.Handlers, added...)
	g.Inferences = append(g.Inferences, inf)
	return true
}

// removeInference drops a suppressed inference gene if there is one, otherwise a random one.
func (g *Genome) removeInference(rng *rand.Rand) bool {
	if len(g.Inferences) == 0 {
		return false
	}
	var suppressed []int
	for i, inf := range g.Inferences {
		if g.Suppressed[inf.Name] {
			suppressed = append(suppressed, i)
		}
	}
	idx := rng.Intn(len(g.Inferences))
	if len(suppressed) > 0 {
		idx = suppressed[rng.Intn(len(suppressed))]
	}
	g.Inferences = append(g.Inferences[:idx:idx], g.Inferences[idx+1:]...)
	return true
}

// rewire replaces one input of a handler or one condition of an inference gene.
func (g *Genome) rewire(rng *rand.Rand) bool {
	total := len(g.Handlers) + len(g.Inferences)
	if total == 0 {
		return false
	}
	pick := rng.Intn(total)
	if pick < len(g.Handlers) {
		return g.rewireHandler(pick, rng)
	}
	return g.rewireInference(pick-len(g.Handlers), rng)
}

func (g *Genome) rewireHandler(idx int, rng *rand.Rand) bool {
	h := g.Handlers[idx]

	// Handlers downstream of h may not feed it.
	downstream := map[int]bool{h.ID: true}
	for changed := true; changed; {
		changed = false
		for _, other := range g.Handlers {
			if downstream[other.ID] {
				continue
			}
			for _, in := range other.Inputs {
				if downstream[in] {
					downstream[other.ID] = true
					changed = true
					break
				}
			}
		}
	}
	current := make(map[int]bool)
	for _, in := range h.Inputs {
		current[in] = true
	}
	var candidates []int
	for _, s := range g.featureSources() {
		if !downstream[s.ID] && !current[s.ID] {
			candidates = append(candidates, s.ID)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	c := h.Clone()
	c.Generation = g.Generation
	c.Inputs[rng.Intn(len(c.Inputs))] = candidates[rng.Intn(len(candidates))]
	g.Handlers[idx] = c
	return true
}

func (g *Genome) rewireInference(idx int, rng *rand.Rand) bool {
	inf := g.Inferences[idx]
	if len(inf.Dimensions) < 2 {
		return false
	}
	pos := 1 + rng.Intn(len(inf.Dimensions)-1)
	old := inf.Dimensions[pos]

	pool := g.featureSources()
	if r := g.Gene(old.NodeID); r != nil && r.Kind == ReceptorKind && r.Group == GroupAction {
		pool = g.actionReceptors()
	}
	present := make(map[Dimension]bool)
	for _, d := range inf.Dimensions {
		present[d] = true
	}
	var candidates []int
	for _, s := range pool {
		if !present[Dimension{NodeID: s.ID, Time: old.Time}] {
			candidates = append(candidates, s.ID)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	c := inf.Clone()
	c.Generation = g.Generation
	c.Dimensions[pos].NodeID = candidates[rng.Intn(len(candidates))]
	c.SortDimensions()
	if c.CheckDimensions() != nil {
		return false
	}
	c.Name = shapeOf(c, g.nameMap())
	if g.Suppressed[c.Name] || g.hasInference(c.Name) {
		return false
	}
	g.Inferences[idx] = c
	return true
}

// mutateAbstraction changes the abstraction level of one observation receptor.
func (g *Genome) mutateAbstraction(config *Config, rng *rand.Rand) bool {
	var candidates []int
	for i, r := range g.Receptors {
		if r.Group == GroupAction {
			continue
		}
		if spec, ok := config.ReceptorSpec(r.Name); ok && spec.MaxAbstraction > 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	idx := candidates[rng.Intn(len(candidates))]
	r := g.Receptors[idx]
	spec, _ := config.ReceptorSpec(r.Name)
	level := rng.Intn(spec.MaxAbstraction)
	if level >= r.AbstractLevel {
		level++
	}
	c := r.Clone()
	c.AbstractLevel = level
	c.Generation = g.Generation
	g.Receptors[idx] = c
	return true
}
