package nwse

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Structural errors reported by Validate and Mutate.
var (
	ErrDanglingReference = errors.New("dangling gene reference")
	ErrCycle             = errors.New("genome graph has a cycle")
	ErrBadDimensions     = errors.New("invalid inference dimensions")
	ErrMutationExhausted = errors.New("mutation attempts exhausted")
)

// GeneBundle is an inference gene together with every gene it reads from,
// directly or through handlers. Upstream is ordered so that each gene follows
// the genes it reads.
type GeneBundle struct {
	Gene     *Gene
	Upstream []*Gene
}

// Genome is the structural encoding of one individual.
type Genome struct {
	ID         int
	Generation int
	Receptors  []*Gene
	Handlers   []*Gene
	Inferences []*Gene
	Effectors  []*Gene

	// Validity ledger: names of own inference genes already reported.
	Valid   map[string]bool
	Invalid map[string]bool

	// Drift pools filled by GeneDrift and consulted by Mutate.
	Suppressed map[string]bool
	Reinforced map[string]GeneBundle
}

// newEmptyGenome creates a genome with no genes.
func newEmptyGenome(id, generation int) *Genome {
	return &Genome{
		ID:         id,
		Generation: generation,
		Valid:      make(map[string]bool),
		Invalid:    make(map[string]bool),
		Suppressed: make(map[string]bool),
		Reinforced: make(map[string]GeneBundle),
	}
}

// NewGenome creates a random initial genome: one receptor per configured
// receptor, one effector per action receptor, then the configured number of
// random handlers and inference genes.
func NewGenome(id int, config *Config, rng *rand.Rand) (*Genome, error) {
	if len(config.Receptors) == 0 {
		return nil, fmt.Errorf("config error: no receptors configured")
	}
	g := newEmptyGenome(id, 0)
	for _, spec := range config.Receptors {
		g.Receptors = append(g.Receptors, NewReceptorGene(g.nextID(), spec, 0))
	}
	for _, r := range g.Receptors {
		if r.Group == GroupAction {
			g.Effectors = append(g.Effectors, NewEffectorGene(g.nextID(), r.ID, 0))
		}
	}
	g.RefreshNames()

	for i := 0; i < config.Genome.InitialHandlers; i++ {
		g.addHandler(config, rng)
	}
	for i := 0; i < config.Genome.InitialInferences; i++ {
		g.addRandomInference(config, rng)
	}
	g.RefreshNames()
	if err := g.Validate(config); err != nil {
		return nil, fmt.Errorf("initial genome %d: %w", id, err)
	}
	return g, nil
}

// Clone creates a deep copy of the genome, ledgers and drift pools included.
func (g *Genome) Clone() *Genome {
	c := newEmptyGenome(g.ID, g.Generation)
	cloneAll := func(genes []*Gene) []*Gene {
		out := make([]*Gene, len(genes))
		for i, gene := range genes {
			out[i] = gene.Clone()
		}
		return out
	}
	c.Receptors = cloneAll(g.Receptors)
	c.Handlers = cloneAll(g.Handlers)
	c.Inferences = cloneAll(g.Inferences)
	c.Effectors = cloneAll(g.Effectors)
	for k := range g.Valid {
		c.Valid[k] = true
	}
	for k := range g.Invalid {
		c.Invalid[k] = true
	}
	for k := range g.Suppressed {
		c.Suppressed[k] = true
	}
	for k, b := range g.Reinforced {
		c.Reinforced[k] = b
	}
	return c
}

// Genes returns every gene in materialization order: receptors, handlers,
// inferences, effectors.
func (g *Genome) Genes() []*Gene {
	out := make([]*Gene, 0, len(g.Receptors)+len(g.Handlers)+len(g.Inferences)+len(g.Effectors))
	out = append(out, g.Receptors...)
	out = append(out, g.Handlers...)
	out = append(out, g.Inferences...)
	out = append(out, g.Effectors...)
	return out
}

// Gene returns the gene with the given id, or nil.
func (g *Genome) Gene(id int) *Gene {
	for _, gene := range g.Genes() {
		if gene.ID == id {
			return gene
		}
	}
	return nil
}

// ReceptorByName returns the receptor gene for a configured receptor.
func (g *Genome) ReceptorByName(name string) *Gene {
	for _, r := range g.Receptors {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// nextID allocates a genome-local id larger than every existing one.
func (g *Genome) nextID() int {
	maxID := 0
	for _, gene := range g.Genes() {
		if gene.ID > maxID {
			maxID = gene.ID
		}
	}
	return maxID + 1
}

// String returns a short description of the genome.
func (g *Genome) String() string {
	return fmt.Sprintf("Genome(ID: %d, Generation: %d, Handlers: %d, Inferences: %d)",
		g.ID, g.Generation, len(g.Handlers), len(g.Inferences))
}

// --- Structure ---

// Validate checks that every configured receptor is present, every reference
// resolves, each action receptor has exactly one effector, inference dimensions
// are well formed and the handler graph is acyclic.
func (g *Genome) Validate(config *Config) error {
	ids := make(map[int]*Gene)
	for _, gene := range g.Genes() {
		if _, dup := ids[gene.ID]; dup {
			return fmt.Errorf("genome %d: duplicate gene id %d", g.ID, gene.ID)
		}
		ids[gene.ID] = gene
	}

	if len(g.Receptors) != len(config.Receptors) {
		return fmt.Errorf("genome %d has %d receptors, config has %d", g.ID, len(g.Receptors), len(config.Receptors))
	}
	for i, spec := range config.Receptors {
		r := g.Receptors[i]
		if r.Name != spec.Name || r.Group != spec.Group {
			return fmt.Errorf("genome %d receptor %d is '%s', expected '%s'", g.ID, i, r.Name, spec.Name)
		}
		if r.AbstractLevel < 0 || r.AbstractLevel > spec.MaxAbstraction {
			return fmt.Errorf("genome %d receptor '%s' abstraction level %d out of range", g.ID, r.Name, r.AbstractLevel)
		}
	}

	// source reports whether id can feed a handler or inference gene.
	source := func(id int) bool {
		gene, ok := ids[id]
		return ok && (gene.Kind == ReceptorKind || gene.Kind == HandlerKind)
	}
	for _, h := range g.Handlers {
		if _, err := GetHandlerFunction(h.Function); err != nil {
			return fmt.Errorf("handler gene %d: %w", h.ID, err)
		}
		if len(h.Inputs) == 0 {
			return fmt.Errorf("handler gene %d has no inputs: %w", h.ID, ErrDanglingReference)
		}
		for _, in := range h.Inputs {
			if !source(in) {
				return fmt.Errorf("handler gene %d input %d: %w", h.ID, in, ErrDanglingReference)
			}
		}
	}
	for _, inf := range g.Inferences {
		if err := inf.CheckDimensions(); err != nil {
			return err
		}
		for _, d := range inf.Dimensions {
			if !source(d.NodeID) {
				return fmt.Errorf("inference gene %d dimension %s: %w", inf.ID, d, ErrDanglingReference)
			}
		}
	}
	driven := make(map[int]int)
	for _, e := range g.Effectors {
		r, ok := ids[e.ReceptorID]
		if !ok || r.Kind != ReceptorKind || r.Group != GroupAction {
			return fmt.Errorf("effector gene %d receptor %d: %w", e.ID, e.ReceptorID, ErrDanglingReference)
		}
		driven[e.ReceptorID]++
	}
	// Every action receptor is driven by exactly one effector.
	for _, r := range g.Receptors {
		if r.Group == GroupAction && driven[r.ID] != 1 {
			return fmt.Errorf("action receptor '%s' has %d effectors: %w", r.Name, driven[r.ID], ErrDanglingReference)
		}
	}

	if _, err := g.HandlerOrder(); err != nil {
		return err
	}
	return nil
}

// HandlerOrder returns the handler genes topologically sorted (Kahn's algorithm),
// or ErrCycle when the handler graph has a cycle.
func (g *Genome) HandlerOrder() ([]*Gene, error) {
	byID := make(map[int]*Gene, len(g.Handlers))
	for _, h := range g.Handlers {
		byID[h.ID] = h
	}
	inDegree := make(map[int]int, len(g.Handlers))
	dependents := make(map[int][]int)
	for _, h := range g.Handlers {
		inDegree[h.ID] = 0
	}
	for _, h := range g.Handlers {
		for _, in := range h.Inputs {
			if _, isHandler := byID[in]; isHandler {
				inDegree[h.ID]++
				dependents[in] = append(dependents[in], h.ID)
			}
		}
	}

	// Seed the queue in genome order for a deterministic result.
	queue := []int{}
	for _, h := range g.Handlers {
		if inDegree[h.ID] == 0 {
			queue = append(queue, h.ID)
		}
	}
	order := make([]*Gene, 0, len(g.Handlers))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != len(g.Handlers) {
		return nil, fmt.Errorf("genome %d: %w", g.ID, ErrCycle)
	}
	return order, nil
}

// RefreshNames recomputes the structural name of every handler, inference and
// effector gene. Receptor names are fixed by the configuration.
func (g *Genome) RefreshNames() {
	names := make(map[int]string)
	for _, r := range g.Receptors {
		names[r.ID] = receptorShape(r)
	}
	order, err := g.HandlerOrder()
	if err != nil {
		order = g.Handlers
	}
	for _, h := range order {
		h.Name = shapeOf(h, names)
		names[h.ID] = h.Name
	}
	for _, inf := range g.Inferences {
		inf.Name = shapeOf(inf, names)
	}
	for _, e := range g.Effectors {
		e.Name = shapeOf(e, names)
	}
}

// Signature is the id-free structural fingerprint of the genome.
func (g *Genome) Signature() string {
	parts := make([]string, 0, len(g.Receptors)+len(g.Handlers)+len(g.Inferences))
	for _, r := range g.Receptors {
		parts = append(parts, "r:"+receptorShape(r))
	}
	hs := make([]string, 0, len(g.Handlers))
	for _, h := range g.Handlers {
		hs = append(hs, "h:"+h.Name)
	}
	sort.Strings(hs)
	is := make([]string, 0, len(g.Inferences))
	for _, inf := range g.Inferences {
		is = append(is, "i:"+inf.Name)
	}
	sort.Strings(is)
	parts = append(parts, hs...)
	parts = append(parts, is...)
	return strings.Join(parts, "|")
}

// Equiv reports whether two genomes are structurally identical up to gene ids.
func (g *Genome) Equiv(other *Genome) bool {
	return other != nil && g.Signature() == other.Signature()
}

// UpstreamGenes returns every gene that id reads from, directly or through
// handlers, with each gene placed after the genes it reads.
func (g *Genome) UpstreamGenes(id int) []*Gene {
	gene := g.Gene(id)
	if gene == nil {
		return nil
	}
	visited := make(map[int]bool)
	var out []*Gene
	var visit func(*Gene)
	visit = func(cur *Gene) {
		for _, up := range cur.Upstream() {
			if visited[up] {
				continue
			}
			visited[up] = true
			if upGene := g.Gene(up); upGene != nil {
				visit(upGene)
				out = append(out, upGene)
			}
		}
	}
	visit(gene)
	return out
}

// Bundle clones an inference gene together with its upstream genes.
func (g *Genome) Bundle(id int) (GeneBundle, bool) {
	gene := g.Gene(id)
	if gene == nil || gene.Kind != InferenceKind {
		return GeneBundle{}, false
	}
	b := GeneBundle{Gene: gene.Clone()}
	for _, up := range g.UpstreamGenes(id) {
		b.Upstream = append(b.Upstream, up.Clone())
	}
	return b, true
}

// --- Validity ledger and gene drift ---

// IsValidGene reports whether the named gene was already reported valid.
func (g *Genome) IsValidGene(name string) bool { return g.Valid[name] }

// IsInvalidGene reports whether the named gene was already reported invalid.
func (g *Genome) IsInvalidGene(name string) bool { return g.Invalid[name] }

// MarkValid records the named gene as reported valid.
func (g *Genome) MarkValid(name string) { g.Valid[name] = true }

// MarkInvalid records the named gene as reported invalid.
func (g *Genome) MarkInvalid(name string) { g.Invalid[name] = true }

// GeneDrift biases future mutations of this genome: shapes of invalid genes are
// suppressed, valid genes are kept for preferential import. A suppressed shape
// is never reinforced.
func (g *Genome) GeneDrift(invalid, valid []GeneBundle) {
	for _, b := range invalid {
		g.Suppressed[b.Gene.Name] = true
		delete(g.Reinforced, b.Gene.Name)
	}
	for _, b := range valid {
		if g.Suppressed[b.Gene.Name] {
			continue
		}
		if _, ok := g.Reinforced[b.Gene.Name]; !ok {
			g.Reinforced[b.Gene.Name] = b
		}
	}
}

// hasInference reports whether an inference gene with the given name exists.
func (g *Genome) hasInference(name string) bool {
	for _, inf := range g.Inferences {
		if inf.Name == name {
			return true
		}
	}
	return false
}
