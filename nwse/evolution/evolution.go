// Package evolution runs the generational loop of an NWSE population: gene
// validity detection and drift along the lineage tree, reliability culling,
// fitness-proportional reproduction and the outer evaluation session.
package evolution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/baldhumanity/nwse-go/nwse"
	"github.com/baldhumanity/nwse-go/nwse/network"
)

// zeroFitness replaces a fitness of zero so that an all-zero population still
// shares its reproduction quota.
const zeroFitness = 1e-6

// NetworkFactory materializes a genome as a population member.
type NetworkFactory func(g *nwse.Genome) (*network.Network, error)

// Evolution advances a population by one generation per Execute call.
type Evolution struct {
	Config       *nwse.Config
	Tree         *Tree
	Gate         *PauseGate
	Listener     Listener
	Metrics      *Metrics
	NextGenomeID int // Id given to the next offspring

	factory NetworkFactory
	rng     *rand.Rand
	logger  *zap.Logger
}

// NewEvolution creates the generational loop. Listener, Metrics and Gate may be
// replaced before the first Execute.
func NewEvolution(config *nwse.Config, tree *Tree, factory NetworkFactory, rng *rand.Rand, logger *zap.Logger) *Evolution {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evolution{
		Config:       config,
		Tree:         tree,
		Gate:         &PauseGate{},
		Listener:     nopListener{},
		Metrics:      NewMetrics(nil),
		NextGenomeID: 1,
		factory:      factory,
		rng:          rng,
		logger:       logger,
	}
}

// Execute runs one generation over the evaluated individuals and returns the
// next population: survivors followed by their offspring.
//
//  1. detect newly invalid and newly valid inference genes of each individual;
//  2. drift them into the individual and its live lineage neighbours;
//  3. cull the least reliable individuals, never below the minimum capacity;
//  4. allocate fitness-proportional quotas, never above the maximum capacity;
//  5. breed offspring unique in the population, pausing between offspring.
func (e *Evolution) Execute(ctx context.Context, inds []*network.Network, generation int) ([]*network.Network, error) {
	cfg := e.Config.Evolution
	alive := make(map[int]bool, len(inds))
	for _, ind := range inds {
		alive[ind.Genome.ID] = true
		if ind.Genome.ID >= e.NextGenomeID {
			e.NextGenomeID = ind.Genome.ID + 1
		}
	}

	// 1-2. Validity and drift. Individuals are processed in order; later ones
	// see ledgers already updated by earlier drift.
	for _, ind := range inds {
		invalid, valid := e.detect(ind, generation)
		if len(invalid) == 0 && len(valid) == 0 {
			continue
		}
		ind.Genome.GeneDrift(invalid, valid)
		node := e.Tree.Search(ind.Genome.ID)
		if node == nil {
			continue
		}
		for _, nb := range e.Tree.NearestNodes(node, cfg.DriftDistance) {
			if alive[nb.GenomeID()] {
				nb.Network.Genome.GeneDrift(invalid, valid)
			}
		}
	}

	// 3. Cull
	survivors := e.Cull(inds)
	if culled := len(inds) - len(survivors); culled > 0 {
		e.Metrics.Culled.Add(float64(culled))
		e.logger.Info("culled unreliable individuals",
			zap.Int("generation", generation), zap.Int("culled", culled), zap.Int("survivors", len(survivors)))
	}

	// 4. Quotas
	fitness := make([]float64, len(survivors))
	for i, ind := range survivors {
		fitness[i] = ind.Fitness
		if ind.Fitness < 0 {
			e.logger.Warn("negative fitness counts as negligible for reproduction",
				zap.Int("genome", ind.Genome.ID), zap.Float64("fitness", ind.Fitness))
		}
	}
	quotas := ComputeQuotas(fitness, cfg.PropagateBaseCount, cfg.MaxPopulationCapacity-len(survivors))

	// 5. Offspring
	signatures := make(map[string]bool, len(survivors))
	for _, ind := range survivors {
		signatures[ind.Genome.Signature()] = true
	}
	var offspring []*network.Network
	for i, parent := range survivors {
		for k := 0; k < quotas[i]; k++ {
			if err := e.Gate.Wait(ctx); err != nil {
				return append(survivors, offspring...), fmt.Errorf("generation %d interrupted: %w", generation, err)
			}
			child := e.reproduce(parent, generation+1, signatures)
			if child == nil {
				continue
			}
			parentNode := e.Tree.Search(parent.Genome.ID)
			if parentNode == nil {
				parentNode = e.Tree.Plant(parent)
			}
			e.Tree.Grow(parentNode, child)
			offspring = append(offspring, child)
		}
	}
	e.Metrics.Offspring.Add(float64(len(offspring)))

	population := append(survivors, offspring...)
	e.Metrics.Population.Set(float64(len(population)))
	e.Metrics.TreeDepth.Set(float64(e.Tree.Depth()))
	e.logger.Info("generation finished",
		zap.Int("generation", generation), zap.Int("offspring", len(offspring)), zap.Int("population", len(population)))
	e.Listener.OnEvent(Event{Kind: GenerationEnd, Generation: generation, Population: len(population)})
	return population, nil
}

// detect reports the inference genes of ind that became invalid or valid and
// records them in its ledger. Valid genes are bundled with their upstream genes.
func (e *Evolution) detect(ind *network.Network, generation int) (invalid, valid []nwse.GeneBundle) {
	cfg := e.Config.Evolution
	g := ind.Genome
	for _, node := range ind.Inferences() {
		rel := node.Inference.Reliability()
		name := node.Gene.Name
		switch {
		case isInvalid(rel, cfg.GeneReliabilityLow) && !g.IsInvalidGene(name):
			if b, ok := g.Bundle(node.ID); ok {
				invalid = append(invalid, b)
			}
			g.MarkInvalid(name)
			e.Metrics.GeneEvents.WithLabelValues("invalid").Inc()
			e.Listener.OnEvent(Event{Kind: GeneInvalid, Generation: generation, Network: ind, Gene: node.Gene})
		case isValid(rel, cfg.GeneReliabilityHigh) && !g.IsValidGene(name):
			if b, ok := g.Bundle(node.ID); ok {
				valid = append(valid, b)
			}
			g.MarkValid(name)
			e.Metrics.GeneEvents.WithLabelValues("valid").Inc()
			e.Listener.OnEvent(Event{Kind: GeneValid, Generation: generation, Network: ind, Gene: node.Gene})
		}
	}
	return invalid, valid
}

// isInvalid reports a tested gene whose reliability is strictly below low.
// Zero is the untested starting accuracy and never counts.
func isInvalid(reliability, low float64) bool {
	return !math.IsNaN(reliability) && reliability != 0 && reliability < low
}

// isValid reports a gene whose reliability is strictly above high.
func isValid(reliability, high float64) bool {
	return !math.IsNaN(reliability) && reliability > high
}

// CullCount is the number of individuals to drop from a population of n:
// int(1+(n-1)*fraction), limited so at least minCapacity remain. Populations
// smaller than minCapacity are not culled.
func CullCount(n, minCapacity int, fraction float64) int {
	if n == 0 || n < minCapacity {
		return 0
	}
	q := int(1 + float64(n-1)*fraction)
	if room := n - minCapacity; q > room {
		q = room
	}
	if q < 0 {
		q = 0
	}
	return q
}

// Cull drops the least reliable individuals; individuals without any
// reliability (NaN) rank lowest. Survivors keep their order.
func (e *Evolution) Cull(inds []*network.Network) []*network.Network {
	cfg := e.Config.Evolution
	drop := CullCount(len(inds), cfg.MinPopulationCapacity, cfg.ReliabilityLowFraction)
	if drop == 0 {
		return append([]*network.Network(nil), inds...)
	}
	rel := make([]float64, len(inds))
	for i, ind := range inds {
		rel[i] = ind.Reliability()
	}
	dropped := make(map[int]bool, drop)
	for _, i := range nwse.Argsort(rel)[:drop] {
		dropped[i] = true
	}
	survivors := make([]*network.Network, 0, len(inds)-drop)
	for i, ind := range inds {
		if !dropped[i] {
			survivors = append(survivors, ind)
		}
	}
	return survivors
}

// ComputeQuotas allocates reproduction slots. Each individual gets
// floor(share × n × baseCount) where share is its fraction of the total
// fitness; non-positive fitness counts as a negligible positive value and NaN
// fitness gets nothing. Slots are granted in descending share order and the
// running total is capped at room.
func ComputeQuotas(fitness []float64, baseCount, room int) []int {
	n := len(fitness)
	quotas := make([]int, n)
	if n == 0 || room <= 0 {
		return quotas
	}
	adjusted := make([]float64, n)
	total := 0.0
	for i, f := range fitness {
		if math.IsNaN(f) {
			adjusted[i] = math.NaN()
			continue
		}
		if f <= 0 {
			f = zeroFitness
		}
		adjusted[i] = f
		total += f
	}
	if total <= 0 {
		return quotas
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa, fb := adjusted[order[a]], adjusted[order[b]]
		if math.IsNaN(fb) {
			return !math.IsNaN(fa)
		}
		return !math.IsNaN(fa) && fa > fb
	})

	base := float64(n * baseCount)
	allocated := 0
	for _, i := range order {
		if math.IsNaN(adjusted[i]) || allocated >= room {
			break
		}
		q := int(math.Floor(adjusted[i] / total * base))
		if allocated+q > room {
			q = room - allocated
		}
		quotas[i] = q
		allocated += q
	}
	return quotas
}

// reproduce mutates parent until the offspring is unique in the population,
// bounded by MutationRetryLimit. Returns nil when the slot is skipped.
func (e *Evolution) reproduce(parent *network.Network, generation int, signatures map[string]bool) *network.Network {
	limit := e.Config.Evolution.MutationRetryLimit
	for attempt := 0; attempt < limit; attempt++ {
		child, err := parent.Genome.Mutate(e.NextGenomeID, generation, e.Config, e.rng)
		if err != nil {
			continue
		}
		sig := child.Signature()
		if signatures[sig] {
			continue
		}
		net, err := e.factory(child)
		if err != nil {
			e.logger.Warn("offspring could not be materialized",
				zap.Int("parent", parent.Genome.ID), zap.Error(err))
			continue
		}
		e.NextGenomeID++
		signatures[sig] = true
		return net
	}
	e.Metrics.ExhaustedSlots.Inc()
	e.logger.Warn("reproduction slot skipped",
		zap.Int("parent", parent.Genome.ID), zap.Int("attempts", limit), zap.Error(nwse.ErrMutationExhausted))
	return nil
}
