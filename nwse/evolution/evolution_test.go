package evolution

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldhumanity/nwse-go/nwse"
	"github.com/baldhumanity/nwse-go/nwse/network"
)

// Gene ids of testGenome.
const (
	idX = iota + 1
	idTurn
	idEffector
	idInference
)

func testConfig(t *testing.T) *nwse.Config {
	t.Helper()
	c := nwse.DefaultConfig()
	c.Receptors = []nwse.ReceptorSpec{
		{Name: "x", Group: nwse.GroupEnv, Min: 0, Max: 10, Tolerance: 0.5, SampleCount: 10},
		{Name: "turn", Group: nwse.GroupAction, Min: -1.5, Max: 1.5, Tolerance: 0.1, SampleCount: 3},
	}
	c.Evolution.MinPopulationCapacity = 2
	c.Evolution.MaxPopulationCapacity = 8
	c.Evolution.PropagateBaseCount = 2
	require.NoError(t, c.Prepare())
	return c
}

// testGenome builds a genome predicting x from its previous value and the
// previous turn.
func testGenome(t *testing.T, c *nwse.Config, id int) *nwse.Genome {
	t.Helper()
	g := &nwse.Genome{
		ID:         id,
		Valid:      map[string]bool{},
		Invalid:    map[string]bool{},
		Suppressed: map[string]bool{},
		Reinforced: map[string]nwse.GeneBundle{},
	}
	for i, spec := range c.Receptors {
		g.Receptors = append(g.Receptors, nwse.NewReceptorGene(i+1, spec, 0))
	}
	g.Effectors = []*nwse.Gene{nwse.NewEffectorGene(idEffector, idTurn, 0)}
	g.Inferences = []*nwse.Gene{nwse.NewInferenceGene(idInference,
		[]nwse.Dimension{{NodeID: idX, Time: 0}, {NodeID: idX, Time: 1}, {NodeID: idTurn, Time: 1}}, 0)}
	g.RefreshNames()
	require.NoError(t, g.Validate(c))
	return g
}

func testFactory(c *nwse.Config) NetworkFactory {
	return func(g *nwse.Genome) (*network.Network, error) {
		return network.New(g, c, rand.New(rand.NewSource(int64(g.ID))), nil)
	}
}

// withAccuracy gives the network's inference node one record of the given accuracy.
func withAccuracy(net *network.Network, accuracy float64) {
	net.Inferences()[0].Inference.Records = []*network.Record{{Accuracy: accuracy, Evaluation: math.NaN()}}
}

// founders plants one network per fitness value, ids starting at 1.
func founders(t *testing.T, c *nwse.Config, tree *Tree, fitness ...float64) []*network.Network {
	t.Helper()
	var nets []*network.Network
	for i, f := range fitness {
		net, err := testFactory(c)(testGenome(t, c, i+1))
		require.NoError(t, err)
		net.Fitness = f
		tree.Plant(net)
		nets = append(nets, net)
	}
	return nets
}

func TestComputeQuotas(t *testing.T) {
	tests := []struct {
		name    string
		fitness []float64
		base    int
		room    int
		want    []int
	}{
		{"single fit individual takes the room", []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 10}, 2, 5, []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 5}},
		{"NaN fitness gets nothing", []float64{math.NaN(), 1, 1}, 1, 10, []int{0, 1, 1}},
		{"equal shares", []float64{2, 2}, 2, 10, []int{2, 2}},
		{"negative fitness is negligible", []float64{-1, 1}, 1, 10, []int{0, 1}},
		{"no room", []float64{1, 1}, 2, 0, []int{0, 0}},
		{"empty population", nil, 2, 5, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeQuotas(tt.fitness, tt.base, tt.room)
			assert.Equal(t, tt.want, got)
			total := 0
			for _, q := range got {
				total += q
			}
			assert.LessOrEqual(t, total, max(tt.room, 0))
		})
	}
}

func TestCullCount(t *testing.T) {
	tests := []struct {
		n, min   int
		fraction float64
		want     int
	}{
		{10, 5, 0.2, 2},
		{6, 5, 0.5, 1},
		{5, 5, 0.2, 0},
		{4, 5, 0.5, 0},
		{0, 0, 0.5, 0},
		{3, 0, 0, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CullCount(tt.n, tt.min, tt.fraction), "CullCount(%d, %d, %v)", tt.n, tt.min, tt.fraction)
	}
}

func TestValidityThresholdsAreStrict(t *testing.T) {
	assert.False(t, isInvalid(-0.2, -0.2))
	assert.True(t, isInvalid(-0.21, -0.2))
	assert.False(t, isInvalid(0, 0.1), "untested genes are never invalid")
	assert.False(t, isInvalid(math.NaN(), -0.2))

	assert.False(t, isValid(0.6, 0.6))
	assert.True(t, isValid(0.61, 0.6))
	assert.False(t, isValid(math.NaN(), 0.6))
}

func TestNearestNodes(t *testing.T) {
	c := testConfig(t)
	tree := NewTree()
	nets := founders(t, c, tree, 0, 0)
	a := tree.Search(1)
	childNet, err := testFactory(c)(testGenome(t, c, 3))
	require.NoError(t, err)
	child := tree.Grow(a, childNet)
	grandNet, err := testFactory(c)(testGenome(t, c, 4))
	require.NoError(t, err)
	tree.Grow(child, grandNet)

	ids := func(nodes []*TreeNode) []int {
		out := make([]int, len(nodes))
		for i, n := range nodes {
			out[i] = n.GenomeID()
		}
		return out
	}
	assert.Equal(t, []int{1, 4}, ids(tree.NearestNodes(child, 2)))
	assert.Equal(t, []int{3, 2, 4}, ids(tree.NearestNodes(a, 2)))
	assert.Equal(t, []int{3}, ids(tree.NearestNodes(a, 1)))
	assert.Empty(t, tree.NearestNodes(a, 0))

	assert.Equal(t, 3, tree.Depth())
	assert.Equal(t, 4, tree.Count())
	assert.Same(t, nets[1], tree.Search(2).Network)
	assert.Nil(t, tree.Search(99))
	assert.Zero(t, tree.Root.GenomeID())
}

func TestExecuteCullsAndBreeds(t *testing.T) {
	c := testConfig(t)
	tree := NewTree()
	pop := founders(t, c, tree, 5, 1, 2, 3)
	// The first individual has no records and ranks lowest.
	for _, net := range pop[1:] {
		withAccuracy(net, 0.3)
	}

	evo := NewEvolution(c, tree, testFactory(c), rand.New(rand.NewSource(7)), nil)
	var ends []Event
	evo.Listener = ListenerFunc(func(e Event) {
		if e.Kind == GenerationEnd {
			ends = append(ends, e)
		}
	})

	next, err := evo.Execute(context.Background(), pop, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(next), 4)
	require.LessOrEqual(t, len(next), c.Evolution.MaxPopulationCapacity)

	for i, want := range []int{2, 3, 4} {
		assert.Equal(t, want, next[i].Genome.ID, "survivors keep their order")
	}
	// Survivors share one structure; every offspring differs from it and from each other.
	signatures := map[string]bool{next[0].Genome.Signature(): true}
	for _, net := range next[3:] {
		sig := net.Genome.Signature()
		assert.False(t, signatures[sig], "genome %d duplicates another member", net.Genome.ID)
		signatures[sig] = true
	}
	for _, child := range next[3:] {
		assert.Equal(t, 1, child.Genome.Generation)
		assert.Greater(t, child.Genome.ID, 4)
		node := tree.Search(child.Genome.ID)
		require.NotNil(t, node)
		assert.Contains(t, []int{2, 3, 4}, node.Parent.GenomeID())
		assert.True(t, math.IsNaN(child.Fitness))
	}

	assert.Equal(t, len(next)-3, int(testutil.ToFloat64(evo.Metrics.Offspring)))
	assert.Equal(t, 1.0, testutil.ToFloat64(evo.Metrics.Culled))
	assert.Equal(t, float64(len(next)), testutil.ToFloat64(evo.Metrics.Population))
	require.Len(t, ends, 1)
	assert.Equal(t, len(next), ends[0].Population)
	assert.Greater(t, evo.NextGenomeID, 4)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	c := testConfig(t)
	tree := NewTree()
	pop := founders(t, c, tree, 1, 1, 1)
	for _, net := range pop {
		withAccuracy(net, 0.3)
	}
	evo := NewEvolution(c, tree, testFactory(c), rand.New(rand.NewSource(1)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next, err := evo.Execute(ctx, pop, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, next, 2, "the partial population holds the survivors")
}

func TestExecuteDriftsGenesToRelatives(t *testing.T) {
	t.Run("valid genes are reinforced", func(t *testing.T) {
		c := testConfig(t)
		tree := NewTree()
		pop := founders(t, c, tree, 1, 1)
		c.Evolution.MaxPopulationCapacity = 2
		withAccuracy(pop[0], 0.9)
		withAccuracy(pop[1], 0.1)

		evo := NewEvolution(c, tree, testFactory(c), rand.New(rand.NewSource(1)), nil)
		var events []Event
		evo.Listener = ListenerFunc(func(e Event) { events = append(events, e) })

		next, err := evo.Execute(context.Background(), pop, 3)
		require.NoError(t, err)
		require.Len(t, next, 2)

		name := pop[0].Inferences()[0].Gene.Name
		assert.True(t, pop[0].Genome.IsValidGene(name))
		assert.Contains(t, pop[0].Genome.Reinforced, name)
		assert.Contains(t, pop[1].Genome.Reinforced, name, "founders share the virtual root")
		assert.False(t, pop[1].Genome.IsValidGene(name), "the ledger is per individual")

		require.NotEmpty(t, events)
		assert.Equal(t, GeneValid, events[0].Kind)
		assert.Equal(t, 3, events[0].Generation)
		assert.Same(t, pop[0], events[0].Network)
		assert.Equal(t, 1.0, testutil.ToFloat64(evo.Metrics.GeneEvents.WithLabelValues("valid")))

		// A gene is reported once.
		_, err = evo.Execute(context.Background(), next, 4)
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(evo.Metrics.GeneEvents.WithLabelValues("valid")))
	})

	t.Run("invalid genes are suppressed", func(t *testing.T) {
		c := testConfig(t)
		c.Evolution.DriftDistance = 1
		tree := NewTree()
		pop := founders(t, c, tree, 1, 1)
		c.Evolution.MaxPopulationCapacity = 3
		childNet, err := testFactory(c)(testGenome(t, c, 3))
		require.NoError(t, err)
		childNet.Fitness = 1
		tree.Grow(tree.Search(1), childNet)
		pop = append(pop, childNet)
		withAccuracy(pop[0], -0.5)
		withAccuracy(pop[1], 0.1)
		withAccuracy(pop[2], 0.1)

		evo := NewEvolution(c, tree, testFactory(c), rand.New(rand.NewSource(1)), nil)
		_, err = evo.Execute(context.Background(), pop, 0)
		require.NoError(t, err)

		name := pop[0].Inferences()[0].Gene.Name
		assert.True(t, pop[0].Genome.IsInvalidGene(name))
		assert.True(t, pop[0].Genome.Suppressed[name])
		assert.True(t, pop[2].Genome.Suppressed[name], "the child is one edge away")
		assert.False(t, pop[1].Genome.Suppressed[name], "the other founder is two edges away")
	})
}
