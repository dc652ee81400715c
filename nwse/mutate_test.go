package nwse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutateProducesDistinctValidOffspring(t *testing.T) {
	c := testConfig(t)
	rng := rand.New(rand.NewSource(3))
	parent, err := NewGenome(1, c, rng)
	require.NoError(t, err)
	parent.MarkValid("anything")
	before := parent.Signature()

	for i := 0; i < 30; i++ {
		child, err := parent.Mutate(100+i, 1, c, rng)
		require.NoError(t, err)
		require.NoError(t, child.Validate(c))
		assert.False(t, child.Equiv(parent))
		assert.Equal(t, 100+i, child.ID)
		assert.Equal(t, 1, child.Generation)
		assert.Empty(t, child.Valid, "offspring report their genes afresh")
	}
	assert.Equal(t, before, parent.Signature(), "the parent is never modified")
}

func TestMutateExhausted(t *testing.T) {
	c := testConfig(t)
	c.Genome.MutationAttempts = 0
	parent, err := NewGenome(1, c, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	_, err = parent.Mutate(2, 1, c, rand.New(rand.NewSource(1)))
	require.ErrorIs(t, err, ErrMutationExhausted)
}

func TestAddRandomInferenceAvoidsSuppressedShapes(t *testing.T) {
	c := testConfig(t)
	c.Genome.MaxExtraConditions = 0
	rng := rand.New(rand.NewSource(11))

	g := handGenome(t, c, 1)
	g.Suppressed["dx@0<-dx@1,turn@1"] = true
	g.Suppressed["dy@0<-dy@1,turn@1"] = true

	for i := 0; i < 50; i++ {
		g.addRandomInference(c, rng)
	}
	require.Len(t, g.Inferences, 1)
	assert.Equal(t, "heading@0<-heading@1,turn@1", g.Inferences[0].Name)
}

func TestImportReinforcedBundle(t *testing.T) {
	c := testConfig(t)
	src := handGenome(t, c, 1,
		NewHandlerGene(6, "diff", []int{idDX, idDY}, 0),
		NewInferenceGene(7, []Dimension{{6, 0}, {6, 1}, {idTurn, 1}}, 0))
	b, ok := src.Bundle(7)
	require.True(t, ok)

	t.Run("copies missing handlers", func(t *testing.T) {
		g := handGenome(t, c, 2)
		g.GeneDrift(nil, []GeneBundle{b})
		require.True(t, g.importReinforced(rand.New(rand.NewSource(1))))
		g.RefreshNames()
		require.NoError(t, g.Validate(c))
		require.Len(t, g.Handlers, 1)
		require.Len(t, g.Inferences, 1)
		assert.Equal(t, b.Gene.Name, g.Inferences[0].Name)
		assert.Equal(t, 0, g.Inferences[0].Generation)
	})

	t.Run("reuses identical handlers", func(t *testing.T) {
		g := handGenome(t, c, 3, NewHandlerGene(40, "diff", []int{idDX, idDY}, 0))
		g.GeneDrift(nil, []GeneBundle{b})
		require.True(t, g.importReinforced(rand.New(rand.NewSource(1))))
		g.RefreshNames()
		require.NoError(t, g.Validate(c))
		require.Len(t, g.Handlers, 1)
		assert.Equal(t, 40, g.Inferences[0].Variable().NodeID)
	})

	t.Run("skips shapes already present", func(t *testing.T) {
		g := src.Clone()
		g.GeneDrift(nil, []GeneBundle{b})
		assert.False(t, g.importReinforced(rand.New(rand.NewSource(1))))
	})
}

func TestRemoveHandlerKeepsUsedHandlers(t *testing.T) {
	c := testConfig(t)
	g := handGenome(t, c, 1,
		NewHandlerGene(6, "diff", []int{idDX, idDY}, 0),
		NewInferenceGene(7, []Dimension{{6, 0}, {6, 1}, {idTurn, 1}}, 0))
	assert.False(t, g.removeHandler(rand.New(rand.NewSource(1))))

	g.Handlers = append(g.Handlers, NewHandlerGene(8, "sum", []int{idDX}, 0))
	assert.True(t, g.removeHandler(rand.New(rand.NewSource(1))))
	require.Len(t, g.Handlers, 1)
	assert.Equal(t, 6, g.Handlers[0].ID)
}

func TestMutateAbstractionStaysInRange(t *testing.T) {
	c := testConfig(t)
	rng := rand.New(rand.NewSource(5))
	g := handGenome(t, c, 1)
	for i := 0; i < 20; i++ {
		require.True(t, g.mutateAbstraction(c, rng))
		require.NoError(t, g.Validate(c))
	}
	// dx is the only receptor with abstraction levels.
	assert.Equal(t, 0, g.Receptors[1].AbstractLevel)
	assert.Equal(t, 0, g.Receptors[2].AbstractLevel)
}
