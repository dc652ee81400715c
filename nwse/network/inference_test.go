package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldhumanity/nwse-go/nwse"
)

// selfNode predicts one value from its previous value.
func selfNode(cfg nwse.InferenceConfig) *InferenceNode {
	gene := nwse.NewInferenceGene(9, []nwse.Dimension{{NodeID: 1, Time: 0}, {NodeID: 1, Time: 1}}, 0)
	m := measure{tolerance: 0.5}
	return newInferenceNode(gene, []measure{m}, m, []bool{false}, []int{-1}, cfg)
}

func inferenceConfig() nwse.InferenceConfig {
	return nwse.InferenceConfig{AccuracyStep: 0.2, AccuracyFloor: -0.5, PrunePatience: 2}
}

func TestReliabilityIsMeanAccuracy(t *testing.T) {
	n := selfNode(inferenceConfig())
	assert.True(t, math.IsNaN(n.Reliability()))

	n.Records = []*Record{{Accuracy: 0.9}, {Accuracy: -0.2}}
	assert.InDelta(t, 0.35, n.Reliability(), 1e-9)
}

func TestObserveCreatesAndMatchesRecords(t *testing.T) {
	n := selfNode(inferenceConfig())

	r := n.Observe(1, []float64{1}, 2, math.NaN())
	require.NotNil(t, r)
	assert.Equal(t, 1, r.Created)
	assert.True(t, math.IsNaN(r.Evaluation), "no reward seen yet")

	same := n.Observe(2, []float64{1.3}, 2, 1)
	assert.Same(t, r, same, "conditions within tolerance share a record")
	n.Observe(3, []float64{0.9}, 2, 3)
	assert.InDelta(t, 2, r.Evaluation, 1e-9, "evaluation is the running mean reward")
	assert.Equal(t, 3, r.Usage)

	other := n.Observe(4, []float64{4}, 5, 0)
	assert.NotSame(t, r, other)
	assert.Len(t, n.Records, 2)

	matched, v, rec := n.ForwardInference([]float64{4.2})
	assert.True(t, matched)
	assert.InDelta(t, 5, v, 1e-9)
	assert.Same(t, other, rec)

	matched, v, rec = n.ForwardInference([]float64{8})
	assert.False(t, matched)
	assert.True(t, math.IsNaN(v))
	assert.Nil(t, rec)
}

func TestObserveRespectsRecordLimit(t *testing.T) {
	cfg := inferenceConfig()
	cfg.MaxRecords = 1
	n := selfNode(cfg)
	require.NotNil(t, n.Observe(1, []float64{1}, 1, 0))
	assert.Nil(t, n.Observe(2, []float64{9}, 1, 0))
	assert.NotNil(t, n.Observe(3, []float64{1}, 1, 0), "existing buckets still update")
	assert.Len(t, n.Records, 1)
}

func TestAdjustAccuracyConfirmsPredictions(t *testing.T) {
	n := selfNode(inferenceConfig())
	r := n.Observe(1, []float64{1}, 1, 0)
	assert.Empty(t, n.AdjustAccuracy(1))
	assert.Zero(t, r.Accuracy, "a record is not judged on the tick it was created")

	n.Observe(2, []float64{1}, 1.3, 0)
	n.AdjustAccuracy(2)
	assert.InDelta(t, 0.2, r.Accuracy, 1e-9)
	assert.Equal(t, 1, r.Hits)

	n.Observe(3, []float64{1}, 4, 0)
	n.AdjustAccuracy(3)
	assert.InDelta(t, 0.2-0.2*1.2, r.Accuracy, 1e-9)
	assert.Equal(t, 1, r.Misses)

	// Records not matched this tick are left alone.
	n.AdjustAccuracy(4)
	assert.Equal(t, 1, r.Misses)
}

func TestAdjustAccuracyPrunesAfterPatience(t *testing.T) {
	n := selfNode(inferenceConfig())
	n.Observe(1, []float64{1}, 1, 0)

	// Repeated misses: -0.2, -0.36, -0.488, -0.5904, -0.67232.
	prunedAt := -1
	for tick := 2; tick <= 8 && prunedAt < 0; tick++ {
		n.Observe(tick, []float64{1}, 5, 0)
		if pruned := n.AdjustAccuracy(tick); len(pruned) > 0 {
			assert.Less(t, pruned[0].Accuracy, -0.5)
			prunedAt = tick
		}
	}
	assert.Equal(t, 6, prunedAt)
	assert.Empty(t, n.Records)
	assert.True(t, math.IsNaN(n.Reliability()))
}

func TestMatchExcludeActionGroupsByAction(t *testing.T) {
	gene := nwse.NewInferenceGene(9, []nwse.Dimension{{NodeID: 1, Time: 0}, {NodeID: 1, Time: 1}, {NodeID: 2, Time: 1}}, 0)
	obs := measure{tolerance: 0.5}
	act := measure{tolerance: 0.1}
	n := newInferenceNode(gene, []measure{obs, act}, obs, []bool{false, true}, []int{-1, 0}, inferenceConfig())

	left := n.Observe(1, []float64{1, -1}, 0, -1)
	right := n.Observe(2, []float64{1, 1}, 2, 1)
	nearRight := n.Observe(3, []float64{1.6, 1}, 2, 1)
	n.Observe(4, []float64{5, 1}, 6, 1)
	require.NotSame(t, right, nearRight)

	all := n.MatchExcludeAction([]float64{1.2, 0}, false)
	assert.Len(t, all, 3)

	best := n.MatchExcludeAction([]float64{1.2, 0}, true)
	require.Len(t, best, 2)
	assert.Same(t, left, best[0])
	assert.Same(t, right, best[1], "the nearest record of each action is kept")

	assert.True(t, n.MatchesAction(right, []float64{9, 1.05}))
	assert.False(t, n.MatchesAction(right, []float64{1, 0}))
	assert.True(t, n.HasDecision())
}
