package network

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldhumanity/nwse-go/nwse"
)

func testMemory() *ObservationHistory {
	obs := []nwse.ReceptorSpec{
		{Name: "x", Min: 0, Max: 10, Tolerance: 0.5},
		{Name: "y", Min: 0, Max: 10, Tolerance: 0.5},
	}
	actions := []nwse.ReceptorSpec{{Name: "turn", Min: -1.5, Max: 1.5, Tolerance: 0.1}}
	return NewObservationHistory(obs, actions)
}

func chainOf(obs []float64, actions ...float64) *ActionPlanChain {
	c := &ActionPlanChain{}
	for i, a := range actions {
		c.Put(newPlan(JudgeMaintain, ModeMaintain, i, obs, []float64{a}))
	}
	return c
}

func TestMergeEvaluatesChainSteps(t *testing.T) {
	tests := []struct {
		name   string
		reward float64
		want   []float64
	}{
		{"reward counts down to the goal", 1, []float64{3, 2, 1}},
		{"zero reward is non-negative", 0, []float64{3, 2, 1}},
		{"penalty counts up to the failure", -1, []float64{-3, -2, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := testMemory()
			// Each step in its own scene so no record overwrites another.
			c := &ActionPlanChain{}
			for i := 0; i < 3; i++ {
				c.Put(newPlan(JudgeMaintain, ModeMaintain, i, []float64{float64(2 * i), 0}, []float64{0}))
			}
			h.Merge(c, tt.reward)
			require.Equal(t, 3, h.Len())
			for i, want := range tt.want {
				scene := h.Find([]float64{float64(2 * i), 0})
				require.NotNil(t, scene)
				got, ok := h.Evaluation(scene, []float64{0})
				require.True(t, ok)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestMergeSharedSceneKeepsLatestStep(t *testing.T) {
	h := testMemory()
	h.Merge(chainOf([]float64{1, 1}, 1, 1, -1), 1)

	require.Equal(t, 1, h.Len())
	scene := h.Find([]float64{1, 1})
	require.Len(t, scene.Records, 2)
	e, ok := h.Evaluation(scene, []float64{1})
	require.True(t, ok)
	assert.Equal(t, 2.0, e, "the second step overwrites the first")
	e, ok = h.Evaluation(scene, []float64{-1})
	require.True(t, ok)
	assert.Equal(t, 1.0, e)
}

func TestFindWithinTolerance(t *testing.T) {
	h := testMemory()
	h.Put([]float64{2, 2}, []float64{0}, 1)
	h.Put([]float64{5, 5}, []float64{0}, 2)

	scene := h.Find([]float64{2.4, 1.6})
	require.NotNil(t, scene)
	assert.Equal(t, []float64{2, 2}, scene.Observation)

	assert.Nil(t, h.Find([]float64{2.6, 2}), "one receptor out of tolerance")
	assert.Nil(t, h.Find([]float64{2}), "observation shape mismatch")

	_, ok := h.Evaluation(nil, []float64{0})
	assert.False(t, ok)
	_, ok = h.Evaluation(scene, []float64{1})
	assert.False(t, ok, "untried action")
}

func TestPutOverwritesSameAction(t *testing.T) {
	h := testMemory()
	h.Put([]float64{2, 2}, []float64{0}, 1)
	h.Put([]float64{2.2, 2}, []float64{0.05}, -4)
	h.Put([]float64{2, 2}, []float64{1}, 3)

	require.Equal(t, 1, h.Len())
	scene := h.Find([]float64{2, 2})
	require.Len(t, scene.Records, 2)
	e, _ := h.Evaluation(scene, []float64{0})
	assert.Equal(t, -4.0, e)
	assert.Equal(t, []float64{0}, scene.Records[0].Actions, "the first action recorded is kept")
}

func TestChainPlans(t *testing.T) {
	c := chainOf([]float64{1, 1}, 0, 1)
	assert.Equal(t, 2, c.Length())
	assert.Equal(t, []float64{1}, c.Last().Actions)
	assert.Equal(t, 0, c.Plans()[0].JudgeTime)

	p := c.Last()
	assert.True(t, math.IsNaN(p.SimilarityDistance()), "no forecast yet")
	p.ExpectNextObs = []float64{1, 2}
	p.RealObs = []float64{2, 4}
	assert.Equal(t, 3.0, p.SimilarityDistance())

	c.Reset()
	assert.Zero(t, c.Length())
	assert.Nil(t, c.Last())
}
