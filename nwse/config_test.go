package nwse

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a prepared configuration with two env receptors, one
// cyclic gesture receptor and one action receptor.
func testConfig(t *testing.T) *Config {
	t.Helper()
	c := DefaultConfig()
	c.Receptors = []ReceptorSpec{
		{Name: "turn", Group: GroupAction, Category: "turn", Min: -1.5, Max: 1.5, Tolerance: 0.1, SampleCount: 3},
		{Name: "dx", Group: GroupEnv, Category: "offset", Min: -5, Max: 5, Tolerance: 0.5, SampleCount: 10, MaxAbstraction: 2},
		{Name: "dy", Group: GroupEnv, Category: "offset", Min: -5, Max: 5, Tolerance: 0.5, SampleCount: 10},
		{Name: "heading", Group: GroupGesture, Category: "heading", Min: 0, Max: 4, Tolerance: 0.1, SampleCount: 4, Cyclic: true},
	}
	require.NoError(t, c.Prepare())
	return c
}

const sampleINI = `
# Receptors are declared action first on purpose.
[Receptor.turn]
group        = action
min          = -1.5
max          = 1.5
tolerance    = 0.1
sample_count = 3

[Receptor.dx]
group                 = env
category              = offset
min                   = -5
max                   = 5
tolerance             = 0.5
sample_count          = 10
max_abstraction_level = 2

[Receptor.heading]
group        = gesture
min          = 0
max          = 4
sample_count = 4
cyclic       = true

[Genome]
handler_functions = sum diff maxabs

[Policy]
plan_max_steps  = 4
maintain_action = Midpoint

[Session]
archive_kind = SQLite
archive_path = runs.db
`

func TestLoadConfigDataAppliesDefaults(t *testing.T) {
	c, err := LoadConfigData([]byte(sampleINI))
	require.NoError(t, err)

	assert.Equal(t, []string{"sum", "diff", "maxabs"}, c.Genome.HandlerFunctions)
	assert.Equal(t, 4, c.Policy.PlanMaxSteps)
	assert.Equal(t, "midpoint", c.Policy.MaintainAction)
	assert.Equal(t, "sqlite", c.Session.ArchiveKind)
	assert.Equal(t, "runs.db", c.Session.ArchivePath)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Inference, c.Inference)
	assert.Equal(t, defaults.Evolution, c.Evolution)
	assert.Equal(t, defaults.Policy.InitialPlan, c.Policy.InitialPlan)

	require.Len(t, c.Receptors, 3)
	assert.Equal(t, []string{"dx", "heading", "turn"},
		[]string{c.Receptors[0].Name, c.Receptors[1].Name, c.Receptors[2].Name})
	assert.True(t, c.Receptors[1].Cyclic)
	assert.Equal(t, 2, c.Receptors[0].MaxAbstraction)
	assert.Len(t, c.ObservationReceptors(), 2)
	assert.Len(t, c.ActionReceptors(), 1)

	spec, ok := c.ReceptorSpec("dx")
	require.True(t, ok)
	assert.Equal(t, "offset", spec.Category)
	_, ok = c.ReceptorSpec("missing")
	assert.False(t, ok)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nwse.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleINI), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, c.Receptors, 3)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}

func TestPrepareRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown handler function", func(c *Config) { c.Genome.HandlerFunctions = []string{"sum", "tanh"} }},
		{"no handler functions", func(c *Config) { c.Genome.HandlerFunctions = nil }},
		{"probability above one", func(c *Config) { c.Genome.RewireProb = 1.5 }},
		{"zero max lag", func(c *Config) { c.Genome.MaxLag = 0 }},
		{"zero accuracy step", func(c *Config) { c.Inference.AccuracyStep = 0 }},
		{"zero prune patience", func(c *Config) { c.Inference.PrunePatience = 0 }},
		{"unknown initial plan", func(c *Config) { c.Policy.InitialPlan = "greedy" }},
		{"unknown maintain action", func(c *Config) { c.Policy.MaintainAction = "stop" }},
		{"capacity inverted", func(c *Config) { c.Evolution.MaxPopulationCapacity = 1 }},
		{"reliability thresholds inverted", func(c *Config) { c.Evolution.GeneReliabilityLow = 0.9 }},
		{"unknown archive", func(c *Config) { c.Session.ArchiveKind = "postgres" }},
		{"duplicate receptor", func(c *Config) { c.Receptors = append(c.Receptors, c.Receptors[0]) }},
		{"bad receptor range", func(c *Config) { c.Receptors[0].Max = c.Receptors[0].Min }},
		{"bad receptor group", func(c *Config) { c.Receptors[0].Group = "sensor" }},
		{"no action receptor", func(c *Config) { c.Receptors = c.Receptors[:3] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig(t)
			tt.mutate(c)
			err := c.Prepare()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config error")
		})
	}
}

func TestReceptorSpecMeasures(t *testing.T) {
	linear := ReceptorSpec{Min: 0, Max: 10, Tolerance: 0.2, SampleCount: 10}
	assert.InDelta(t, 3.7, linear.Rank(3.7, 0), 1e-9)
	assert.InDelta(t, 3.5, linear.Rank(3.7, 1), 1e-9)
	assert.InDelta(t, 3.0, linear.Rank(3.7, 2), 1e-9)
	assert.InDelta(t, 10, linear.Rank(12, 0), 1e-9)
	assert.InDelta(t, 9.5, linear.Rank(12, 1), 1e-9)
	assert.Equal(t, 5, linear.Sections(2))
	assert.InDelta(t, 1.0, linear.RankTolerance(2), 1e-9)
	assert.InDelta(t, 0.2, linear.RankTolerance(0), 1e-9)

	cyclic := ReceptorSpec{Min: 0, Max: 4, Tolerance: 0.5, SampleCount: 4, Cyclic: true}
	assert.InDelta(t, 0.3, cyclic.Distance(0.2, 3.9), 1e-9)
	assert.True(t, cyclic.Within(0.2, 3.9))
	assert.InDelta(t, 3, cyclic.Wrap(-1), 1e-9)
	assert.InDelta(t, 1, cyclic.Wrap(5), 1e-9)
	assert.InDelta(t, 2, cyclic.Midpoint(), 1e-9)
}

func TestStatistics(t *testing.T) {
	assert.True(t, math.IsNaN(Mean(nil)))
	assert.InDelta(t, 2, Mean([]float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 2, NanMean([]float64{1, math.NaN(), 3}), 1e-9)
	assert.True(t, math.IsNaN(NanMean([]float64{math.NaN()})))
	assert.InDelta(t, 2.5, Median([]float64{4, 1, 3, 2}), 1e-9)
	assert.Equal(t, []int{1, 3, 2, 0}, Argsort([]float64{5, math.NaN(), 2, 1}))
	assert.InDelta(t, 3, Manhattan([]float64{1, 2}, []float64{0, 4}), 1e-9)
}
