package nwse

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/ini.v1"
)

// Receptor groups. Observation vectors list env receptors first, then gesture
// receptors; action receptors are written back by the network after each decision.
const (
	GroupEnv     = "env"
	GroupGesture = "gesture"
	GroupAction  = "action"
)

// Config stores every parameter consumed by the engine. It is read-only once loaded.
type Config struct {
	Genome    GenomeConfig
	Inference InferenceConfig
	Policy    PolicyConfig
	Evolution EvolutionConfig
	Session   SessionConfig
	Receptors []ReceptorSpec // Ordered: env, gesture, action
}

// GenomeConfig holds parameters for initial genome construction and structural mutation.
type GenomeConfig struct {
	HandlerFunctions      []string `ini:"handler_functions" delim:" "` // Space-separated list
	InitialHandlers       int      `ini:"initial_handlers"`
	InitialInferences     int      `ini:"initial_inferences"`
	MaxExtraConditions    int      `ini:"max_extra_conditions"`
	MaxLag                int      `ini:"max_lag"`
	AddHandlerProb        float64  `ini:"add_handler_prob"`
	RemoveHandlerProb     float64  `ini:"remove_handler_prob"`
	AddInferenceProb      float64  `ini:"add_inference_prob"`
	RemoveInferenceProb   float64  `ini:"remove_inference_prob"`
	RewireProb            float64  `ini:"rewire_prob"`
	AbstractionMutateProb float64  `ini:"abstraction_mutate_prob"`
	DriftReinforceProb    float64  `ini:"drift_reinforce_prob"` // Chance that add-inference imports a reinforced gene
	MutationAttempts      int      `ini:"mutation_attempts"`    // Attempts to differ from the parent
}

// InferenceConfig holds parameters of inference records.
type InferenceConfig struct {
	AccuracyStep  float64 `ini:"accuracy_step"`
	AccuracyFloor float64 `ini:"accuracy_floor"`
	PrunePatience int     `ini:"prune_patience"`
	MaxRecords    int     `ini:"max_records"` // 0 means unbounded
}

// PolicyConfig holds parameters of the action-planning engine.
type PolicyConfig struct {
	ExplorationPriority     bool    `ini:"exploration_priority"`
	InstinctTolerance       float64 `ini:"instinct_tolerance"`
	PlanMaxSteps            int     `ini:"plan_max_steps"`
	TerminalRewardThreshold float64 `ini:"terminal_reward_threshold"`
	DisableMaintain         bool    `ini:"disable_maintain"`
	InitialPlan             string  `ini:"initial_plan"`    // instinct | random
	MaintainAction          string  `ini:"maintain_action"` // repeat | midpoint
}

// EvolutionConfig holds population-level parameters.
type EvolutionConfig struct {
	InitialPopulation      int     `ini:"initial_population"`
	MinPopulationCapacity  int     `ini:"min_population_capacity"`
	MaxPopulationCapacity  int     `ini:"max_population_capacity"`
	PropagateBaseCount     int     `ini:"propagate_base_count"`
	ReliabilityLowFraction float64 `ini:"reliability_low_fraction"`
	GeneReliabilityLow     float64 `ini:"gene_reliability_low"`
	GeneReliabilityHigh    float64 `ini:"gene_reliability_high"`
	DriftDistance          int     `ini:"drift_distance"`
	MutationRetryLimit     int     `ini:"mutation_retry_limit"` // Attempts to find an offspring unique in the population
}

// SessionConfig holds parameters of the outer run loop.
type SessionConfig struct {
	Generations int    `ini:"generations"`
	MaxSteps    int    `ini:"max_steps"`
	Seed        int64  `ini:"seed"`
	ArchiveKind string `ini:"archive_kind"` // "", memory, file, sqlite
	ArchivePath string `ini:"archive_path"`
}

// ReceptorSpec describes the measure of one sensor or action channel.
type ReceptorSpec struct {
	Name           string  `ini:"-"`
	Group          string  `ini:"group"`
	Category       string  `ini:"category"`
	Min            float64 `ini:"min"`
	Max            float64 `ini:"max"`
	Tolerance      float64 `ini:"tolerance"`
	SampleCount    int     `ini:"sample_count"`
	Cyclic         bool    `ini:"cyclic"`
	MaxAbstraction int     `ini:"max_abstraction_level"`
}

// DefaultConfig returns a configuration with every default applied and no receptors.
func DefaultConfig() *Config {
	return &Config{
		Genome: GenomeConfig{
			HandlerFunctions:      []string{"sum", "diff", "max", "min", "mean"},
			InitialHandlers:       0,
			InitialInferences:     2,
			MaxExtraConditions:    1,
			MaxLag:                1,
			AddHandlerProb:        0.2,
			RemoveHandlerProb:     0.1,
			AddInferenceProb:      0.5,
			RemoveInferenceProb:   0.2,
			RewireProb:            0.2,
			AbstractionMutateProb: 0.1,
			DriftReinforceProb:    0.5,
			MutationAttempts:      20,
		},
		Inference: InferenceConfig{
			AccuracyStep:  0.2,
			AccuracyFloor: -0.5,
			PrunePatience: 3,
			MaxRecords:    0,
		},
		Policy: PolicyConfig{
			ExplorationPriority:     true,
			InstinctTolerance:       0.5,
			PlanMaxSteps:            8,
			TerminalRewardThreshold: 5,
			DisableMaintain:         false,
			InitialPlan:             "instinct",
			MaintainAction:          "repeat",
		},
		Evolution: EvolutionConfig{
			InitialPopulation:      10,
			MinPopulationCapacity:  5,
			MaxPopulationCapacity:  30,
			PropagateBaseCount:     2,
			ReliabilityLowFraction: 0.2,
			GeneReliabilityLow:     -0.2,
			GeneReliabilityHigh:    0.6,
			DriftDistance:          2,
			MutationRetryLimit:     10,
		},
		Session: SessionConfig{
			Generations: 20,
			MaxSteps:    60,
			Seed:        1,
		},
	}
}

// LoadConfig loads configuration parameters from an INI file. Keys that are
// absent keep the values from DefaultConfig.
func LoadConfig(filePath string) (*Config, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:         true,
		UnescapeValueCommentSymbols: true,
	}, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%s': %w", filePath, err)
	}
	return parseConfig(cfg)
}

// LoadConfigData is LoadConfig for in-memory INI content.
func LoadConfigData(data []byte) (*Config, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:         true,
		UnescapeValueCommentSymbols: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return parseConfig(cfg)
}

func parseConfig(cfg *ini.File) (*Config, error) {
	config := DefaultConfig()

	sections := []struct {
		name   string
		target interface{}
	}{
		{"Genome", &config.Genome},
		{"Inference", &config.Inference},
		{"Policy", &config.Policy},
		{"Evolution", &config.Evolution},
		{"Session", &config.Session},
	}
	for _, s := range sections {
		if err := cfg.Section(s.name).MapTo(s.target); err != nil {
			return nil, fmt.Errorf("failed to map [%s] section: %w", s.name, err)
		}
	}

	for _, sec := range cfg.Section("Receptor").ChildSections() {
		spec := ReceptorSpec{SampleCount: 1}
		if err := sec.MapTo(&spec); err != nil {
			return nil, fmt.Errorf("failed to map [%s] section: %w", sec.Name(), err)
		}
		spec.Name = strings.TrimPrefix(sec.Name(), "Receptor.")
		spec.Group = strings.ToLower(strings.TrimSpace(spec.Group))
		spec.Category = strings.TrimSpace(spec.Category)
		config.Receptors = append(config.Receptors, spec)
	}

	for i, fn := range config.Genome.HandlerFunctions {
		config.Genome.HandlerFunctions[i] = strings.TrimSpace(fn)
	}
	config.Policy.InitialPlan = strings.ToLower(strings.TrimSpace(config.Policy.InitialPlan))
	config.Policy.MaintainAction = strings.ToLower(strings.TrimSpace(config.Policy.MaintainAction))
	config.Session.ArchiveKind = strings.ToLower(strings.TrimSpace(config.Session.ArchiveKind))

	if err := config.Prepare(); err != nil {
		return nil, err
	}
	return config, nil
}

// Prepare orders the receptors by group and validates every section.
// LoadConfig calls it; programmatic configurations must call it before use.
func (c *Config) Prepare() error {
	groupRank := map[string]int{GroupEnv: 0, GroupGesture: 1, GroupAction: 2}
	seen := make(map[string]bool)
	for i := range c.Receptors {
		r := &c.Receptors[i]
		if r.Name == "" {
			return fmt.Errorf("config error: receptor %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("config error: duplicate receptor '%s'", r.Name)
		}
		seen[r.Name] = true
		if _, ok := groupRank[r.Group]; !ok {
			return fmt.Errorf("config error: receptor '%s' has invalid group '%s'", r.Name, r.Group)
		}
		if r.Max <= r.Min {
			return fmt.Errorf("config error: receptor '%s' max must be greater than min", r.Name)
		}
		if r.Tolerance < 0 {
			return fmt.Errorf("config error: receptor '%s' tolerance cannot be negative", r.Name)
		}
		if r.SampleCount <= 0 {
			return fmt.Errorf("config error: receptor '%s' sample_count must be positive", r.Name)
		}
		if r.MaxAbstraction < 0 {
			return fmt.Errorf("config error: receptor '%s' max_abstraction_level cannot be negative", r.Name)
		}
	}
	sort.SliceStable(c.Receptors, func(i, j int) bool {
		return groupRank[c.Receptors[i].Group] < groupRank[c.Receptors[j].Group]
	})
	if len(c.Receptors) > 0 {
		if len(c.ActionReceptors()) == 0 {
			return fmt.Errorf("config error: at least one action receptor is required")
		}
		if len(c.ObservationReceptors()) == 0 {
			return fmt.Errorf("config error: at least one env or gesture receptor is required")
		}
	}

	g := c.Genome
	if len(g.HandlerFunctions) == 0 {
		return fmt.Errorf("config error: handler_functions must be specified")
	}
	for _, fn := range g.HandlerFunctions {
		if _, err := GetHandlerFunction(fn); err != nil {
			return fmt.Errorf("config error: %w, must be one of '%s'", err, strings.Join(HandlerFunctionNames(), "', '"))
		}
	}
	probs := map[string]float64{
		"add_handler_prob":        g.AddHandlerProb,
		"remove_handler_prob":     g.RemoveHandlerProb,
		"add_inference_prob":      g.AddInferenceProb,
		"remove_inference_prob":   g.RemoveInferenceProb,
		"rewire_prob":             g.RewireProb,
		"abstraction_mutate_prob": g.AbstractionMutateProb,
		"drift_reinforce_prob":    g.DriftReinforceProb,
	}
	for name, p := range probs {
		if p < 0 || p > 1 {
			return fmt.Errorf("config error: %s must be between 0 and 1", name)
		}
	}
	if g.MaxLag < 1 {
		return fmt.Errorf("config error: max_lag must be at least 1")
	}
	if g.MaxExtraConditions < 0 || g.InitialHandlers < 0 || g.InitialInferences < 0 {
		return fmt.Errorf("config error: genome counts cannot be negative")
	}
	if g.MutationAttempts < 0 {
		return fmt.Errorf("config error: mutation_attempts cannot be negative")
	}

	inf := c.Inference
	if inf.AccuracyStep <= 0 || inf.AccuracyStep > 1 {
		return fmt.Errorf("config error: accuracy_step must be in (0, 1]")
	}
	if inf.AccuracyFloor < -1 || inf.AccuracyFloor > 1 {
		return fmt.Errorf("config error: accuracy_floor must be between -1 and 1")
	}
	if inf.PrunePatience <= 0 {
		return fmt.Errorf("config error: prune_patience must be positive")
	}
	if inf.MaxRecords < 0 {
		return fmt.Errorf("config error: max_records cannot be negative")
	}

	p := c.Policy
	if p.PlanMaxSteps <= 0 {
		return fmt.Errorf("config error: plan_max_steps must be positive")
	}
	if p.InstinctTolerance < 0 || p.TerminalRewardThreshold < 0 {
		return fmt.Errorf("config error: policy tolerances cannot be negative")
	}
	if p.InitialPlan != "instinct" && p.InitialPlan != "random" {
		return fmt.Errorf("config error: invalid initial_plan '%s', must be one of 'instinct', 'random'", p.InitialPlan)
	}

	if p.MaintainAction != "repeat" && p.MaintainAction != "midpoint" {
		return fmt.Errorf("config error: invalid maintain_action '%s', must be one of 'repeat', 'midpoint'", p.MaintainAction)
	}

	e := c.Evolution
	if e.InitialPopulation <= 0 {
		return fmt.Errorf("config error: initial_population must be positive")
	}
	if e.MinPopulationCapacity < 0 {
		return fmt.Errorf("config error: min_population_capacity cannot be negative")
	}
	if e.MaxPopulationCapacity < e.MinPopulationCapacity {
		return fmt.Errorf("config error: max_population_capacity cannot be less than min_population_capacity")
	}
	if e.PropagateBaseCount < 0 {
		return fmt.Errorf("config error: propagate_base_count cannot be negative")
	}
	if e.ReliabilityLowFraction < 0 || e.ReliabilityLowFraction > 1 {
		return fmt.Errorf("config error: reliability_low_fraction must be between 0 and 1")
	}
	if e.GeneReliabilityLow > e.GeneReliabilityHigh {
		return fmt.Errorf("config error: gene_reliability_low cannot exceed gene_reliability_high")
	}
	if e.DriftDistance < 0 || e.MutationRetryLimit < 0 {
		return fmt.Errorf("config error: drift_distance and mutation_retry_limit cannot be negative")
	}

	s := c.Session
	if s.MaxSteps <= 0 {
		return fmt.Errorf("config error: max_steps must be positive")
	}
	validArchives := map[string]bool{"": true, "memory": true, "file": true, "sqlite": true}
	if !validArchives[s.ArchiveKind] {
		return fmt.Errorf("config error: invalid archive_kind '%s'", s.ArchiveKind)
	}
	return nil
}

// ReceptorSpec returns the spec with the given name.
func (c *Config) ReceptorSpec(name string) (*ReceptorSpec, bool) {
	for i := range c.Receptors {
		if c.Receptors[i].Name == name {
			return &c.Receptors[i], true
		}
	}
	return nil, false
}

// ObservationReceptors returns the env and gesture specs in observation order.
func (c *Config) ObservationReceptors() []ReceptorSpec {
	var out []ReceptorSpec
	for _, r := range c.Receptors {
		if r.Group != GroupAction {
			out = append(out, r)
		}
	}
	return out
}

// ActionReceptors returns the action specs in effector order.
func (c *Config) ActionReceptors() []ReceptorSpec {
	var out []ReceptorSpec
	for _, r := range c.Receptors {
		if r.Group == GroupAction {
			out = append(out, r)
		}
	}
	return out
}

// --- Measures ---

// Range is the width of the receptor's value interval.
func (r ReceptorSpec) Range() float64 {
	return r.Max - r.Min
}

// Midpoint is the centre of the receptor's value interval.
func (r ReceptorSpec) Midpoint() float64 {
	return (r.Min + r.Max) / 2
}

// Distance measures two values of this receptor. Cyclic receptors measure the
// shorter way round.
func (r ReceptorSpec) Distance(a, b float64) float64 {
	d := math.Abs(a - b)
	if r.Cyclic {
		d = math.Mod(d, r.Range())
		if alt := r.Range() - d; alt < d {
			d = alt
		}
	}
	return d
}

// Within reports whether two values are indistinguishable at the receptor's tolerance.
func (r ReceptorSpec) Within(a, b float64) bool {
	return r.Distance(a, b) <= r.Tolerance
}

// Wrap folds v into [Min, Max).
func (r ReceptorSpec) Wrap(v float64) float64 {
	width := r.Range()
	m := math.Mod(v-r.Min, width)
	if m < 0 {
		m += width
	}
	return r.Min + m
}

// Sections is the number of value sections used at the given abstraction level.
func (r ReceptorSpec) Sections(level int) int {
	if level <= 0 {
		return 0
	}
	n := r.SampleCount >> (level - 1)
	if n < 1 {
		n = 1
	}
	return n
}

// Rank abstracts v to the given level. Level 0 keeps the value (clamped into range);
// level k snaps it to the centre of one of Sections(k) equal sections.
func (r ReceptorSpec) Rank(v float64, level int) float64 {
	if r.Cyclic {
		v = r.Wrap(v)
	} else {
		v = clamp(v, r.Min, r.Max)
	}
	if level <= 0 {
		return v
	}
	n := r.Sections(level)
	width := r.Range() / float64(n)
	idx := int(math.Floor((v - r.Min) / width))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return r.Min + (float64(idx)+0.5)*width
}

// RankTolerance is the tolerance applicable to values ranked at level.
func (r ReceptorSpec) RankTolerance(level int) float64 {
	if level <= 0 {
		return r.Tolerance
	}
	return math.Max(r.Tolerance, r.Range()/float64(r.Sections(level))/2)
}
