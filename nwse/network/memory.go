package network

import (
	"github.com/baldhumanity/nwse-go/nwse"
)

// ActionRecord is the remembered evaluation of one action in one scene.
type ActionRecord struct {
	Actions    []float64
	Evaluation float64
}

// Scene groups action records by an observation signature.
type Scene struct {
	Observation []float64
	Records     []ActionRecord
}

// ObservationHistory is the scene-indexed behaviour memory of a network.
type ObservationHistory struct {
	Scenes []*Scene

	observation []nwse.ReceptorSpec
	actions     []nwse.ReceptorSpec
}

// NewObservationHistory creates an empty memory for the given observation and action receptors.
func NewObservationHistory(observation, actions []nwse.ReceptorSpec) *ObservationHistory {
	return &ObservationHistory{observation: observation, actions: actions}
}

// Find returns the nearest scene whose observation is within tolerance on
// every receptor, or nil.
func (h *ObservationHistory) Find(obs []float64) *Scene {
	var best *Scene
	bestScore := 0.0
	for _, s := range h.Scenes {
		score, ok := h.compare(s.Observation, obs)
		if ok && (best == nil || score < bestScore) {
			best, bestScore = s, score
		}
	}
	return best
}

func (h *ObservationHistory) compare(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) != len(h.observation) {
		return 0, false
	}
	score := 0.0
	for i, spec := range h.observation {
		if !spec.Within(a[i], b[i]) {
			return 0, false
		}
		score += spec.Distance(a[i], b[i])
	}
	return score, true
}

// Put records the evaluation of actions in the scene of obs, creating the scene
// when needed. An existing record of the same action is overwritten.
func (h *ObservationHistory) Put(obs, actions []float64, evaluation float64) {
	scene := h.Find(obs)
	if scene == nil {
		scene = &Scene{Observation: append([]float64(nil), obs...)}
		h.Scenes = append(h.Scenes, scene)
	}
	for i := range scene.Records {
		if h.sameAction(scene.Records[i].Actions, actions) {
			scene.Records[i].Evaluation = evaluation
			return
		}
	}
	scene.Records = append(scene.Records, ActionRecord{
		Actions:    append([]float64(nil), actions...),
		Evaluation: evaluation,
	})
}

// Evaluation returns the remembered evaluation of actions in the scene.
func (h *ObservationHistory) Evaluation(scene *Scene, actions []float64) (float64, bool) {
	if scene == nil {
		return 0, false
	}
	for _, r := range scene.Records {
		if h.sameAction(r.Actions, actions) {
			return r.Evaluation, true
		}
	}
	return 0, false
}

func (h *ObservationHistory) sameAction(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i, spec := range h.actions {
		if i >= len(a) || !spec.Within(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Merge folds a finished chain into memory. Step i of a chain of length n is
// evaluated n-i when the closing reward is non-negative and i-n otherwise.
func (h *ObservationHistory) Merge(chain *ActionPlanChain, reward float64) {
	length := chain.Length()
	for i, p := range chain.Plans() {
		evaluation := float64(i - length)
		if reward >= 0 {
			evaluation = float64(length - i)
		}
		h.Put(p.InputObs, p.Actions, evaluation)
	}
}

// Len is the number of scenes.
func (h *ObservationHistory) Len() int {
	return len(h.Scenes)
}
