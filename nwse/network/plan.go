package network

import (
	"math"

	"github.com/baldhumanity/nwse-go/nwse"
)

// Judge labels name the rule that produced an action plan.
const (
	JudgeInstinct             = "instinct"
	JudgeRandom               = "random"
	JudgeMaintain             = "maintain"
	JudgeExploreUnknown       = "explore-unknown"
	JudgePositiveInstinct     = "positive-instinct"
	JudgePositiveMax          = "positive-max"
	JudgeHalfPositiveInstinct = "half-positive-instinct"
	JudgeHalfPositiveMax      = "half-positive-max"
	JudgeNegativeGreater      = "negative-greater"
	JudgeNegativeLess         = "negative-less"
	JudgeNegativeMiddle       = "negative-middle"
)

// Plan modes.
const (
	ModeInitial  = "initial"
	ModePlan     = "plan"
	ModeMaintain = "maintain"
)

// ActionPlan is one committed step of an action-plan chain.
type ActionPlan struct {
	JudgeType     string
	Mode          string
	JudgeTime     int       // Tick the plan was decided
	InputObs      []float64 // Ranked observation the plan was decided on
	Actions       []float64
	Evaluation    float64   // Forecast or selection score; NaN when unknown
	Records       []*Record // Records that backed the decision
	ExpectNextObs []float64 // Forecast of the next observation; nil when unknown
	RealObs       []float64 // Observation that followed the plan
	Reward        float64   // Reward that followed the plan
}

func newPlan(judge, mode string, t int, obs, actions []float64) *ActionPlan {
	return &ActionPlan{
		JudgeType:  judge,
		Mode:       mode,
		JudgeTime:  t,
		InputObs:   append([]float64(nil), obs...),
		Actions:    append([]float64(nil), actions...),
		Evaluation: math.NaN(),
		Reward:     math.NaN(),
	}
}

// SimilarityDistance is the Manhattan distance between the forecast and the
// realized observation, NaN when either is missing.
func (p *ActionPlan) SimilarityDistance() float64 {
	if p.ExpectNextObs == nil || p.RealObs == nil || len(p.ExpectNextObs) != len(p.RealObs) {
		return math.NaN()
	}
	return nwse.Manhattan(p.ExpectNextObs, p.RealObs)
}

// ActionPlanChain is the ordered run of plans sharing one intent.
type ActionPlanChain struct {
	plans []*ActionPlan
}

// Put appends a plan to the chain.
func (c *ActionPlanChain) Put(p *ActionPlan) {
	c.plans = append(c.plans, p)
}

// Reset empties the chain.
func (c *ActionPlanChain) Reset() {
	c.plans = nil
}

// Length is the number of plans in the chain.
func (c *ActionPlanChain) Length() int {
	return len(c.plans)
}

// Last returns the most recent plan, or nil.
func (c *ActionPlanChain) Last() *ActionPlan {
	if len(c.plans) == 0 {
		return nil
	}
	return c.plans[len(c.plans)-1]
}

// Plans returns the plans in order.
func (c *ActionPlanChain) Plans() []*ActionPlan {
	return c.plans
}
