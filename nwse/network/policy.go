package network

import (
	"math"
	"math/rand"

	"github.com/baldhumanity/nwse-go/nwse"
)

// Policy decides the action of every tick from the network's action-plan
// chain, its scene memory and its inference records.
type Policy struct {
	cfg nwse.PolicyConfig
	rng *rand.Rand
}

// NewPolicy creates a policy. rng only drives random initial plans.
func NewPolicy(cfg nwse.PolicyConfig, rng *rand.Rand) *Policy {
	return &Policy{cfg: cfg, rng: rng}
}

// Decide advances the plan chain by one tick and returns the plan to execute.
//
// An empty chain starts with an initial plan. An active chain is extended with
// a maintain step while the reward is not terminal, the step budget lasts and
// the one-step forecast of maintaining is unknown or non-negative. Otherwise
// the chain is merged into scene memory and a new plan is made.
func (p *Policy) Decide(n *Network, t int, obs []float64, reward float64) *ActionPlan {
	chain := n.Chain
	last := chain.Last()
	if last == nil {
		plan := p.initialPlan(n, t, obs)
		chain.Reset()
		chain.Put(plan)
		return plan
	}
	last.Reward = reward
	last.RealObs = append([]float64(nil), obs...)

	terminal := math.Abs(reward) > p.cfg.TerminalRewardThreshold
	if !terminal && chain.Length() < p.cfg.PlanMaxSteps && !p.cfg.DisableMaintain {
		actions := p.maintainAction(n, last)
		forecast, records := p.forecast(n, t, actions)
		if math.IsNaN(forecast) || forecast >= 0 {
			plan := newPlan(JudgeMaintain, ModeMaintain, t, obs, actions)
			plan.Evaluation = forecast
			plan.Records = records
			plan.ExpectNextObs = n.ForwardInference(t, actions)
			chain.Put(plan)
			return plan
		}
	}

	n.Memory.Merge(chain, reward)
	chain.Reset()
	plan := p.MakeNewPlan(n, t, obs)
	chain.Put(plan)
	return plan
}

// Finish merges the pending chain with the closing reward.
func (p *Policy) Finish(n *Network, reward float64) {
	last := n.Chain.Last()
	if last == nil {
		return
	}
	last.Reward = reward
	n.Memory.Merge(n.Chain, reward)
	n.Chain.Reset()
}

func (p *Policy) initialPlan(n *Network, t int, obs []float64) *ActionPlan {
	actions, judge := n.instinct(t), JudgeInstinct
	if p.cfg.InitialPlan == "random" {
		judge = JudgeRandom
		for i, spec := range n.actionSpecs() {
			actions[i] = spec.Min + p.rng.Float64()*spec.Range()
		}
	}
	plan := newPlan(judge, ModeInitial, t, obs, actions)
	plan.ExpectNextObs = n.ForwardInference(t, actions)
	return plan
}

// maintainAction is the action of a maintain step: the previous action, or
// the neutral midpoint when so configured.
func (p *Policy) maintainAction(n *Network, last *ActionPlan) []float64 {
	if p.cfg.MaintainAction == "midpoint" {
		specs := n.actionSpecs()
		out := make([]float64, len(specs))
		for i, spec := range specs {
			out[i] = spec.Midpoint()
		}
		return out
	}
	return append([]float64(nil), last.Actions...)
}

// forecast sums the evaluations of the records predicting the outcome of
// actions. NaN when no record matches.
func (p *Policy) forecast(n *Network, t int, actions []float64) (float64, []*Record) {
	sum, found := 0.0, false
	var records []*Record
	for _, idx := range n.inferences {
		inf := n.Nodes[idx].Inference
		if !inf.HasDecision() {
			continue
		}
		conds, ok := n.forecastFrame(inf, t, actions)
		if !ok {
			continue
		}
		if matched, _, r := inf.ForwardInference(conds); matched && !math.IsNaN(r.Evaluation) {
			sum += r.Evaluation
			found = true
			records = append(records, r)
		}
	}
	if !found {
		return math.NaN(), nil
	}
	return sum, records
}

// MakeNewPlan selects a new action from the candidate fan around the instinct action.
func (p *Policy) MakeNewPlan(n *Network, t int, obs []float64) *ActionPlan {
	instinct := n.instinct(t)
	specs := n.actionSpecs()
	candidates := CandidateActions(specs, instinct)
	items, records := p.evidence(n, t, obs, candidates)

	sel, judge := p.Select(specs, instinct, candidates, items)
	plan := newPlan(judge, ModePlan, t, obs, candidates[sel])
	if len(items[sel]) > 0 {
		plan.Evaluation = nwse.Sum(items[sel])
	}
	plan.Records = records[sel]
	plan.ExpectNextObs = n.ForwardInference(t, candidates[sel])
	return plan
}

// evidence gathers, per candidate, the evaluations of matching inference
// records plus the scene-memory evaluation of the candidate.
func (p *Policy) evidence(n *Network, t int, obs []float64, candidates [][]float64) ([][]float64, [][]*Record) {
	items := make([][]float64, len(candidates))
	records := make([][]*Record, len(candidates))

	type sceneMatch struct {
		inf     *InferenceNode
		base    []float64
		records []*Record
	}
	var matches []sceneMatch
	for _, idx := range n.inferences {
		inf := n.Nodes[idx].Inference
		if !inf.HasDecision() {
			continue
		}
		base, ok := n.forecastFrame(inf, t, nil)
		if !ok {
			continue
		}
		if recs := inf.MatchExcludeAction(base, true); len(recs) > 0 {
			matches = append(matches, sceneMatch{inf: inf, base: base, records: recs})
		}
	}

	scene := n.Memory.Find(obs)
	for i, c := range candidates {
		for _, m := range matches {
			conds := append([]float64(nil), m.base...)
			for j, ai := range m.inf.decision {
				if ai >= 0 {
					conds[j] = c[ai]
				}
			}
			for _, r := range m.records {
				if m.inf.MatchesAction(r, conds) && !math.IsNaN(r.Evaluation) {
					items[i] = append(items[i], r.Evaluation)
					records[i] = append(records[i], r)
				}
			}
		}
		if e, ok := n.Memory.Evaluation(scene, c); ok {
			items[i] = append(items[i], e)
		}
	}
	return items, records
}

// Select applies the selection tiers to the candidates' evidence and returns
// the chosen index and its judge label. Candidates without evidence are
// unknown. The first satisfied tier wins:
//  1. with exploration priority, the first unknown candidate;
//  2. the positive set (all evidence non-negative);
//  3. the half-positive set (some evidence positive);
//  4. the negative set, grouped by direction from the action midpoint;
//  5. the instinct candidate.
func (p *Policy) Select(specs []nwse.ReceptorSpec, instinct []float64, candidates [][]float64, items [][]float64) (int, string) {
	if p.cfg.ExplorationPriority {
		for i, it := range items {
			if len(it) == 0 {
				return i, JudgeExploreUnknown
			}
		}
	}

	var positive, half, negative []int
	for i, it := range items {
		if len(it) == 0 {
			continue
		}
		allNonNegative, anyPositive := true, false
		for _, v := range it {
			if v < 0 {
				allNonNegative = false
			}
			if v > 0 {
				anyPositive = true
			}
		}
		switch {
		case allNonNegative:
			positive = append(positive, i)
		case anyPositive:
			half = append(half, i)
		default:
			negative = append(negative, i)
		}
	}

	if len(positive) > 0 {
		return p.prefer(positive, instinct, candidates, items, JudgePositiveInstinct, JudgePositiveMax)
	}
	if len(half) > 0 {
		return p.prefer(half, instinct, candidates, items, JudgeHalfPositiveInstinct, JudgeHalfPositiveMax)
	}
	if len(negative) > 0 && len(specs) > 0 {
		mid := specs[0].Midpoint()
		groups := []struct {
			judge   string
			members []int
		}{{judge: JudgeNegativeGreater}, {judge: JudgeNegativeLess}, {judge: JudgeNegativeMiddle}}
		for _, i := range negative {
			d := candidates[i][0] - mid
			switch {
			case math.Abs(d) < 1e-9:
				groups[2].members = append(groups[2].members, i)
			case d > 0:
				groups[0].members = append(groups[0].members, i)
			default:
				groups[1].members = append(groups[1].members, i)
			}
		}
		bestGroup, bestMedian := -1, math.Inf(-1)
		for gi, g := range groups {
			if len(g.members) == 0 {
				continue
			}
			totals := make([]float64, len(g.members))
			for k, i := range g.members {
				totals[k] = nwse.Sum(items[i])
			}
			if m := nwse.Median(totals); bestGroup < 0 || m > bestMedian {
				bestGroup, bestMedian = gi, m
			}
		}
		return maxTotal(groups[bestGroup].members, items), groups[bestGroup].judge
	}
	return 0, JudgeInstinct
}

// prefer picks the member nearest the instinct action when one lies within
// the instinct tolerance, otherwise the member with the largest total.
func (p *Policy) prefer(set []int, instinct []float64, candidates, items [][]float64, nearJudge, maxJudge string) (int, string) {
	nearest, nearestDist := -1, math.Inf(1)
	for _, i := range set {
		d := nwse.Manhattan(candidates[i], instinct)
		if d <= p.cfg.InstinctTolerance && d < nearestDist {
			nearest, nearestDist = i, d
		}
	}
	if nearest >= 0 {
		return nearest, nearJudge
	}
	return maxTotal(set, items), maxJudge
}

// maxTotal returns the member with the largest evidence total; ties keep the
// earliest candidate.
func maxTotal(set []int, items [][]float64) int {
	best, bestTotal := set[0], nwse.Sum(items[set[0]])
	for _, i := range set[1:] {
		if total := nwse.Sum(items[i]); total > bestTotal {
			best, bestTotal = i, total
		}
	}
	return best
}

// CandidateActions builds the candidate fan: the instinct action first, then
// the first action channel stepped outward by range/SampleCount, alternately
// up and down, wrapping within the range, until SampleCount distinct
// candidates exist. Other channels keep their instinct values.
func CandidateActions(specs []nwse.ReceptorSpec, instinct []float64) [][]float64 {
	candidates := [][]float64{append([]float64(nil), instinct...)}
	if len(specs) == 0 || len(instinct) == 0 {
		return candidates
	}
	s := specs[0]
	count := s.SampleCount
	if count < 1 {
		count = 1
	}
	step := s.Range() / float64(count)
	for k := 1; len(candidates) < count && k <= count; k++ {
		for _, sign := range []float64{1, -1} {
			if len(candidates) >= count {
				break
			}
			v := s.Wrap(instinct[0] + sign*float64(k)*step)
			dup := false
			for _, c := range candidates {
				if math.Abs(c[0]-v) < 1e-9 {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			c := append([]float64(nil), instinct...)
			c[0] = v
			candidates = append(candidates, c)
		}
	}
	return candidates
}
