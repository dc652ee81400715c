package evolution

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/baldhumanity/nwse-go/nwse"
	"github.com/baldhumanity/nwse-go/nwse/archive"
	"github.com/baldhumanity/nwse-go/nwse/network"
)

// StepResult is the environment's answer to one action.
type StepResult struct {
	Observation []float64 // Env receptor values
	Gesture     []float64 // Gesture receptor values
	Actions     []float64 // Actions as applied
	Reward      float64
	Terminal    bool
}

// Environment is the task a population is evaluated on. It also supplies the
// instinct action of every network it evaluates.
type Environment interface {
	Reset(net *network.Network) (obs, gesture []float64, err error)
	Step(net *network.Network, actions []float64) (StepResult, error)
	Instinct(net *network.Network, t int) []float64
	Fitness(net *network.Network) float64
}

// SessionOptions are the optional collaborators of a session. Zero values are
// replaced by no-op implementations.
type SessionOptions struct {
	Logger     *zap.Logger
	Listener   Listener
	Registerer prometheus.Registerer // Metrics stay unregistered when nil
	Store      archive.Store         // Best individual of each generation is archived when set
	RunID      string                // Generated when empty
}

// Session owns a population and runs it generation by generation.
type Session struct {
	Config     *nwse.Config
	Env        Environment
	Population []*network.Network
	Tree       *Tree
	Evolution  *Evolution
	Gate       *PauseGate
	Generation int

	// Best individual seen so far and the networks that completed the task in
	// the last evaluated generation.
	Best        *network.Network
	BestFitness float64
	Completed   []*network.Network

	RunID string

	listener   Listener
	store      archive.Store
	storeReady bool
	logger     *zap.Logger
	stop       atomic.Bool
}

// NewSession creates the initial population from config. config must be prepared.
func NewSession(config *nwse.Config, env Environment, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = archive.NewRunID()
	}

	rng := rand.New(rand.NewSource(config.Session.Seed))
	factory := func(g *nwse.Genome) (*network.Network, error) {
		net, err := network.New(g, config, rand.New(rand.NewSource(rng.Int63())), logger)
		if err != nil {
			return nil, err
		}
		net.SetReflex(env)
		return net, nil
	}

	tree := NewTree()
	evo := NewEvolution(config, tree, factory, rng, logger)
	evo.Listener = listener
	evo.Metrics = NewMetrics(opts.Registerer)

	s := &Session{
		Config:      config,
		Env:         env,
		Tree:        tree,
		Evolution:   evo,
		Gate:        evo.Gate,
		BestFitness: math.NaN(),
		RunID:       runID,
		listener:    listener,
		store:       opts.Store,
		logger:      logger.With(zap.String("run", runID)),
	}

	signatures := make(map[string]bool)
	for id := 1; len(s.Population) < config.Evolution.InitialPopulation; id++ {
		var g *nwse.Genome
		for attempt := 0; attempt <= config.Evolution.MutationRetryLimit; attempt++ {
			candidate, err := nwse.NewGenome(id, config, rng)
			if err != nil {
				return nil, fmt.Errorf("failed to create initial population: %w", err)
			}
			g = candidate
			if !signatures[g.Signature()] {
				break
			}
		}
		signatures[g.Signature()] = true
		net, err := factory(g)
		if err != nil {
			return nil, fmt.Errorf("failed to create initial population: %w", err)
		}
		tree.Plant(net)
		s.Population = append(s.Population, net)
		evo.NextGenomeID = id + 1
	}
	evo.Metrics.Population.Set(float64(len(s.Population)))

	s.logger.Info("session created",
		zap.Int("population", len(s.Population)), zap.Int("receptors", len(config.Receptors)))
	return s, nil
}

// Pause blocks the session at its next evaluation or offspring boundary.
func (s *Session) Pause() { s.Gate.Pause() }

// Resume releases a paused session.
func (s *Session) Resume() { s.Gate.Resume() }

// Stop ends Run at the next generation boundary.
func (s *Session) Stop() { s.stop.Store(true) }

// Run evaluates and evolves the population for up to generations generations.
// It returns early without error after Stop, and with the context error when
// ctx is cancelled.
func (s *Session) Run(ctx context.Context, generations int) error {
	for i := 0; i < generations; i++ {
		if s.stop.Load() {
			s.logger.Info("session stopped", zap.Int("generation", s.Generation))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunGeneration(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunGeneration evaluates every individual, records the best, then advances
// the population by one generation.
func (s *Session) RunGeneration(ctx context.Context) error {
	generation := s.Generation
	genStart := time.Now()
	s.Evolution.Metrics.Generation.Set(float64(generation))
	s.listener.OnEvent(Event{Kind: Log, Generation: generation,
		Message: fmt.Sprintf("generation %d: evaluating %d individuals", generation, len(s.Population))})

	s.Completed = nil
	var best *network.Network
	fitness := make([]float64, 0, len(s.Population))
	for _, net := range s.Population {
		if err := s.Gate.Wait(ctx); err != nil {
			return fmt.Errorf("generation %d interrupted: %w", generation, err)
		}
		if err := s.Evaluate(ctx, net); err != nil {
			return fmt.Errorf("generation %d: %w", generation, err)
		}
		if net.TaskCompleted {
			s.Completed = append(s.Completed, net)
		}
		if math.IsNaN(net.Fitness) {
			continue
		}
		fitness = append(fitness, net.Fitness)
		if best == nil || net.Fitness > best.Fitness {
			best = net
		}
	}

	if best != nil {
		if s.Best == nil || best.Fitness > s.BestFitness {
			s.Best = best
			s.BestFitness = best.Fitness
			s.logger.Info("new best individual",
				zap.Int("generation", generation), zap.Int("genome", best.Genome.ID), zap.Float64("fitness", best.Fitness))
		}
		s.Evolution.Metrics.BestFitness.Set(best.Fitness)
		s.listener.OnEvent(Event{Kind: EvaluationSummary, Generation: generation, Network: best,
			BestFitness: best.Fitness, Population: len(s.Population)})
		if err := s.archive(ctx, best); err != nil {
			return err
		}
	}

	next, err := s.Evolution.Execute(ctx, s.Population, generation)
	s.Population = next
	if err != nil {
		return err
	}
	s.Generation++
	s.logger.Info("generation evaluated",
		zap.Int("generation", generation),
		zap.Int("completed", len(s.Completed)),
		zap.Float64("mean_fitness", nwse.NanMean(fitness)),
		zap.Float64("stdev_fitness", nwse.Stdev(fitness)),
		zap.Duration("elapsed", time.Since(genStart)))
	return nil
}

// Evaluate runs one episode of net: reset, then up to max_steps ticks of
// activation and environment steps. The episode ends early on a terminal
// step. Fitness is taken from the environment afterwards.
func (s *Session) Evaluate(ctx context.Context, net *network.Network) error {
	net.Reset()
	net.TaskCompleted = false
	obs, gesture, err := s.Env.Reset(net)
	if err != nil {
		return fmt.Errorf("genome %d: environment reset failed: %w", net.Genome.ID, err)
	}
	s.listener.OnEvent(Event{Kind: EvaluationBegin, Generation: s.Generation, Network: net,
		Observation: obs, Gesture: gesture})

	reward := 0.0
	ticks := 0
	terminal := false
	for t := 0; t < s.Config.Session.MaxSteps && !terminal; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		actions, err := net.Activate(t, concat(obs, gesture), reward)
		s.Evolution.Metrics.TickDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("genome %d: %w", net.Genome.ID, err)
		}
		res, err := s.Env.Step(net, actions)
		if err != nil {
			return fmt.Errorf("genome %d: environment step %d failed: %w", net.Genome.ID, t, err)
		}
		ticks++
		s.listener.OnEvent(Event{Kind: Step, Generation: s.Generation, Network: net, Tick: t,
			Observation: obs, Gesture: gesture, Actions: actions, Result: res.Actions,
			Reward: res.Reward, Terminal: res.Terminal})

		reward = res.Reward
		obs, gesture = res.Observation, res.Gesture
		terminal = res.Terminal
	}
	net.Finish(reward)
	if terminal && reward > 0 {
		net.TaskCompleted = true
	}
	net.Fitness = s.Env.Fitness(net)
	s.Evolution.Metrics.EpisodeTicks.Observe(float64(ticks))
	s.listener.OnEvent(Event{Kind: EvaluationEnd, Generation: s.Generation, Network: net, Reward: reward, Terminal: terminal})
	s.logger.Debug("evaluation finished",
		zap.Int("genome", net.Genome.ID),
		zap.Int("ticks", ticks),
		zap.Float64("fitness", net.Fitness),
		zap.Float64("reliability", net.Reliability()),
		zap.Int("records", net.RecordCount()))
	return nil
}

func (s *Session) archive(ctx context.Context, best *network.Network) error {
	if s.store == nil {
		return nil
	}
	if !s.storeReady {
		if err := s.store.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize archive: %w", err)
		}
		s.storeReady = true
	}
	entry := archive.Entry{
		RunID:       s.RunID,
		GenomeID:    best.Genome.ID,
		Generation:  best.Genome.Generation,
		Fitness:     best.Fitness,
		Reliability: best.Reliability(),
		Genome:      best.Genome,
	}
	if err := s.store.SaveGenome(ctx, entry); err != nil {
		return fmt.Errorf("failed to archive genome %d: %w", best.Genome.ID, err)
	}
	return nil
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
