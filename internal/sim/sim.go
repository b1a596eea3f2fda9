// Package sim drives an environment through discrete simulation steps.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/env"
)

// Order decides the sequence in which Step triggers agents.
type Order string

const (
	Alphabetical Order = "alphabetical"
	Random       Order = "random"
)

// ParseOrder resolves an order name.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(s)); o {
	case Alphabetical, Random:
		return o, nil
	case "":
		return Alphabetical, nil
	}
	return "", fmt.Errorf("unknown step order %q", s)
}

// Target is a coordinator a simulation can drive. MultiEnvironment and
// DistributedEnvironment satisfy it directly; a single environment is
// wrapped with FromManager.
type Target interface {
	GetAgents(ctx context.Context, kind string) ([]string, error)
	TriggerAct(ctx context.Context, addr string) (json.RawMessage, error)
	TriggerAll(ctx context.Context) ([]env.Result, error)
	SetAge(ctx context.Context, age int) error
	Destroy(ctx context.Context, folder string) error
}

type managerTarget struct {
	env.Manager
	destroy func(ctx context.Context, folder string) error
}

func (m managerTarget) TriggerAct(ctx context.Context, addr string) (json.RawMessage, error) {
	return m.Act(ctx, addr)
}

func (m managerTarget) Destroy(ctx context.Context, folder string) error {
	if m.destroy == nil {
		return m.Stop(ctx, folder)
	}
	return m.destroy(ctx, folder)
}

// FromManager drives the environment behind m. destroy tears it down at
// Close; when nil, Close sends stop to the manager instead.
func FromManager(m env.Manager, destroy func(ctx context.Context, folder string) error) Target {
	return managerTarget{Manager: m, destroy: destroy}
}

// Callback runs after every step with the simulation's age.
type Callback func(ctx context.Context, age int) error

// Options configure a Simulation.
type Options struct {
	Order    Order
	Callback Callback
	Rand     *rand.Rand
	Logger   *zap.Logger
}

// Simulation advances a target one step at a time. Steps never overlap.
type Simulation struct {
	target   Target
	callback Callback
	logger   *zap.Logger
	started  time.Time

	mu         sync.Mutex
	order      Order
	rng        *rand.Rand
	age        int
	processing time.Duration
}

// New prepares a simulation over target. Agents must already be spawned.
func New(target Target, opts Options) *Simulation {
	if opts.Order == "" {
		opts.Order = Alphabetical
	}
	if opts.Rand == nil {
		opts.Rand = env.NewRand()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Simulation{
		target:   target,
		callback: opts.Callback,
		logger:   opts.Logger.Named("sim"),
		started:  time.Now(),
		order:    opts.Order,
		rng:      opts.Rand,
	}
}

// Age is the number of completed steps.
func (s *Simulation) Age() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.age
}

// Order returns the current trigger order.
func (s *Simulation) Order() Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

// SetOrder changes the trigger order from the next step on.
func (s *Simulation) SetOrder(o Order) error {
	if o != Alphabetical && o != Random {
		return fmt.Errorf("unknown step order %q", o)
	}
	s.mu.Lock()
	s.order = o
	s.mu.Unlock()
	return nil
}

func (s *Simulation) begin(ctx context.Context) (time.Time, error) {
	s.age++
	if err := s.target.SetAge(ctx, s.age); err != nil {
		s.age--
		return time.Time{}, fmt.Errorf("advance clock to %d: %w", s.age+1, err)
	}
	s.logger.Info("step started", zap.Int("age", s.age))
	return time.Now(), nil
}

func (s *Simulation) finish(ctx context.Context, start time.Time, results []env.Result) error {
	took := time.Since(start)
	s.processing += took
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	s.logger.Info("step finished", zap.Int("age", s.age), zap.Duration("took", took),
		zap.Int("agents", len(results)), zap.Int("failed", failed))
	if s.callback != nil {
		if err := s.callback(ctx, s.age); err != nil {
			return fmt.Errorf("step %d callback: %w", s.age, err)
		}
	}
	return nil
}

func (s *Simulation) ordered(ctx context.Context) ([]string, error) {
	agents, err := s.target.GetAgents(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if s.order == Random {
		s.rng.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
		return agents, nil
	}
	slices.Sort(agents)
	return agents, nil
}

// Step advances the clock and triggers every agent one after another in
// the simulation's order. An agent that fails gets an error entry; the rest
// still act.
func (s *Simulation) Step(ctx context.Context) ([]env.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.ordered(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]env.Result, 0, len(agents))
	for _, addr := range agents {
		v, err := s.target.TriggerAct(ctx, addr)
		r := env.Result{Addr: addr, Value: v}
		if err != nil {
			r.Err = err.Error()
			s.logger.Warn("agent failed to act", zap.String("agent", addr), zap.Error(err))
		}
		results = append(results, r)
	}
	return results, s.finish(ctx, start, results)
}

// Steps runs n sequential steps, stopping at the first error.
func (s *Simulation) Steps(ctx context.Context, n int) ([][]env.Result, error) {
	out := make([][]env.Result, 0, n)
	for range n {
		r, err := s.Step(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// AsyncStep advances the clock and triggers every agent at once.
func (s *Simulation) AsyncStep(ctx context.Context) ([]env.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	results, err := s.target.TriggerAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("trigger all: %w", err)
	}
	return results, s.finish(ctx, start, results)
}

// AsyncSteps runs n asynchronous steps, stopping at the first error.
func (s *Simulation) AsyncSteps(ctx context.Context, n int) ([][]env.Result, error) {
	out := make([][]env.Result, 0, n)
	for range n {
		r, err := s.AsyncStep(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Close destroys the target, saving into folder.
func (s *Simulation) Close(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.target.Destroy(ctx, folder)
	s.logger.Info("simulation completed", zap.Int("steps", s.age),
		zap.Duration("elapsed", time.Since(s.started)), zap.Duration("processing", s.processing))
	return err
}
