package agent

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rules"
)

// Host is the environment side of an agent: where it publishes artifacts,
// proposes candidates and asks other agents for opinions.
type Host interface {
	AddArtifact(a *artifact.Artifact)
	AddCandidate(ctx context.Context, a *artifact.Artifact) error
	AskOpinion(ctx context.Context, addr string, a *artifact.Artifact) (float64, []byte, error)
}

// Base holds the state common to all agents. Its methods are safe for
// concurrent use.
type Base struct {
	addr   string
	name   string
	kind   string
	host   Host
	logger *zap.Logger

	mu          sync.RWMutex
	age         int
	maxRes      int
	curRes      int
	rules       []rules.Evaluator
	weights     []float64
	artifacts   []*artifact.Artifact
	knowledge   map[string][]*artifact.Artifact
	connections []string
	attitudes   []float64
}

// NewBase creates the base state for an agent at addr. An empty name
// defaults to the address.
func NewBase(addr, name, kind string, host Host, logger *zap.Logger) *Base {
	if name == "" {
		name = addr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		addr:      addr,
		name:      name,
		kind:      kind,
		host:      host,
		logger:    logger.With(zap.String("agent", name)),
		knowledge: make(map[string][]*artifact.Artifact),
	}
}

func (b *Base) Core() *Base         { return b }
func (b *Base) Addr() string        { return b.addr }
func (b *Base) Name() string        { return b.name }
func (b *Base) Kind() string        { return b.kind }
func (b *Base) Logger() *zap.Logger { return b.logger }

// Act does nothing; concrete agents override it.
func (b *Base) Act(context.Context) (any, error) { return nil, nil }

// Close does nothing; agents with state to flush override it.
func (b *Base) Close(string) error { return nil }

// Evaluate scores a by the weighted average of the agent's rules, dividing
// by the sum of absolute weights of the rules that support a's domain.
// Without applicable rules the score is 0.
func (b *Base) Evaluate(_ context.Context, a *artifact.Artifact) (float64, []byte, error) {
	b.mu.RLock()
	rs := append([]rules.Evaluator(nil), b.rules...)
	ws := append([]float64(nil), b.weights...)
	b.mu.RUnlock()

	var sum, wsum float64
	for i, r := range rs {
		s, ok, err := r.Evaluate(a)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		sum += s * ws[i]
		if ws[i] < 0 {
			wsum -= ws[i]
		} else {
			wsum += ws[i]
		}
	}
	if wsum == 0 {
		return 0, nil, nil
	}
	return sum / wsum, nil, nil
}

// Age returns how many times the agent has been triggered.
func (b *Base) Age() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.age
}

// GetOlder advances the agent's age by one.
func (b *Base) GetOlder() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.age++
	return b.age
}

// Resources returns the current and maximum resources. A maximum of 0
// means unlimited.
func (b *Base) Resources() (current, limit int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.curRes, b.maxRes
}

// SetMaxResources sets the cap and clamps the current amount to it.
func (b *Base) SetMaxResources(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.maxRes = n
	b.curRes = b.clampRes(b.curRes)
}

// SetResources sets the current amount, clamped to [0, max].
func (b *Base) SetResources(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curRes = b.clampRes(n)
}

// Spend takes n resources if available.
func (b *Base) Spend(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.curRes {
		return false
	}
	b.curRes -= n
	return true
}

// Refill restores current resources to the maximum.
func (b *Base) Refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.curRes = b.maxRes
}

func (b *Base) clampRes(n int) int {
	if n < 0 {
		return 0
	}
	if b.maxRes > 0 && n > b.maxRes {
		return b.maxRes
	}
	return n
}

// AddRule attaches r with weight w. It reports false if r is already present.
func (b *Base) AddRule(r rules.Evaluator, w float64) (bool, error) {
	if err := rules.CheckWeight(w); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.rules, r) {
		return false, nil
	}
	b.rules = append(b.rules, r)
	b.weights = append(b.weights, w)
	return true, nil
}

// RemoveRule detaches r. It reports false if r was not present.
func (b *Base) RemoveRule(r rules.Evaluator) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.rules, r)
	if i < 0 {
		return false
	}
	b.rules = slices.Delete(b.rules, i, i+1)
	b.weights = slices.Delete(b.weights, i, i+1)
	return true
}

// SetWeight changes the weight of an attached rule.
func (b *Base) SetWeight(r rules.Evaluator, w float64) error {
	if err := rules.CheckWeight(w); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.rules, r)
	if i < 0 {
		return fmt.Errorf("rule not attached to %s", b.name)
	}
	b.weights[i] = w
	return nil
}

// Weight returns the weight of an attached rule.
func (b *Base) Weight(r rules.Evaluator) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := slices.Index(b.rules, r)
	if i < 0 {
		return 0, false
	}
	return b.weights[i], true
}

// Rules returns the attached rules in insertion order.
func (b *Base) Rules() []rules.Evaluator {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]rules.Evaluator(nil), b.rules...)
}

// Artifacts returns the artifacts this agent has published.
func (b *Base) Artifacts() []*artifact.Artifact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*artifact.Artifact(nil), b.artifacts...)
}

// Publish records a as created by this agent and archives it in the host.
func (b *Base) Publish(a *artifact.Artifact) {
	b.mu.Lock()
	b.artifacts = append(b.artifacts, a)
	b.mu.Unlock()
	if b.host != nil {
		b.host.AddArtifact(a)
	}
}

// Propose offers a as a candidate for the next voting round.
func (b *Base) Propose(ctx context.Context, a *artifact.Artifact) error {
	if b.host == nil {
		return fmt.Errorf("agent %s has no host", b.name)
	}
	return b.host.AddCandidate(ctx, a)
}

// AskOpinion asks the agent at addr to evaluate a and records the answer in
// a's evaluation table.
func (b *Base) AskOpinion(ctx context.Context, addr string, a *artifact.Artifact) (float64, []byte, error) {
	if b.host == nil {
		return 0, nil, fmt.Errorf("agent %s has no host", b.name)
	}
	score, framing, err := b.host.AskOpinion(ctx, addr, a)
	if err != nil {
		return 0, nil, err
	}
	a.AddEvaluation(addr, score, framing)
	return score, framing, nil
}

// Learn stores a in the agent's domain knowledge under its creator.
func (b *Base) Learn(a *artifact.Artifact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.knowledge[a.Creator()] = append(b.knowledge[a.Creator()], a)
}

// Knowledge returns what the agent has learned from creator.
func (b *Base) Knowledge(creator string) []*artifact.Artifact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*artifact.Artifact(nil), b.knowledge[creator]...)
}
