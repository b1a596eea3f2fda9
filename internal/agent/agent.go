// Package agent defines the capability surface every simulated agent
// exposes and the Base state that concrete agents embed.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/vote"
)

var (
	// ErrNotConnected is returned when an operation names a peer the agent
	// has no connection to.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownKind is returned by a Registry lookup miss.
	ErrUnknownKind = errors.New("unknown agent kind")
)

// Agent is the capability surface an environment drives. Concrete agents
// embed *Base, which supplies Core and default behaviour for the rest.
type Agent interface {
	Core() *Base
	Act(ctx context.Context) (any, error)
	Evaluate(ctx context.Context, a *artifact.Artifact) (float64, []byte, error)
	Close(folder string) error
}

// Voter is implemented by agents with their own ballot logic.
type Voter interface {
	Vote(ctx context.Context, cands []*artifact.Artifact) (vote.Ballot, error)
}

// Validator is implemented by agents that can veto candidates.
type Validator interface {
	Validate(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error)
}

// Vote returns ag's ballot over cands, using DefaultVote unless ag is a Voter.
func Vote(ctx context.Context, ag Agent, cands []*artifact.Artifact) (vote.Ballot, error) {
	if v, ok := ag.(Voter); ok {
		return v.Vote(ctx, cands)
	}
	return DefaultVote(ctx, ag, cands)
}

// DefaultVote evaluates every candidate and ranks them by descending score.
func DefaultVote(ctx context.Context, ag Agent, cands []*artifact.Artifact) (vote.Ballot, error) {
	scores := make([]float64, len(cands))
	for i, c := range cands {
		s, _, err := ag.Evaluate(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", c, err)
		}
		scores[i] = s
	}
	return vote.Rank(cands, scores), nil
}

// Validate returns the candidates ag accepts. Agents that are not
// Validators accept everything.
func Validate(ctx context.Context, ag Agent, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	if v, ok := ag.(Validator); ok {
		return v.Validate(ctx, cands)
	}
	return append([]*artifact.Artifact(nil), cands...), nil
}

// Factory builds an agent around a prepared Base from JSON arguments.
type Factory func(b *Base, args json.RawMessage) (Agent, error)

// Registry maps agent kinds to factories. It is the spawn command executor
// environments consult when asked to create an agent by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds kind. Registering the same kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("agent kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Lookup returns the factory for kind.
func (r *Registry) Lookup(kind string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
