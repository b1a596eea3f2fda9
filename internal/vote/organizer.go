package vote

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

// Target is whatever an organizer runs a round against: a single
// environment, a multi-environment or a distributed environment.
type Target interface {
	Candidates(ctx context.Context) ([]*artifact.Artifact, error)
	ClearCandidates(ctx context.Context) error
	Validate(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error)
	GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]Ballot, error)
}

// Organizer splits a voting round into separately callable steps. Each
// gather replaces the previous state instead of merging into it.
type Organizer struct {
	target Target
	logger *zap.Logger
	rng    *rand.Rand

	mu         sync.Mutex
	candidates []*artifact.Artifact
	votes      []Ballot
}

// NewOrganizer creates an organizer for target. rng drives the random
// method; a nil rng uses the package-level source.
func NewOrganizer(target Target, rng *rand.Rand, logger *zap.Logger) *Organizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Organizer{target: target, rng: rng, logger: logger.Named("vote-organizer")}
}

// Candidates returns the organizer's current candidate list.
func (o *Organizer) Candidates() []*artifact.Artifact {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*artifact.Artifact(nil), o.candidates...)
}

// Votes returns the ballots from the last gather.
func (o *Organizer) Votes() []Ballot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Ballot(nil), o.votes...)
}

// GatherCandidates replaces the candidate list with the target's pool.
func (o *Organizer) GatherCandidates(ctx context.Context) error {
	cands, err := o.target.Candidates(ctx)
	if err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}
	o.mu.Lock()
	o.candidates = artifact.Dedup(cands)
	o.mu.Unlock()
	o.logger.Debug("gathered candidates", zap.Int("count", len(cands)))
	return nil
}

// ClearCandidates drops the organizer's candidates and, when clearTarget is
// set, the target's pool as well.
func (o *Organizer) ClearCandidates(ctx context.Context, clearTarget bool) error {
	o.mu.Lock()
	o.candidates = nil
	o.mu.Unlock()
	if !clearTarget {
		return nil
	}
	if err := o.target.ClearCandidates(ctx); err != nil {
		return fmt.Errorf("clear target candidates: %w", err)
	}
	return nil
}

// ValidateCandidates narrows the candidate list to those every agent accepts.
func (o *Organizer) ValidateCandidates(ctx context.Context) error {
	cands := o.Candidates()
	if len(cands) == 0 {
		return nil
	}
	valid, err := o.target.Validate(ctx, cands)
	if err != nil {
		return fmt.Errorf("validate candidates: %w", err)
	}
	o.mu.Lock()
	o.candidates = valid
	o.mu.Unlock()
	if dropped := len(cands) - len(valid); dropped > 0 {
		o.logger.Debug("candidates vetoed", zap.Int("dropped", dropped), zap.Int("kept", len(valid)))
	}
	return nil
}

// GatherVotes replaces the ballots with fresh ones for the current candidates.
func (o *Organizer) GatherVotes(ctx context.Context) error {
	cands := o.Candidates()
	if len(cands) == 0 {
		o.mu.Lock()
		o.votes = nil
		o.mu.Unlock()
		return nil
	}
	ballots, err := o.target.GatherVotes(ctx, cands)
	if err != nil {
		return fmt.Errorf("gather votes: %w", err)
	}
	o.mu.Lock()
	o.votes = ballots
	o.mu.Unlock()
	return nil
}

// ComputeResults applies method to the gathered ballots. Missing candidates
// or ballots are logged and produce an empty result.
func (o *Organizer) ComputeResults(method Method, accepted int) ([]Scored, error) {
	o.mu.Lock()
	cands, votes := o.candidates, o.votes
	o.mu.Unlock()

	if len(cands) == 0 {
		o.logger.Warn("no candidates to vote on", zap.String("method", string(method)))
		return nil, nil
	}
	if len(votes) == 0 && method != MethodRandom {
		o.logger.Warn("no ballots gathered", zap.String("method", string(method)))
		return nil, nil
	}
	return Compute(method, cands, votes, accepted, o.rng)
}

// Run chains gather, optional validation, vote gathering and computation.
func (o *Organizer) Run(ctx context.Context, method Method, accepted int, validate bool) ([]Scored, error) {
	if err := o.GatherCandidates(ctx); err != nil {
		return nil, err
	}
	if validate {
		if err := o.ValidateCandidates(ctx); err != nil {
			return nil, err
		}
	}
	if err := o.GatherVotes(ctx); err != nil {
		return nil, err
	}
	return o.ComputeResults(method, accepted)
}
