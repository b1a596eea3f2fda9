package env

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/fanout"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// AddArtifact appends a to the archive.
func (e *Environment) AddArtifact(a *artifact.Artifact) {
	e.mu.Lock()
	e.artifacts = append(e.artifacts, a)
	n := len(e.artifacts)
	e.mu.Unlock()
	e.logger.Debug("artifact archived", zap.Stringer("artifact", a), zap.Int("archived", n))
}

// Artifacts returns the archive in the order artifacts were added.
func (e *Environment) Artifacts() []*artifact.Artifact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*artifact.Artifact(nil), e.artifacts...)
}

// ArtifactsBy returns the archived artifacts created by creator.
func (e *Environment) ArtifactsBy(creator string) []*artifact.Artifact {
	return artifact.ByCreator(e.Artifacts(), creator)
}

// AddCandidate puts a into the candidate pool. With a host manager set the
// candidate is forwarded to it instead, so a multi-environment keeps a
// single pool.
func (e *Environment) AddCandidate(ctx context.Context, a *artifact.Artifact) error {
	if p, err := e.hostProxy(); err == nil {
		if err := p.Call(ctx, MethodAddCandidate, a, nil); err != nil {
			return fmt.Errorf("forward candidate to host manager: %w", err)
		}
		return nil
	}
	e.mu.Lock()
	e.candidates = append(e.candidates, a)
	e.mu.Unlock()
	e.logger.Debug("candidate added", zap.Stringer("artifact", a))
	return nil
}

// Candidates returns the current candidate pool.
func (e *Environment) Candidates(context.Context) ([]*artifact.Artifact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*artifact.Artifact(nil), e.candidates...), nil
}

// ClearCandidates empties the candidate pool.
func (e *Environment) ClearCandidates(context.Context) error {
	e.mu.Lock()
	e.candidates = nil
	e.mu.Unlock()
	return nil
}

// Validate returns the candidates every non-manager agent accepts. Any one
// agent can veto any candidate.
func (e *Environment) Validate(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	agents := e.GetAgents(Filter{})
	outs := fanout.Map(ctx, agents, e.cfg.Concurrency, func(ctx context.Context, ag agent.Agent) ([]*artifact.Artifact, error) {
		return agent.Validate(ctx, ag, cands)
	})
	accepted, err := fanout.Values(outs, func(i int) string { return agents[i].Core().Addr() })
	if err != nil {
		return nil, err
	}
	return artifact.Intersect(cands, accepted...), nil
}

// ValidateCandidates replaces the pool with its validated subset.
func (e *Environment) ValidateCandidates(ctx context.Context) ([]*artifact.Artifact, error) {
	cands, _ := e.Candidates(ctx)
	valid, err := e.Validate(ctx, cands)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.candidates = valid
	e.mu.Unlock()
	e.logger.Debug("candidates validated", zap.Int("before", len(cands)), zap.Int("after", len(valid)))
	return append([]*artifact.Artifact(nil), valid...), nil
}

// GatherVotes collects one ballot per non-manager agent, in spawn order.
func (e *Environment) GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error) {
	agents := e.GetAgents(Filter{})
	outs := fanout.Map(ctx, agents, e.cfg.Concurrency, func(ctx context.Context, ag agent.Agent) (vote.Ballot, error) {
		return agent.Vote(ctx, ag, cands)
	})
	return fanout.Values(outs, func(i int) string { return agents[i].Core().Addr() })
}

// PerformVoting runs one voting round over the current pool and returns the
// accepted candidates with their scores. An empty pool gives an empty result.
func (e *Environment) PerformVoting(ctx context.Context, method vote.Method, accepted int, validate bool) ([]vote.Scored, error) {
	return vote.NewOrganizer(e, e.rng.Fork(), e.logger).Run(ctx, method, accepted, validate)
}

// AskOpinion asks the agent at addr to evaluate a, locally when it lives in
// this environment and over RPC otherwise.
func (e *Environment) AskOpinion(ctx context.Context, addr string, a *artifact.Artifact) (float64, []byte, error) {
	target, err := rpc.ParseAddr(addr)
	if err != nil {
		return 0, nil, err
	}
	if e.isLocal(target) {
		ag, err := e.Agent(addr)
		if err != nil {
			return 0, nil, err
		}
		return ag.Evaluate(ctx, a)
	}
	var ev artifact.Evaluation
	if err := e.client.Proxy(target).Call(ctx, MethodEvaluate, a, &ev); err != nil {
		return 0, nil, err
	}
	return ev.Score, ev.Framing, nil
}
