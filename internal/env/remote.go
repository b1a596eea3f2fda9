package env

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// RemoteManager reaches a manager in another process. Transport failures
// surface as *rpc.ConnError, handler failures as *rpc.RemoteError.
type RemoteManager struct {
	proxy *rpc.Proxy
}

var _ Manager = (*RemoteManager)(nil)

// NewRemoteManager returns a handle for the manager at addr. Nothing is
// dialed until the first call.
func NewRemoteManager(c *rpc.Client, addr rpc.Addr) *RemoteManager {
	return &RemoteManager{proxy: c.Proxy(addr.Manager())}
}

// DialManager connects to the manager at addr within timeout.
func DialManager(ctx context.Context, c *rpc.Client, addr rpc.Addr, timeout time.Duration) (*RemoteManager, error) {
	p, err := c.Connect(ctx, addr.Manager(), timeout)
	if err != nil {
		return nil, err
	}
	return &RemoteManager{proxy: p}, nil
}

// Proxy exposes the underlying proxy for methods outside the Manager set.
func (r *RemoteManager) Proxy() *rpc.Proxy { return r.proxy }

func (r *RemoteManager) Addr() string { return r.proxy.Addr().String() }

func (r *RemoteManager) Spawn(ctx context.Context, kind, name string, args json.RawMessage) (string, error) {
	var addr string
	err := r.proxy.Call(ctx, MethodSpawn, spawnParams{Kind: kind, Name: name, Args: args}, &addr)
	return addr, err
}

func (r *RemoteManager) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	var addrs []string
	err := r.proxy.Call(ctx, MethodSpawnN, spawnNParams{Kind: kind, N: n, Args: args}, &addrs)
	return addrs, err
}

func (r *RemoteManager) GetAgents(ctx context.Context, kind string) ([]string, error) {
	var addrs []string
	err := r.proxy.Call(ctx, MethodGetAgents, getAgentsParams{Kind: kind}, &addrs)
	return addrs, err
}

func (r *RemoteManager) Act(ctx context.Context, addr string) (json.RawMessage, error) {
	var v json.RawMessage
	err := r.proxy.Call(ctx, MethodAct, addrParams{Addr: addr}, &v)
	return v, err
}

func (r *RemoteManager) GetOlder(ctx context.Context, addr string) (int, error) {
	var age int
	err := r.proxy.Call(ctx, MethodGetOlder, addrParams{Addr: addr}, &age)
	return age, err
}

func (r *RemoteManager) TriggerAll(ctx context.Context) ([]Result, error) {
	var results []Result
	err := r.proxy.Call(ctx, MethodTriggerAll, nil, &results)
	return results, err
}

func (r *RemoteManager) Candidates(ctx context.Context) ([]*artifact.Artifact, error) {
	var cands []*artifact.Artifact
	err := r.proxy.Call(ctx, MethodCandidates, nil, &cands)
	return cands, err
}

func (r *RemoteManager) AddCandidate(ctx context.Context, a *artifact.Artifact) error {
	return r.proxy.Call(ctx, MethodAddCandidate, a, nil)
}

func (r *RemoteManager) ClearCandidates(ctx context.Context) error {
	return r.proxy.Call(ctx, MethodClearCandidates, nil, nil)
}

func (r *RemoteManager) ValidateCandidates(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	var keys []string
	if err := r.proxy.Call(ctx, MethodValidateCandidates, candidatesParams{Candidates: cands}, &keys); err != nil {
		return nil, err
	}
	return artifact.Select(cands, keys), nil
}

// GatherVotes receives keyed ballots and resolves them against cands.
func (r *RemoteManager) GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error) {
	var kbs []vote.KeyedBallot
	if err := r.proxy.Call(ctx, MethodGatherVotes, candidatesParams{Candidates: cands}, &kbs); err != nil {
		return nil, err
	}
	return vote.ResolveBallots(kbs, cands), nil
}

func (r *RemoteManager) Vote(ctx context.Context, cands []*artifact.Artifact) (vote.Ballot, error) {
	var kb vote.KeyedBallot
	if err := r.proxy.Call(ctx, MethodVote, candidatesParams{Candidates: cands}, &kb); err != nil {
		return nil, err
	}
	return kb.Resolve(cands), nil
}

func (r *RemoteManager) Artifacts(ctx context.Context) ([]*artifact.Artifact, error) {
	var arts []*artifact.Artifact
	err := r.proxy.Call(ctx, MethodArtifacts, nil, &arts)
	return arts, err
}

func (r *RemoteManager) GetArtifacts(ctx context.Context, creator string) ([]*artifact.Artifact, error) {
	var arts []*artifact.Artifact
	err := r.proxy.Call(ctx, MethodGetArtifacts, creatorParams{Creator: creator}, &arts)
	return arts, err
}

func (r *RemoteManager) CreateConnections(ctx context.Context, conns map[string]map[string]float64) error {
	return r.proxy.Call(ctx, MethodCreateConnections, conns, nil)
}

func (r *RemoteManager) GetConnections(ctx context.Context) (map[string]map[string]float64, error) {
	var conns map[string]map[string]float64
	err := r.proxy.Call(ctx, MethodGetConnections, nil, &conns)
	return conns, err
}

func (r *RemoteManager) HostAddr(ctx context.Context) (string, error) {
	var addr string
	err := r.proxy.Call(ctx, MethodHostAddr, nil, &addr)
	return addr, err
}

func (r *RemoteManager) SetHostAddr(ctx context.Context, addr string) error {
	return r.proxy.Call(ctx, MethodSetHostAddr, addrParams{Addr: addr}, nil)
}

func (r *RemoteManager) Report(ctx context.Context, msg string) (string, error) {
	var reply string
	err := r.proxy.Call(ctx, MethodReport, messageParams{Msg: msg}, &reply)
	return reply, err
}

func (r *RemoteManager) Handle(ctx context.Context, msg string) (string, error) {
	var reply string
	err := r.proxy.Call(ctx, MethodHandle, messageParams{Msg: msg}, &reply)
	return reply, err
}

func (r *RemoteManager) IsReady(ctx context.Context) (bool, error) {
	var ready bool
	err := r.proxy.Call(ctx, MethodIsReady, nil, &ready)
	return ready, err
}

func (r *RemoteManager) GetAge(ctx context.Context) (int, error) {
	var age int
	err := r.proxy.Call(ctx, MethodGetAge, nil, &age)
	return age, err
}

func (r *RemoteManager) SetAge(ctx context.Context, age int) error {
	return r.proxy.Call(ctx, MethodSetAge, ageParams{Age: age}, nil)
}

func (r *RemoteManager) Stop(ctx context.Context, folder string) error {
	return r.proxy.Call(ctx, MethodStop, folderParams{Folder: folder}, nil)
}

// AgentProxy is a handle to one remote agent's exposed methods.
type AgentProxy struct {
	proxy *rpc.Proxy
}

// NewAgentProxy returns a handle for the agent at addr.
func NewAgentProxy(c *rpc.Client, addr rpc.Addr) *AgentProxy {
	return &AgentProxy{proxy: c.Proxy(addr)}
}

func (a *AgentProxy) Addr() string { return a.proxy.Addr().String() }

// Act ages the agent and lets it act.
func (a *AgentProxy) Act(ctx context.Context) (json.RawMessage, error) {
	var v json.RawMessage
	err := a.proxy.Call(ctx, MethodAct, nil, &v)
	return v, err
}

func (a *AgentProxy) Evaluate(ctx context.Context, art *artifact.Artifact) (artifact.Evaluation, error) {
	var ev artifact.Evaluation
	err := a.proxy.Call(ctx, MethodEvaluate, art, &ev)
	return ev, err
}

func (a *AgentProxy) GetOlder(ctx context.Context) (int, error) {
	var age int
	err := a.proxy.Call(ctx, MethodGetOlder, nil, &age)
	return age, err
}

func (a *AgentProxy) Vote(ctx context.Context, cands []*artifact.Artifact) (vote.Ballot, error) {
	var kb vote.KeyedBallot
	if err := a.proxy.Call(ctx, MethodVote, candidatesParams{Candidates: cands}, &kb); err != nil {
		return nil, err
	}
	return kb.Resolve(cands), nil
}

func (a *AgentProxy) Validate(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	var keys []string
	if err := a.proxy.Call(ctx, MethodValidate, candidatesParams{Candidates: cands}, &keys); err != nil {
		return nil, err
	}
	return artifact.Select(cands, keys), nil
}

func (a *AgentProxy) AddConnection(ctx context.Context, addr string, attitude float64) (bool, error) {
	var added bool
	err := a.proxy.Call(ctx, MethodAddConnection, connectionParams{Addr: addr, Attitude: attitude}, &added)
	return added, err
}

func (a *AgentProxy) RemoveConnection(ctx context.Context, addr string) (bool, error) {
	var removed bool
	err := a.proxy.Call(ctx, MethodRemoveConnection, addrParams{Addr: addr}, &removed)
	return removed, err
}

func (a *AgentProxy) Connections(ctx context.Context) (map[string]float64, error) {
	var conns map[string]float64
	err := a.proxy.Call(ctx, MethodConnections, nil, &conns)
	return conns, err
}
