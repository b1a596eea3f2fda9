package env

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// Manager is the capability set through which a parent coordinator commands
// an environment. LocalManager serves it in-process, RemoteManager over RPC.
// A multi-environment's manager offers the same set, so coordinators stack.
type Manager interface {
	Addr() string

	Spawn(ctx context.Context, kind, name string, args json.RawMessage) (string, error)
	SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error)
	GetAgents(ctx context.Context, kind string) ([]string, error)

	Act(ctx context.Context, addr string) (json.RawMessage, error)
	GetOlder(ctx context.Context, addr string) (int, error)
	TriggerAll(ctx context.Context) ([]Result, error)

	Candidates(ctx context.Context) ([]*artifact.Artifact, error)
	AddCandidate(ctx context.Context, a *artifact.Artifact) error
	ClearCandidates(ctx context.Context) error
	ValidateCandidates(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error)
	GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error)
	Vote(ctx context.Context, cands []*artifact.Artifact) (vote.Ballot, error)

	Artifacts(ctx context.Context) ([]*artifact.Artifact, error)
	GetArtifacts(ctx context.Context, creator string) ([]*artifact.Artifact, error)

	CreateConnections(ctx context.Context, conns map[string]map[string]float64) error
	GetConnections(ctx context.Context) (map[string]map[string]float64, error)

	HostAddr(ctx context.Context) (string, error)
	SetHostAddr(ctx context.Context, addr string) error
	Report(ctx context.Context, msg string) (string, error)
	Handle(ctx context.Context, msg string) (string, error)

	IsReady(ctx context.Context) (bool, error)
	GetAge(ctx context.Context) (int, error)
	SetAge(ctx context.Context, age int) error
	Stop(ctx context.Context, folder string) error
}

// managerAgent is the agent occupying ID 0. It votes uniformly so that it
// never sways a round it is included in.
type managerAgent struct {
	*agent.Base
}

func (m *managerAgent) Vote(_ context.Context, cands []*artifact.Artifact) (vote.Ballot, error) {
	return vote.Rank(cands, make([]float64, len(cands))), nil
}

// LocalManager serves Manager for the environment it lives in.
type LocalManager struct {
	env     *Environment
	agent   *managerAgent
	methods rpc.Methods

	stopOnce   sync.Once
	stopped    chan struct{}
	mu         sync.Mutex
	stopFolder string
}

var _ Manager = (*LocalManager)(nil)

func newLocalManager(e *Environment) *LocalManager {
	addr := e.addr.String()
	m := &LocalManager{
		env:     e,
		agent:   &managerAgent{Base: agent.NewBase(addr, addr, "manager", e, e.logger)},
		stopped: make(chan struct{}),
	}
	m.methods = ManagerMethods(m)
	return m
}

func (m *LocalManager) Addr() string { return m.env.addr.String() }

// Name is the manager agent's name.
func (m *LocalManager) Name() string { return m.agent.Name() }

func (m *LocalManager) Spawn(ctx context.Context, kind, name string, args json.RawMessage) (string, error) {
	return m.env.Spawn(ctx, kind, name, args)
}

func (m *LocalManager) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	return m.env.SpawnN(ctx, kind, n, args)
}

// GetAgents lists the environment's agents, never including the manager.
func (m *LocalManager) GetAgents(_ context.Context, kind string) ([]string, error) {
	return m.env.AgentAddrs(Filter{Kind: kind}), nil
}

func (m *LocalManager) Act(ctx context.Context, addr string) (json.RawMessage, error) {
	v, err := m.env.TriggerAct(ctx, addr)
	if err != nil {
		return nil, err
	}
	return encodeValue(v)
}

func (m *LocalManager) GetOlder(_ context.Context, addr string) (int, error) {
	ag, err := m.env.Agent(addr)
	if err != nil {
		return 0, err
	}
	return ag.Core().GetOlder(), nil
}

func (m *LocalManager) TriggerAll(ctx context.Context) ([]Result, error) {
	return m.env.TriggerAll(ctx, false), nil
}

func (m *LocalManager) Candidates(ctx context.Context) ([]*artifact.Artifact, error) {
	return m.env.Candidates(ctx)
}

func (m *LocalManager) AddCandidate(ctx context.Context, a *artifact.Artifact) error {
	return m.env.AddCandidate(ctx, a)
}

func (m *LocalManager) ClearCandidates(ctx context.Context) error {
	return m.env.ClearCandidates(ctx)
}

// ValidateCandidates returns the subset of cands every agent here accepts.
func (m *LocalManager) ValidateCandidates(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	return m.env.Validate(ctx, cands)
}

func (m *LocalManager) GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error) {
	return m.env.GatherVotes(ctx, cands)
}

// Vote is the manager's own ballot: every candidate scored zero.
func (m *LocalManager) Vote(ctx context.Context, cands []*artifact.Artifact) (vote.Ballot, error) {
	return m.agent.Vote(ctx, cands)
}

func (m *LocalManager) Artifacts(context.Context) ([]*artifact.Artifact, error) {
	return m.env.Artifacts(), nil
}

// GetArtifacts returns the artifacts of the whole simulation: the host
// manager's when one is set, this environment's otherwise. A non-empty
// creator narrows the result.
func (m *LocalManager) GetArtifacts(ctx context.Context, creator string) ([]*artifact.Artifact, error) {
	p, err := m.env.hostProxy()
	if err != nil {
		if creator == "" {
			return m.env.Artifacts(), nil
		}
		return m.env.ArtifactsBy(creator), nil
	}
	var arts []*artifact.Artifact
	if err := p.Call(ctx, MethodGetArtifacts, creatorParams{Creator: creator}, &arts); err != nil {
		return nil, fmt.Errorf("get artifacts from host manager: %w", err)
	}
	return arts, nil
}

func (m *LocalManager) CreateConnections(_ context.Context, conns map[string]map[string]float64) error {
	return m.env.CreateConnections(conns)
}

func (m *LocalManager) GetConnections(context.Context) (map[string]map[string]float64, error) {
	return m.env.GetConnections(), nil
}

func (m *LocalManager) HostAddr(context.Context) (string, error) {
	return m.env.HostManager(), nil
}

func (m *LocalManager) SetHostAddr(_ context.Context, addr string) error {
	return m.env.SetHostManager(addr)
}

func (m *LocalManager) Report(ctx context.Context, msg string) (string, error) {
	return m.env.ReportToHost(ctx, msg)
}

// Handle processes a message reported by a child manager.
func (m *LocalManager) Handle(ctx context.Context, msg string) (string, error) {
	m.env.logger.Info("message from child manager", zap.String("msg", msg))
	if m.env.cfg.OnMessage != nil {
		return m.env.cfg.OnMessage(ctx, msg)
	}
	return "", nil
}

func (m *LocalManager) IsReady(context.Context) (bool, error) {
	return m.env.IsReady(), nil
}

func (m *LocalManager) GetAge(context.Context) (int, error) {
	return m.env.Age(), nil
}

func (m *LocalManager) SetAge(_ context.Context, age int) error {
	return m.env.SetAge(age)
}

// Stop records that the environment should shut down, saving into folder.
// Whatever drives the process watches StopReceived.
func (m *LocalManager) Stop(_ context.Context, folder string) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopFolder = folder
		m.mu.Unlock()
		close(m.stopped)
		m.env.logger.Info("stop received", zap.String("folder", folder))
	})
	return nil
}

// StopFolder is the folder given with the first stop.
func (m *LocalManager) StopFolder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopFolder
}

// ManagerMethods exposes m over RPC.
func ManagerMethods(m Manager) rpc.Methods {
	return rpc.Methods{
		MethodSpawn: rpc.Bind(func(ctx context.Context, p spawnParams) (string, error) {
			return m.Spawn(ctx, p.Kind, p.Name, p.Args)
		}),
		MethodSpawnN: rpc.Bind(func(ctx context.Context, p spawnNParams) ([]string, error) {
			return m.SpawnN(ctx, p.Kind, p.N, p.Args)
		}),
		MethodGetAgents: rpc.Bind(func(ctx context.Context, p getAgentsParams) ([]string, error) {
			return m.GetAgents(ctx, p.Kind)
		}),
		MethodAct: rpc.Bind(func(ctx context.Context, p addrParams) (json.RawMessage, error) {
			return m.Act(ctx, p.Addr)
		}),
		MethodGetOlder: rpc.Bind(func(ctx context.Context, p addrParams) (int, error) {
			return m.GetOlder(ctx, p.Addr)
		}),
		MethodTriggerAll: rpc.Bind0(m.TriggerAll),
		MethodCandidates: rpc.Bind0(m.Candidates),
		MethodAddCandidate: rpc.Bind(func(ctx context.Context, a *artifact.Artifact) (struct{}, error) {
			if a == nil {
				return struct{}{}, fmt.Errorf("missing candidate")
			}
			return struct{}{}, m.AddCandidate(ctx, a)
		}),
		MethodClearCandidates: rpc.Bind0(func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.ClearCandidates(ctx)
		}),
		MethodValidateCandidates: rpc.Bind(func(ctx context.Context, p candidatesParams) ([]string, error) {
			valid, err := m.ValidateCandidates(ctx, p.Candidates)
			return artifact.Keys(valid), err
		}),
		MethodGatherVotes: rpc.Bind(func(ctx context.Context, p candidatesParams) ([]vote.KeyedBallot, error) {
			ballots, err := m.GatherVotes(ctx, p.Candidates)
			return vote.KeyBallots(ballots), err
		}),
		MethodVote: rpc.Bind(func(ctx context.Context, p candidatesParams) (vote.KeyedBallot, error) {
			b, err := m.Vote(ctx, p.Candidates)
			return b.Keyed(), err
		}),
		MethodArtifacts: rpc.Bind0(m.Artifacts),
		MethodGetArtifacts: rpc.Bind(func(ctx context.Context, p creatorParams) ([]*artifact.Artifact, error) {
			return m.GetArtifacts(ctx, p.Creator)
		}),
		MethodCreateConnections: rpc.Bind(func(ctx context.Context, conns map[string]map[string]float64) (struct{}, error) {
			return struct{}{}, m.CreateConnections(ctx, conns)
		}),
		MethodGetConnections: rpc.Bind0(m.GetConnections),
		MethodHostAddr:       rpc.Bind0(m.HostAddr),
		MethodSetHostAddr: rpc.Bind(func(ctx context.Context, p addrParams) (struct{}, error) {
			return struct{}{}, m.SetHostAddr(ctx, p.Addr)
		}),
		MethodReport: rpc.Bind(func(ctx context.Context, p messageParams) (string, error) {
			return m.Report(ctx, p.Msg)
		}),
		MethodHandle: rpc.Bind(func(ctx context.Context, p messageParams) (string, error) {
			return m.Handle(ctx, p.Msg)
		}),
		MethodIsReady: rpc.Bind0(m.IsReady),
		MethodGetAge:  rpc.Bind0(m.GetAge),
		MethodSetAge: rpc.Bind(func(ctx context.Context, p ageParams) (struct{}, error) {
			return struct{}{}, m.SetAge(ctx, p.Age)
		}),
		MethodStop: rpc.Bind(func(ctx context.Context, p folderParams) (struct{}, error) {
			return struct{}{}, m.Stop(ctx, p.Folder)
		}),
	}
}
