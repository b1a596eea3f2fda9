package multienv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// MethodGetSlaveManagers is the one manager method a multi-environment adds
// to the environment set.
const MethodGetSlaveManagers = "get_slave_managers"

// Manager serves env.Manager for a multi-environment, plus the list of its
// slave managers. A parent coordinator cannot tell it from a single
// environment's manager.
type Manager struct {
	m *MultiEnvironment

	stopOnce   sync.Once
	stopped    chan struct{}
	mu         sync.Mutex
	stopFolder string
}

var _ env.Manager = (*Manager)(nil)

// Methods exposes the manager over RPC.
func (g *Manager) Methods() rpc.Methods {
	methods := env.ManagerMethods(g)
	methods[MethodGetSlaveManagers] = rpc.Bind0(g.SlaveManagers)
	return methods
}

func (g *Manager) Addr() string { return g.m.addr.String() }

// SlaveManagers returns the addresses of the slave managers.
func (g *Manager) SlaveManagers(context.Context) ([]string, error) {
	return g.m.GetSlaveManagers(), nil
}

// Spawn places the agent in the slave with the fewest agents.
func (g *Manager) Spawn(ctx context.Context, kind, name string, args json.RawMessage) (string, error) {
	return g.m.Spawn(ctx, kind, name, args, "")
}

func (g *Manager) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	return g.m.SpawnN(ctx, kind, n, args, "")
}

func (g *Manager) GetAgents(ctx context.Context, kind string) ([]string, error) {
	return g.m.GetAgents(ctx, kind)
}

func (g *Manager) Act(ctx context.Context, addr string) (json.RawMessage, error) {
	return g.m.TriggerAct(ctx, addr)
}

func (g *Manager) GetOlder(ctx context.Context, addr string) (int, error) {
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return 0, err
	}
	return env.NewAgentProxy(g.m.client, a).GetOlder(ctx)
}

func (g *Manager) TriggerAll(ctx context.Context) ([]env.Result, error) {
	return g.m.TriggerAll(ctx)
}

func (g *Manager) Candidates(ctx context.Context) ([]*artifact.Artifact, error) {
	return g.m.Candidates(ctx)
}

func (g *Manager) AddCandidate(ctx context.Context, a *artifact.Artifact) error {
	return g.m.AddCandidate(ctx, a)
}

func (g *Manager) ClearCandidates(ctx context.Context) error {
	return g.m.ClearCandidates(ctx)
}

func (g *Manager) ValidateCandidates(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	return g.m.Validate(ctx, cands)
}

func (g *Manager) GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error) {
	return g.m.GatherVotes(ctx, cands)
}

// Vote scores every candidate zero, like an environment's manager.
func (g *Manager) Vote(_ context.Context, cands []*artifact.Artifact) (vote.Ballot, error) {
	return vote.Rank(cands, make([]float64, len(cands))), nil
}

func (g *Manager) Artifacts(context.Context) ([]*artifact.Artifact, error) {
	return g.m.Artifacts(), nil
}

func (g *Manager) GetArtifacts(ctx context.Context, creator string) ([]*artifact.Artifact, error) {
	host := g.m.HostManager()
	if host == "" {
		return g.m.GetArtifacts(creator), nil
	}
	arts, err := g.host(host).GetArtifacts(ctx, creator)
	if err != nil {
		return nil, fmt.Errorf("get artifacts from host manager: %w", err)
	}
	return arts, nil
}

func (g *Manager) host(addr string) *env.RemoteManager {
	return env.NewRemoteManager(g.m.client, rpc.MustParseAddr(addr))
}

func (g *Manager) CreateConnections(ctx context.Context, conns map[string]map[string]float64) error {
	return g.m.CreateConnections(ctx, conns)
}

func (g *Manager) GetConnections(ctx context.Context) (map[string]map[string]float64, error) {
	return g.m.GetConnections(ctx)
}

func (g *Manager) HostAddr(context.Context) (string, error) {
	return g.m.HostManager(), nil
}

func (g *Manager) SetHostAddr(_ context.Context, addr string) error {
	return g.m.SetHostManager(addr)
}

// Report passes msg to the host manager's Handle.
func (g *Manager) Report(ctx context.Context, msg string) (string, error) {
	host := g.m.HostManager()
	if host == "" {
		return "", env.ErrNoHostManager
	}
	return g.host(host).Handle(ctx, msg)
}

// Handle processes a message reported by a slave manager.
func (g *Manager) Handle(ctx context.Context, msg string) (string, error) {
	g.m.logger.Info("message from slave manager", zap.String("msg", msg))
	if g.m.cfg.OnMessage != nil {
		return g.m.cfg.OnMessage(ctx, msg)
	}
	return "", nil
}

func (g *Manager) IsReady(ctx context.Context) (bool, error) {
	return g.m.IsReady(ctx), nil
}

func (g *Manager) GetAge(context.Context) (int, error) {
	return g.m.Age(), nil
}

func (g *Manager) SetAge(ctx context.Context, age int) error {
	return g.m.SetAge(ctx, age)
}

// Stop records that the multi-environment should shut down, saving into
// folder. Serve reacts to it.
func (g *Manager) Stop(_ context.Context, folder string) error {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopFolder = folder
		g.mu.Unlock()
		close(g.stopped)
		g.m.logger.Info("stop received", zap.String("folder", folder))
	})
	return nil
}

// StopFolder is the folder given with the first stop.
func (g *Manager) StopFolder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopFolder
}

// RemoteManager reaches a multi-environment's manager in another process.
type RemoteManager struct {
	*env.RemoteManager
}

// NewRemoteManager returns a handle for the multi-environment manager at
// addr.
func NewRemoteManager(c *rpc.Client, addr rpc.Addr) *RemoteManager {
	return &RemoteManager{RemoteManager: env.NewRemoteManager(c, addr)}
}

// SlaveManagers asks the multi-environment for its slave manager addresses.
func (r *RemoteManager) SlaveManagers(ctx context.Context) ([]string, error) {
	var addrs []string
	err := r.Proxy().Call(ctx, MethodGetSlaveManagers, nil, &addrs)
	return addrs, err
}
