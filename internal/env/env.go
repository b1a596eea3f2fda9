// Package env implements the single-process environment: a container of
// agents with an artifact archive, a candidate pool, a clock and a manager
// agent through which other processes command it.
package env

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/storage"
)

// Config holds environment settings. Zero values get defaults in New.
type Config struct {
	Host        string // default "localhost"
	Port        int    // 0 picks a free port
	Name        string // default: the manager address
	Registry    *agent.Registry
	Server      rpc.ServerConfig
	Client      rpc.ClientConfig
	Sink        storage.InfoSink // default storage.NopSink
	Concurrency int              // max agents triggered at once, 0 is unbounded
	Rand        *rand.Rand       // default NewRand()
	Logger      *zap.Logger

	// CheckReady reports whether embedding code has finished its own setup.
	// IsReady is true only when it returns true; nil means always ready.
	CheckReady func() bool
	// OnMessage handles messages reported to this environment's manager.
	OnMessage func(ctx context.Context, msg string) (string, error)
}

// Filter narrows GetAgents.
type Filter struct {
	IncludeManager bool
	Kind           string // empty matches every kind
}

// Environment is a single-process container of agents. It serves its agents
// and its manager over RPC from the moment it is created.
type Environment struct {
	cfg    Config
	addr   rpc.Addr
	server *rpc.Server
	client *rpc.Client
	rng    *lockedRand
	logger *zap.Logger

	manager *LocalManager

	mu         sync.RWMutex
	agents     map[int]agent.Agent
	order      []int
	names      map[string]int
	nextID     int
	artifacts  []*artifact.Artifact
	candidates []*artifact.Artifact
	age        int
	hostMgr    *rpc.Addr

	destroyOnce sync.Once
	destroyed   chan struct{}
}

// New creates an environment and binds its RPC listener. A failure to bind
// is returned as is; callers treat it as fatal.
func New(cfg Config) (*Environment, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Registry == nil {
		cfg.Registry = agent.NewRegistry()
	}
	if cfg.Sink == nil {
		cfg.Sink = storage.NopSink{}
	}
	if cfg.Rand == nil {
		cfg.Rand = NewRand()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Environment{
		cfg:       cfg,
		rng:       &lockedRand{r: cfg.Rand},
		agents:    make(map[int]agent.Agent),
		names:     make(map[string]int),
		nextID:    rpc.ManagerID + 1,
		destroyed: make(chan struct{}),
	}
	e.server = rpc.NewServer(e, cfg.Server, cfg.Logger)
	if err := e.server.Listen(cfg.Host, cfg.Port); err != nil {
		return nil, fmt.Errorf("bind environment: %w", err)
	}
	e.addr = rpc.Addr{Host: cfg.Host, Port: e.server.Port(), ID: rpc.ManagerID}
	if e.cfg.Name == "" {
		e.cfg.Name = e.addr.String()
	}
	e.logger = cfg.Logger.Named("environment").With(zap.String("env", e.cfg.Name))
	e.client = rpc.NewClient(cfg.Client, cfg.Logger)

	e.manager = newLocalManager(e)
	e.agents[rpc.ManagerID] = e.manager.agent
	e.order = append(e.order, rpc.ManagerID)
	e.names[e.manager.Name()] = rpc.ManagerID

	e.logger.Info("environment up", zap.String("addr", e.addr.String()))
	return e, nil
}

// Addr returns the environment's manager address.
func (e *Environment) Addr() rpc.Addr { return e.addr }

// Name returns the environment's name.
func (e *Environment) Name() string { return e.cfg.Name }

// Manager returns the environment's manager agent.
func (e *Environment) Manager() *LocalManager { return e.manager }

// Client returns the environment's outbound RPC client.
func (e *Environment) Client() *rpc.Client { return e.client }

// Logger returns the environment's logger.
func (e *Environment) Logger() *zap.Logger { return e.logger }

func (e *Environment) isDestroyed() bool {
	select {
	case <-e.destroyed:
		return true
	default:
		return false
	}
}

// --- Spawning ---

// BuildFunc creates an agent around a prepared Base.
type BuildFunc func(b *agent.Base) (agent.Agent, error)

// Spawn creates an agent of a registered kind. An empty name defaults to the
// agent's address. Spawning a name that is already taken fails with a
// *NameCollisionError.
func (e *Environment) Spawn(ctx context.Context, kind, name string, args json.RawMessage) (string, error) {
	factory, err := e.cfg.Registry.Lookup(kind)
	if err != nil {
		return "", err
	}
	return e.SpawnFunc(ctx, kind, name, func(b *agent.Base) (agent.Agent, error) {
		return factory(b, args)
	})
}

// SpawnN spawns n agents of kind with default names and identical arguments.
func (e *Environment) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	addrs := make([]string, 0, n)
	for range n {
		addr, err := e.Spawn(ctx, kind, "", args)
		if err != nil {
			return addrs, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// SpawnFunc creates an agent with build, registering it under the next free
// address.
func (e *Environment) SpawnFunc(ctx context.Context, kind, name string, build BuildFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, addr, name, err := e.reserve(name)
	if err != nil {
		return "", err
	}

	b := agent.NewBase(addr, name, kind, e, e.logger)
	ag, err := build(b)
	if err == nil && (ag == nil || ag.Core() != b) {
		err = fmt.Errorf("factory for %q did not return an agent built on the given base", kind)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.names, name)
		e.mu.Unlock()
		return "", fmt.Errorf("spawn %s: %w", kind, err)
	}

	e.mu.Lock()
	if e.isDestroyed() {
		delete(e.names, name)
		e.mu.Unlock()
		if cerr := ag.Close(""); cerr != nil {
			e.logger.Warn("could not close agent built during destroy", zap.String("addr", addr), zap.Error(cerr))
		}
		return "", ErrDestroyed
	}
	e.agents[id] = ag
	e.order = append(e.order, id)
	e.mu.Unlock()

	e.logger.Debug("agent spawned", zap.String("addr", addr), zap.String("name", name), zap.String("kind", kind))
	return addr, nil
}

func (e *Environment) reserve(name string) (int, string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isDestroyed() {
		return 0, "", "", ErrDestroyed
	}
	id := e.nextID
	addr := e.addr.WithID(id).String()
	if name == "" {
		name = addr
	}
	if _, taken := e.names[name]; taken {
		return 0, "", "", &NameCollisionError{Name: name}
	}
	e.nextID++
	e.names[name] = id
	return id, addr, name, nil
}

// --- Lookup ---

// GetAgents returns the agents matching f in spawn order.
func (e *Environment) GetAgents(f Filter) []agent.Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]agent.Agent, 0, len(e.order))
	for _, id := range e.order {
		if id == rpc.ManagerID && !f.IncludeManager {
			continue
		}
		ag := e.agents[id]
		if f.Kind != "" && ag.Core().Kind() != f.Kind {
			continue
		}
		out = append(out, ag)
	}
	return out
}

// AgentAddrs returns the addresses of the agents matching f in spawn order.
func (e *Environment) AgentAddrs(f Filter) []string {
	agents := e.GetAgents(f)
	addrs := make([]string, len(agents))
	for i, ag := range agents {
		addrs[i] = ag.Core().Addr()
	}
	return addrs
}

// GetAgent returns the agent called name.
func (e *Environment) GetAgent(name string) (agent.Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.names[name]
	if !ok {
		return nil, false
	}
	ag, ok := e.agents[id]
	return ag, ok
}

// Agent returns the local agent at addr.
func (e *Environment) Agent(addr string) (agent.Agent, error) {
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if !e.isLocal(a) {
		return nil, fmt.Errorf("%w: %s is not hosted here", ErrUnknownAgent, addr)
	}
	e.mu.RLock()
	ag, ok := e.agents[a.ID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, addr)
	}
	return ag, nil
}

func (e *Environment) isLocal(a rpc.Addr) bool {
	return a.HostPort() == e.addr.HostPort()
}

// --- Clock ---

// Age returns the environment's age.
func (e *Environment) Age() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.age
}

// SetAge moves the environment clock to age, which must not be in the past.
func (e *Environment) SetAge(age int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if age < e.age {
		return fmt.Errorf("%w: %d -> %d", ErrAgeDecrease, e.age, age)
	}
	e.age = age
	return nil
}

// IsReady reports whether the environment can take part in a simulation.
func (e *Environment) IsReady() bool {
	if e.isDestroyed() {
		return false
	}
	if e.cfg.CheckReady != nil {
		return e.cfg.CheckReady()
	}
	return true
}

// --- Host manager ---

// SetHostManager sets the manager this environment reports to and forwards
// its candidates to. An empty addr clears it.
func (e *Environment) SetHostManager(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr == "" {
		e.hostMgr = nil
		return nil
	}
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return err
	}
	e.hostMgr = &a
	return nil
}

// HostManager returns the host manager's address, or "" when unset.
func (e *Environment) HostManager() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.hostMgr == nil {
		return ""
	}
	return e.hostMgr.String()
}

func (e *Environment) hostProxy() (*rpc.Proxy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.hostMgr == nil {
		return nil, ErrNoHostManager
	}
	return e.client.Proxy(*e.hostMgr), nil
}

// ReportToHost sends msg to the host manager's handle method and returns its
// reply. Transport failures are *rpc.ConnError.
func (e *Environment) ReportToHost(ctx context.Context, msg string) (string, error) {
	p, err := e.hostProxy()
	if err != nil {
		return "", err
	}
	var reply string
	if err := p.Call(ctx, MethodHandle, messageParams{Msg: msg}, &reply); err != nil {
		return "", fmt.Errorf("report to host manager: %w", err)
	}
	return reply, nil
}

// --- Lifecycle ---

// StopReceived is closed once the manager is told to stop.
func (e *Environment) StopReceived() <-chan struct{} { return e.manager.stopped }

// Serve blocks until ctx is done or the manager receives stop, then destroys
// the environment, saving into the folder given with stop.
func (e *Environment) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-e.StopReceived():
	}
	err := e.Destroy(context.WithoutCancel(ctx), e.manager.StopFolder())
	if errors.Is(err, ErrDestroyed) {
		return nil
	}
	return err
}

// Info snapshots the environment for a sink.
func (e *Environment) Info() storage.Info {
	agents := e.GetAgents(Filter{})
	infos := make([]storage.AgentInfo, 0, len(agents))
	for _, ag := range agents {
		b := ag.Core()
		infos = append(infos, storage.AgentInfo{
			Addr:        b.Addr(),
			Name:        b.Name(),
			Kind:        b.Kind(),
			Age:         b.Age(),
			Connections: b.ConnectionMap(),
			Published:   len(b.Artifacts()),
		})
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return storage.Info{
		Env:        e.cfg.Name,
		Age:        e.age,
		SavedAt:    time.Now(),
		Agents:     infos,
		Artifacts:  append([]*artifact.Artifact(nil), e.artifacts...),
		Candidates: append([]*artifact.Artifact(nil), e.candidates...),
	}
}

// SaveInfo hands the environment's snapshot to the configured sink.
func (e *Environment) SaveInfo(ctx context.Context, folder string) error {
	return e.cfg.Sink.SaveInfo(ctx, folder, e.Info())
}

// Destroy saves the environment's info, closes every agent and shuts down
// the transport. Only the first call does anything; later calls return
// ErrDestroyed.
func (e *Environment) Destroy(ctx context.Context, folder string) error {
	err := ErrDestroyed
	e.destroyOnce.Do(func() {
		err = e.destroy(ctx, folder)
	})
	return err
}

func (e *Environment) destroy(ctx context.Context, folder string) error {
	var errs []error
	if err := e.SaveInfo(ctx, folder); err != nil {
		errs = append(errs, fmt.Errorf("save info: %w", err))
	}

	// No agent is added once destroyed is closed.
	e.mu.Lock()
	close(e.destroyed)
	e.mu.Unlock()
	agents := e.GetAgents(Filter{IncludeManager: true})

	for _, ag := range agents {
		if err := ag.Close(folder); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ag.Core().Addr(), err))
		}
	}
	e.client.Close()
	if err := e.server.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close server: %w", err))
	}
	e.logger.Info("environment destroyed", zap.Int("agents", len(agents)-1), zap.Int("age", e.Age()))
	return errors.Join(errs...)
}
