// Package multienv coordinates several slave environments, each in its own
// process, behind the same contract as a single environment.
package multienv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/fanout"
	"github.com/ssd-technologies/creamas/internal/launch"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/storage"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// Config holds multi-environment settings.
type Config struct {
	Host   string // default "localhost"
	Port   int
	Name   string
	Slaves []string // slave environment addresses, fixed for the run

	Server       rpc.ServerConfig
	Client       rpc.ClientConfig
	Concurrency  int           // max targets contacted at once, 0 is unbounded
	ProbeTimeout time.Duration // per-probe connect timeout while waiting, default 500ms
	PollInterval time.Duration // pause between waiting rounds, default 500ms
	StopTimeout  time.Duration // per-slave stop timeout, default 1s
	StopGrace    time.Duration // time a launched process gets to exit, default 5s

	Sink       storage.InfoSink
	Rand       *rand.Rand
	CheckReady func() bool
	OnMessage  func(ctx context.Context, msg string) (string, error)
	Logger     *zap.Logger
}

// Slave is one slave environment as seen from its coordinator.
type Slave struct {
	Addr    rpc.Addr
	Manager env.Manager
}

// MultiEnvironment fans every operation out over its slaves' managers. It
// owns the candidate pool and artifact archive of the whole simulation;
// slaves forward their candidates here once SetHostManagers has run.
type MultiEnvironment struct {
	cfg    Config
	addr   rpc.Addr
	server *rpc.Server
	client *rpc.Client
	mux    *rpc.Mux
	logger *zap.Logger
	slaves []Slave

	manager *Manager

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.RWMutex
	artifacts  []*artifact.Artifact
	candidates []*artifact.Artifact
	age        int
	hostMgr    *rpc.Addr
	agents     []string
	agentsOK   bool
	agentsGen  uint64 // bumped by every spawn
	procs      []launch.Process

	destroyOnce sync.Once
	destroyed   chan struct{}
}

// New binds the multi-environment's manager and prepares handles for its
// slaves. Slaves are not contacted until an operation needs them.
func New(cfg Config) (*MultiEnvironment, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.Sink == nil {
		cfg.Sink = storage.NopSink{}
	}
	if cfg.Rand == nil {
		cfg.Rand = env.NewRand()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	addrs, err := rpc.ParseAddrs(cfg.Slaves)
	if err != nil {
		return nil, fmt.Errorf("slave addresses: %w", err)
	}

	m := &MultiEnvironment{
		cfg:       cfg,
		mux:       rpc.NewMux(),
		rng:       cfg.Rand,
		destroyed: make(chan struct{}),
	}
	m.server = rpc.NewServer(m.mux, cfg.Server, cfg.Logger)
	if err := m.server.Listen(cfg.Host, cfg.Port); err != nil {
		return nil, fmt.Errorf("bind multi-environment: %w", err)
	}
	m.addr = rpc.Addr{Host: cfg.Host, Port: m.server.Port(), ID: rpc.ManagerID}
	if m.cfg.Name == "" {
		m.cfg.Name = m.addr.String()
	}
	m.logger = cfg.Logger.Named("multi-environment").With(zap.String("env", m.cfg.Name))
	m.client = rpc.NewClient(cfg.Client, cfg.Logger)

	for _, a := range addrs {
		mgr := a.Manager()
		if mgr == m.addr {
			m.server.Close() //nolint:errcheck
			return nil, fmt.Errorf("slave %s is this multi-environment's own address", mgr)
		}
		m.slaves = append(m.slaves, Slave{Addr: mgr, Manager: env.NewRemoteManager(m.client, mgr)})
	}

	m.manager = &Manager{m: m, stopped: make(chan struct{})}
	m.mux.Handle(rpc.ManagerID, m.manager.Methods())
	m.logger.Info("multi-environment up", zap.String("addr", m.addr.String()), zap.Int("slaves", len(m.slaves)))
	return m, nil
}

// Addr returns the multi-environment's manager address.
func (m *MultiEnvironment) Addr() rpc.Addr { return m.addr }

// Name returns the multi-environment's name.
func (m *MultiEnvironment) Name() string { return m.cfg.Name }

// Client is the RPC client used to reach slaves and agents.
func (m *MultiEnvironment) Client() *rpc.Client { return m.client }

// Logger is the multi-environment's named logger.
func (m *MultiEnvironment) Logger() *zap.Logger { return m.logger }

// Manager returns the multi-environment's manager.
func (m *MultiEnvironment) Manager() *Manager { return m.manager }

// Slaves returns the slave handles in configuration order.
func (m *MultiEnvironment) Slaves() []Slave { return slices.Clone(m.slaves) }

// GetSlaveManagers returns the addresses of every slave manager.
func (m *MultiEnvironment) GetSlaveManagers() []string {
	out := make([]string, len(m.slaves))
	for i, s := range m.slaves {
		out[i] = s.Addr.String()
	}
	return out
}

func (m *MultiEnvironment) slaveLabel(i int) string { return "slave " + m.slaves[i].Addr.String() }

func (m *MultiEnvironment) isDestroyed() bool {
	select {
	case <-m.destroyed:
		return true
	default:
		return false
	}
}

// --- Slave lifecycle ---

// SpawnSlaves starts one process per slave address with l.
func (m *MultiEnvironment) SpawnSlaves(ctx context.Context, l launch.Launcher) error {
	var errs []error
	for _, s := range m.slaves {
		p, err := l.Launch(ctx, s.Addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("launch slave %s: %w", s.Addr, err))
			continue
		}
		m.mu.Lock()
		m.procs = append(m.procs, p)
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

// WaitSlaves polls every slave until all are online (their managers accept
// connections) or, with checkReady, also report ready. Probes run
// concurrently with a short connect timeout. It returns false once timeout
// has passed instead of failing.
func (m *MultiEnvironment) WaitSlaves(ctx context.Context, timeout time.Duration, checkReady bool) bool {
	managers := make([]env.Manager, len(m.slaves))
	for i, s := range m.slaves {
		managers[i] = s.Manager
	}
	return WaitManagers(ctx, m.client, managers, WaitConfig{
		Timeout:      timeout,
		ProbeTimeout: m.cfg.ProbeTimeout,
		PollInterval: m.cfg.PollInterval,
		CheckReady:   checkReady,
		Concurrency:  m.cfg.Concurrency,
	}, m.logger)
}

// WaitConfig tunes WaitManagers.
type WaitConfig struct {
	Timeout      time.Duration
	ProbeTimeout time.Duration
	PollInterval time.Duration
	CheckReady   bool
	Concurrency  int
	// OnUp, when set, is called with the address of each manager as it
	// comes up.
	OnUp func(addr string)
}

// WaitManagers probes every manager not yet seen online, paced by a rate
// limiter, until all answer or cfg.Timeout passes. With CheckReady a manager
// must also report ready.
func WaitManagers(ctx context.Context, client *rpc.Client, managers []env.Manager, cfg WaitConfig, logger *zap.Logger) bool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 500 * time.Millisecond
	}
	status := "online"
	if cfg.CheckReady {
		status = "ready"
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	pacer := rate.NewLimiter(rate.Every(cfg.PollInterval), 1)
	pending := slices.Clone(managers)
	for len(pending) > 0 {
		if err := pacer.Wait(ctx); err != nil {
			logger.Debug("gave up waiting", zap.String("status", status), zap.Int("missing", len(pending)))
			return false
		}
		outs := fanout.Map(ctx, pending, cfg.Concurrency, func(ctx context.Context, mgr env.Manager) (bool, error) {
			return probe(ctx, client, mgr, cfg.ProbeTimeout, cfg.CheckReady)
		})
		var next []env.Manager
		for i, o := range outs {
			if o.Err != nil || !o.Value {
				next = append(next, pending[i])
				continue
			}
			logger.Debug("manager "+status, zap.String("addr", pending[i].Addr()))
			if cfg.OnUp != nil {
				cfg.OnUp(pending[i].Addr())
			}
		}
		pending = next
		if len(pending) > 0 && ctx.Err() != nil {
			return false
		}
	}
	logger.Debug("all managers "+status, zap.Duration("took", time.Since(start)))
	return true
}

func probe(ctx context.Context, client *rpc.Client, mgr env.Manager, timeout time.Duration, checkReady bool) (bool, error) {
	addr, err := rpc.ParseAddr(mgr.Addr())
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.Connect(ctx, addr, timeout); err != nil {
		return false, err
	}
	if !checkReady {
		return true, nil
	}
	return mgr.IsReady(ctx)
}

// SetHostManagers makes this multi-environment's manager the host of every
// slave manager, so slaves forward candidates and reports here.
func (m *MultiEnvironment) SetHostManagers(ctx context.Context) error {
	self := m.addr.String()
	errs := fanout.Each(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) error {
		return s.Manager.SetHostAddr(ctx, self)
	})
	return m.join(errs)
}

func (m *MultiEnvironment) join(errs []error) error {
	var out []error
	for i, err := range errs {
		if err != nil {
			out = append(out, fmt.Errorf("%s: %w", m.slaveLabel(i), err))
		}
	}
	return errors.Join(out...)
}

// IsReady reports whether this multi-environment and every slave are ready.
func (m *MultiEnvironment) IsReady(ctx context.Context) bool {
	if m.isDestroyed() {
		return false
	}
	if m.cfg.CheckReady != nil && !m.cfg.CheckReady() {
		return false
	}
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) (bool, error) {
		return probe(ctx, m.client, s.Manager, m.cfg.ProbeTimeout, true)
	})
	for _, o := range outs {
		if o.Err != nil || !o.Value {
			return false
		}
	}
	return true
}

// --- Agents ---

func (m *MultiEnvironment) slave(addr string) (Slave, error) {
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return Slave{}, err
	}
	for _, s := range m.slaves {
		if s.Addr.HostPort() == a.HostPort() {
			return s, nil
		}
	}
	return Slave{}, fmt.Errorf("%w: %s is not a slave of %s", env.ErrUnknownAgent, addr, m.addr)
}

// smallest returns the slave with the fewest agents; ties go to the slave
// listed first. Every slave is asked for its count.
func (m *MultiEnvironment) smallest(ctx context.Context) (Slave, error) {
	if len(m.slaves) == 0 {
		return Slave{}, errors.New("multi-environment has no slaves")
	}
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) ([]string, error) {
		return s.Manager.GetAgents(ctx, "")
	})
	counts, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return Slave{}, fmt.Errorf("count agents: %w", err)
	}
	best := 0
	for i := range counts {
		if len(counts[i]) < len(counts[best]) {
			best = i
		}
	}
	return m.slaves[best], nil
}

func (m *MultiEnvironment) target(ctx context.Context, slave string) (Slave, error) {
	if slave == "" {
		return m.smallest(ctx)
	}
	return m.slave(slave)
}

func (m *MultiEnvironment) invalidate() {
	m.mu.Lock()
	m.agentsGen++
	m.agentsOK = false
	m.agents = nil
	m.mu.Unlock()
}

// Spawn creates an agent in the slave managing the address slave, or in
// the slave with the fewest agents when slave is empty.
func (m *MultiEnvironment) Spawn(ctx context.Context, kind, name string, args json.RawMessage, slave string) (string, error) {
	s, err := m.target(ctx, slave)
	if err != nil {
		return "", err
	}
	defer m.invalidate()
	addr, err := s.Manager.Spawn(ctx, kind, name, args)
	if err != nil {
		return "", fmt.Errorf("spawn in %s: %w", s.Addr, err)
	}
	return addr, nil
}

// SpawnN creates n identical agents in one slave, chosen like Spawn.
func (m *MultiEnvironment) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage, slave string) ([]string, error) {
	s, err := m.target(ctx, slave)
	if err != nil {
		return nil, err
	}
	defer m.invalidate()
	addrs, err := s.Manager.SpawnN(ctx, kind, n, args)
	if err != nil {
		return addrs, fmt.Errorf("spawn in %s: %w", s.Addr, err)
	}
	return addrs, nil
}

// GetAgents returns every non-manager agent address across all slaves in
// slave order. The unfiltered list is cached until the next spawn; a list
// gathered while a spawn completed is returned but not cached.
func (m *MultiEnvironment) GetAgents(ctx context.Context, kind string) ([]string, error) {
	m.mu.RLock()
	cached, ok, gen := m.agents, m.agentsOK, m.agentsGen
	m.mu.RUnlock()
	if kind == "" && ok {
		return slices.Clone(cached), nil
	}
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) ([]string, error) {
		return s.Manager.GetAgents(ctx, kind)
	})
	lists, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return nil, err
	}
	all := slices.Concat(lists...)
	if kind == "" {
		m.mu.Lock()
		if m.agentsGen == gen {
			m.agents, m.agentsOK = slices.Clone(all), true
		}
		m.mu.Unlock()
	}
	return all, nil
}

// TriggerAct ages and triggers the agent at addr directly.
func (m *MultiEnvironment) TriggerAct(ctx context.Context, addr string) (json.RawMessage, error) {
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	return env.NewAgentProxy(m.client, a).Act(ctx)
}

// TriggerAll triggers every non-manager agent of every slave concurrently.
// Results follow the agent order of GetAgents; a failed agent gets an error
// entry rather than failing the batch.
func (m *MultiEnvironment) TriggerAll(ctx context.Context) ([]env.Result, error) {
	agents, err := m.GetAgents(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	outs := fanout.Map(ctx, agents, m.cfg.Concurrency, m.TriggerAct)
	results := make([]env.Result, len(outs))
	failed := 0
	for i, o := range outs {
		results[i] = env.Result{Addr: agents[i], Value: o.Value}
		if o.Err != nil {
			results[i].Err = o.Err.Error()
			failed++
		}
	}
	if failed > 0 {
		m.logger.Warn("some agents failed to act", zap.Int("failed", failed), zap.Int("agents", len(agents)))
	}
	return results, nil
}

// CreateRandomConnections gives every agent of the simulation n distinct
// random peers drawn from all slaves. The budget is soft, as for a single
// environment.
func (m *MultiEnvironment) CreateRandomConnections(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("connection count must be positive, got %d", n)
	}
	agents, err := m.GetAgents(ctx, "")
	if err != nil {
		return err
	}
	conns := make(map[string]map[string]float64, len(agents))
	m.rngMu.Lock()
	for i, a := range agents {
		others := slices.Delete(slices.Clone(agents), i, i+1)
		m.rng.Shuffle(len(others), func(x, y int) { others[x], others[y] = others[y], others[x] })
		peers := make(map[string]float64)
		for _, o := range others[:min(n, len(others))] {
			peers[o] = 0
		}
		conns[a] = peers
	}
	m.rngMu.Unlock()
	return m.CreateConnections(ctx, conns)
}

// CreateConnections sends the whole map to every slave; each one applies
// the entries for its own agents.
func (m *MultiEnvironment) CreateConnections(ctx context.Context, conns map[string]map[string]float64) error {
	return m.join(fanout.Each(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) error {
		return s.Manager.CreateConnections(ctx, conns)
	}))
}

// GetConnections merges every slave's connection map.
func (m *MultiEnvironment) GetConnections(ctx context.Context) (map[string]map[string]float64, error) {
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) (map[string]map[string]float64, error) {
		return s.Manager.GetConnections(ctx)
	})
	maps, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]map[string]float64)
	for _, mp := range maps {
		for k, v := range mp {
			merged[k] = v
		}
	}
	return merged, nil
}

// --- Artifacts and candidates ---

// AddArtifact appends a to the simulation-wide archive.
func (m *MultiEnvironment) AddArtifact(a *artifact.Artifact) {
	m.mu.Lock()
	m.artifacts = append(m.artifacts, a)
	m.mu.Unlock()
}

// Artifacts returns the archive.
func (m *MultiEnvironment) Artifacts() []*artifact.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.artifacts)
}

// GetArtifacts returns the archive, narrowed to creator when set.
func (m *MultiEnvironment) GetArtifacts(creator string) []*artifact.Artifact {
	if creator == "" {
		return m.Artifacts()
	}
	return artifact.ByCreator(m.Artifacts(), creator)
}

// AddCandidate puts a into the shared pool, or forwards it to this
// multi-environment's own host manager when one is set.
func (m *MultiEnvironment) AddCandidate(ctx context.Context, a *artifact.Artifact) error {
	m.mu.RLock()
	host := m.hostMgr
	m.mu.RUnlock()
	if host != nil {
		return env.NewRemoteManager(m.client, *host).AddCandidate(ctx, a)
	}
	m.mu.Lock()
	m.candidates = append(m.candidates, a)
	m.mu.Unlock()
	m.logger.Debug("candidate added", zap.Stringer("artifact", a))
	return nil
}

// Candidates returns the shared pool followed by any candidates slaves
// still hold themselves (slaves without a host manager keep their own).
func (m *MultiEnvironment) Candidates(ctx context.Context) ([]*artifact.Artifact, error) {
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) ([]*artifact.Artifact, error) {
		return s.Manager.Candidates(ctx)
	})
	pools, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	own := slices.Clone(m.candidates)
	m.mu.RUnlock()
	return artifact.Dedup(append(own, slices.Concat(pools...)...)), nil
}

// ClearCandidates empties the shared pool and every slave's pool.
func (m *MultiEnvironment) ClearCandidates(ctx context.Context) error {
	m.mu.Lock()
	m.candidates = nil
	m.mu.Unlock()
	return m.join(fanout.Each(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) error {
		return s.Manager.ClearCandidates(ctx)
	}))
}

// Validate returns the candidates every agent of every slave accepts.
func (m *MultiEnvironment) Validate(ctx context.Context, cands []*artifact.Artifact) ([]*artifact.Artifact, error) {
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) ([]*artifact.Artifact, error) {
		return s.Manager.ValidateCandidates(ctx, cands)
	})
	accepted, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return nil, err
	}
	return artifact.Intersect(cands, accepted...), nil
}

// ValidateCandidates replaces the pool with its validated subset.
func (m *MultiEnvironment) ValidateCandidates(ctx context.Context) ([]*artifact.Artifact, error) {
	cands, err := m.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	valid, err := m.Validate(ctx, cands)
	if err != nil {
		return nil, err
	}
	if err := m.ClearCandidates(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.candidates = slices.Clone(valid)
	m.mu.Unlock()
	return valid, nil
}

// GatherVotes collects the ballots of every agent in every slave, in slave
// order.
func (m *MultiEnvironment) GatherVotes(ctx context.Context, cands []*artifact.Artifact) ([]vote.Ballot, error) {
	outs := fanout.Map(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) ([]vote.Ballot, error) {
		return s.Manager.GatherVotes(ctx, cands)
	})
	lists, err := fanout.Values(outs, m.slaveLabel)
	if err != nil {
		return nil, err
	}
	return slices.Concat(lists...), nil
}

// PerformVoting runs one voting round over the whole simulation.
func (m *MultiEnvironment) PerformVoting(ctx context.Context, method vote.Method, accepted int, validate bool) ([]vote.Scored, error) {
	m.rngMu.Lock()
	rng := rand.New(rand.NewPCG(m.rng.Uint64(), m.rng.Uint64()))
	m.rngMu.Unlock()
	return vote.NewOrganizer(m, rng, m.logger).Run(ctx, method, accepted, validate)
}

// --- Clock, host and teardown ---

// Age returns the multi-environment's age.
func (m *MultiEnvironment) Age() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.age
}

// SetAge moves this clock and every slave's clock to age.
func (m *MultiEnvironment) SetAge(ctx context.Context, age int) error {
	m.mu.Lock()
	if age < m.age {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d", env.ErrAgeDecrease, m.age, age)
	}
	m.age = age
	m.mu.Unlock()
	return m.join(fanout.Each(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) error {
		return s.Manager.SetAge(ctx, age)
	}))
}

// SetHostManager sets the manager this multi-environment reports to.
func (m *MultiEnvironment) SetHostManager(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr == "" {
		m.hostMgr = nil
		return nil
	}
	a, err := rpc.ParseAddr(addr)
	if err != nil {
		return err
	}
	m.hostMgr = &a
	return nil
}

// HostManager returns the host manager's address, or "".
func (m *MultiEnvironment) HostManager() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.hostMgr == nil {
		return ""
	}
	return m.hostMgr.String()
}

// StopSlaves sends stop to every slave manager with a per-slave timeout.
// A slave that cannot be reached is logged and the rest are still stopped.
func (m *MultiEnvironment) StopSlaves(ctx context.Context, folder string) error {
	errs := fanout.Each(ctx, m.slaves, m.cfg.Concurrency, func(ctx context.Context, s Slave) error {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
		defer cancel()
		return s.Manager.Stop(ctx, folder)
	})
	for i, err := range errs {
		if err != nil {
			m.logger.Warn("could not stop slave", zap.String("slave", m.slaves[i].Addr.String()), zap.Error(err))
		}
	}
	return m.join(errs)
}

// Info snapshots the multi-environment for a sink.
func (m *MultiEnvironment) Info() storage.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return storage.Info{
		Env:        m.cfg.Name,
		Age:        m.age,
		SavedAt:    time.Now(),
		Artifacts:  slices.Clone(m.artifacts),
		Candidates: slices.Clone(m.candidates),
	}
}

// SaveInfo hands the snapshot to the configured sink.
func (m *MultiEnvironment) SaveInfo(ctx context.Context, folder string) error {
	return m.cfg.Sink.SaveInfo(ctx, folder, m.Info())
}

// StopReceived is closed once the manager is told to stop.
func (m *MultiEnvironment) StopReceived() <-chan struct{} { return m.manager.stopped }

// Serve blocks until ctx is done or the manager receives stop, then
// destroys the multi-environment.
func (m *MultiEnvironment) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-m.StopReceived():
	}
	err := m.Destroy(context.WithoutCancel(ctx), m.manager.StopFolder())
	if errors.Is(err, env.ErrDestroyed) {
		return nil
	}
	return err
}

// Destroy saves info, stops every slave (collecting failures), terminates
// launched processes and shuts down the transport. Later calls return
// env.ErrDestroyed.
func (m *MultiEnvironment) Destroy(ctx context.Context, folder string) error {
	err := env.ErrDestroyed
	m.destroyOnce.Do(func() {
		var errs []error
		if serr := m.SaveInfo(ctx, folder); serr != nil {
			errs = append(errs, fmt.Errorf("save info: %w", serr))
		}
		if serr := m.StopSlaves(ctx, folder); serr != nil {
			errs = append(errs, serr)
		}
		close(m.destroyed)

		m.mu.Lock()
		procs := m.procs
		m.procs = nil
		m.mu.Unlock()
		for _, p := range procs {
			if perr := p.Stop(m.cfg.StopGrace); perr != nil {
				errs = append(errs, fmt.Errorf("stop process %s: %w", p.Addr(), perr))
			}
		}

		m.client.Close()
		if cerr := m.server.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close server: %w", cerr))
		}
		m.logger.Info("multi-environment destroyed")
		err = errors.Join(errs...)
	})
	return err
}
