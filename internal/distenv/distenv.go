// Package distenv coordinates multi-environments running on separate
// machines. Each node runs one multi-environment whose manager is reachable
// at an address agreed on before the node is started.
package distenv

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/fanout"
	"github.com/ssd-technologies/creamas/internal/launch"
	"github.com/ssd-technologies/creamas/internal/multienv"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/storage"
)

var (
	// ErrNotImplemented is returned by PrepareNodes when no preparation
	// step was configured.
	ErrNotImplemented = errors.New("node preparation not implemented")
	// ErrOwnHost is returned when a node names the coordinator's own host.
	ErrOwnHost = errors.New("node is the coordinator's own host")
)

// Node is one machine hosting a multi-environment.
type Node struct {
	Host    string `mapstructure:"host" yaml:"host"`
	SSHPort int    `mapstructure:"ssh_port" yaml:"ssh_port"` // 0 for the ssh default
	Port    int    `mapstructure:"port" yaml:"port"`         // manager port, 0 for the coordinator's port
}

// PrepareFunc does cross-node setup once every node is ready, e.g. wiring
// agents on different nodes together.
type PrepareFunc func(ctx context.Context, d *DistributedEnvironment) error

// Config holds distributed-environment settings.
type Config struct {
	Host  string // default "localhost"
	Port  int
	Name  string
	Nodes []Node
	// AllowLocalNodes permits nodes on the coordinator's own host, for
	// single-machine clusters.
	AllowLocalNodes bool

	Server       rpc.ServerConfig
	Client       rpc.ClientConfig
	Concurrency  int
	ProbeTimeout time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration
	StopGrace    time.Duration

	Prepare    PrepareFunc
	Sink       storage.InfoSink
	Rand       *rand.Rand
	CheckReady func() bool
	OnMessage  func(ctx context.Context, msg string) (string, error)
	Logger     *zap.Logger
}

// DistributedEnvironment is a multi-environment whose slaves are the
// managers of other multi-environments. Voting, connections and clock
// operations are inherited and reach every environment of every node.
type DistributedEnvironment struct {
	*multienv.MultiEnvironment

	cfg      Config
	nodes    []Node
	addrs    []rpc.Addr
	managers []*multienv.RemoteManager
	tracker  *Tracker
	logger   *zap.Logger
}

// New derives one manager address per node and binds the coordinator.
func New(cfg Config) (*DistributedEnvironment, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	addrs := make([]rpc.Addr, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		if n.Host == "" {
			return nil, fmt.Errorf("node %d has no host", i)
		}
		if n.Host == cfg.Host && !cfg.AllowLocalNodes {
			return nil, fmt.Errorf("%w: %s", ErrOwnHost, n.Host)
		}
		port := n.Port
		if port == 0 {
			port = cfg.Port
		}
		if port == 0 {
			return nil, fmt.Errorf("node %s has no manager port", n.Host)
		}
		addrs[i] = rpc.Addr{Host: n.Host, Port: port, ID: rpc.ManagerID}
	}

	m, err := multienv.New(multienv.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Name:         cfg.Name,
		Slaves:       rpc.Strings(addrs),
		Server:       cfg.Server,
		Client:       cfg.Client,
		Concurrency:  cfg.Concurrency,
		ProbeTimeout: cfg.ProbeTimeout,
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
		StopGrace:    cfg.StopGrace,
		Sink:         cfg.Sink,
		Rand:         cfg.Rand,
		CheckReady:   cfg.CheckReady,
		OnMessage:    cfg.OnMessage,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	d := &DistributedEnvironment{
		MultiEnvironment: m,
		cfg:              cfg,
		nodes:            slices.Clone(cfg.Nodes),
		addrs:            addrs,
		tracker:          NewTracker(),
		logger:           cfg.Logger.Named("distributed-environment"),
	}
	for i, a := range addrs {
		d.managers = append(d.managers, multienv.NewRemoteManager(m.Client(), a))
		d.tracker.Register(NodeInfo{Addr: a.String(), Host: d.nodes[i].Host, SSHPort: d.nodes[i].SSHPort})
	}
	return d, nil
}

// Nodes returns the configured nodes.
func (d *DistributedEnvironment) Nodes() []Node { return slices.Clone(d.nodes) }

// Addrs returns the node manager addresses, one per node in node order.
func (d *DistributedEnvironment) Addrs() []string { return rpc.Strings(d.addrs) }

// Tracker returns the node liveness registry.
func (d *DistributedEnvironment) Tracker() *Tracker { return d.tracker }

func (d *DistributedEnvironment) nodeLabel(i int) string { return "node " + d.addrs[i].String() }

// SpawnNodes starts a multi-environment on every node over ssh. tmpl.Command
// is the remote command line; {host} and {port} expand to the node's
// manager address. The ssh port comes from each node.
func (d *DistributedEnvironment) SpawnNodes(ctx context.Context, tmpl launch.SSH) error {
	byAddr := make(map[string]Node, len(d.nodes))
	for i, n := range d.nodes {
		byAddr[d.addrs[i].HostPort()] = n
	}
	if tmpl.Logger == nil {
		tmpl.Logger = d.logger
	}
	return d.SpawnNodesWith(ctx, launch.Func(func(ctx context.Context, addr rpc.Addr) (launch.Process, error) {
		s := tmpl
		s.Port = byAddr[addr.HostPort()].SSHPort
		return s.Launch(ctx, addr)
	}))
}

// SpawnNodesWith starts every node with l.
func (d *DistributedEnvironment) SpawnNodesWith(ctx context.Context, l launch.Launcher) error {
	if err := d.SpawnSlaves(ctx, l); err != nil {
		return fmt.Errorf("spawn nodes: %w", err)
	}
	d.logger.Info("nodes spawned", zap.Int("nodes", len(d.nodes)))
	return nil
}

// WaitNodes polls every node manager until all are online, or ready when
// checkReady is set. Probes are concurrent; it returns false once timeout
// has passed.
func (d *DistributedEnvironment) WaitNodes(ctx context.Context, timeout time.Duration, checkReady bool) bool {
	managers := make([]env.Manager, len(d.managers))
	for i, m := range d.managers {
		managers[i] = m
	}
	ok := multienv.WaitManagers(ctx, d.Client(), managers, multienv.WaitConfig{
		Timeout:      timeout,
		ProbeTimeout: d.cfg.ProbeTimeout,
		PollInterval: d.cfg.PollInterval,
		CheckReady:   checkReady,
		Concurrency:  d.cfg.Concurrency,
		OnUp:         func(addr string) { d.tracker.Heartbeat(addr, checkReady) },
	}, d.logger)
	if !ok {
		d.logger.Warn("nodes not up before timeout", zap.Duration("timeout", timeout),
			zap.Int("up", d.tracker.Stats().NodesOnline), zap.Int("nodes", len(d.nodes)))
	}
	return ok
}

// CheckNodes asks every node manager whether it is ready and records the
// answers in the tracker. Unreachable nodes are marked down.
func (d *DistributedEnvironment) CheckNodes(ctx context.Context) TrackerStats {
	outs := fanout.Map(ctx, d.managers, d.cfg.Concurrency, func(ctx context.Context, m *multienv.RemoteManager) (bool, error) {
		return m.IsReady(ctx)
	})
	for i, o := range outs {
		addr := d.addrs[i].String()
		if o.Err != nil {
			d.tracker.MarkDown(addr)
			d.logger.Debug("node unreachable", zap.String("node", addr), zap.Error(o.Err))
			continue
		}
		d.tracker.Heartbeat(addr, o.Value)
	}
	return d.tracker.Stats()
}

// PrepareNodes runs the configured preparation step. Without one it
// returns ErrNotImplemented.
func (d *DistributedEnvironment) PrepareNodes(ctx context.Context) error {
	if d.cfg.Prepare == nil {
		return ErrNotImplemented
	}
	return d.cfg.Prepare(ctx, d)
}

// TriggerAll calls trigger_all on every node manager concurrently. Results
// are concatenated in node order; a node that fails contributes one error
// entry carrying its manager address.
func (d *DistributedEnvironment) TriggerAll(ctx context.Context) ([]env.Result, error) {
	outs := fanout.Map(ctx, d.managers, d.cfg.Concurrency, func(ctx context.Context, m *multienv.RemoteManager) ([]env.Result, error) {
		return m.TriggerAll(ctx)
	})
	var results []env.Result
	for i, o := range outs {
		if o.Err != nil {
			d.logger.Warn("node failed to trigger", zap.String("node", d.addrs[i].String()), zap.Error(o.Err))
			results = append(results, env.Result{Addr: d.addrs[i].String(), Err: o.Err.Error()})
			continue
		}
		results = append(results, o.Value...)
	}
	return results, nil
}

// StopNodes sends stop to every node manager, each with the configured
// stop timeout. Unreachable nodes are logged and skipped.
func (d *DistributedEnvironment) StopNodes(ctx context.Context, folder string) error {
	return d.StopSlaves(ctx, folder)
}

// GetSlaveManagers returns the environment manager addresses of every
// node, i.e. the slaves of the slaves, in node order.
func (d *DistributedEnvironment) GetSlaveManagers(ctx context.Context) ([]string, error) {
	outs := fanout.Map(ctx, d.managers, d.cfg.Concurrency, func(ctx context.Context, m *multienv.RemoteManager) ([]string, error) {
		return m.SlaveManagers(ctx)
	})
	lists, err := fanout.Values(outs, d.nodeLabel)
	if err != nil {
		return nil, err
	}
	return slices.Concat(lists...), nil
}
