package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/distenv"
	"github.com/ssd-technologies/creamas/internal/launch"
	"github.com/ssd-technologies/creamas/internal/storage"
)

func newDistCmd(a *app) *cobra.Command {
	var spawn bool
	distCmd := &cobra.Command{
		Use:   "dist",
		Short: "Run a simulation across the machines listed in distributed.nodes",
		Long: `Run a simulation across several machines. Each node runs a
multi-environment started over ssh with distributed.spawn_cmd, or already
running when --spawn=false. This process coordinates the nodes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dist(cmd.Context(), spawn)
		},
	}
	distCmd.Flags().BoolVar(&spawn, "spawn", true, "start the node multi-environments over ssh")
	return distCmd
}

func (a *app) newDistributed(sink storage.InfoSink) (*distenv.DistributedEnvironment, error) {
	dc := a.cfg.Distributed
	if len(dc.Nodes) == 0 {
		return nil, errors.New("distributed.nodes is empty")
	}
	nodes := make([]distenv.Node, len(dc.Nodes))
	for i, n := range dc.Nodes {
		nodes[i] = distenv.Node{Host: n.Host, SSHPort: n.SSHPort, Port: n.Port}
	}
	return distenv.New(distenv.Config{
		Host:            a.cfg.Node.Host,
		Port:            a.cfg.Node.Port,
		Name:            a.cfg.Environment.Name,
		Nodes:           nodes,
		AllowLocalNodes: dc.AllowLocalNodes,
		Server:          a.serverConfig(),
		Client:          a.clientConfig(),
		Concurrency:     a.cfg.RPC.Concurrency,
		ProbeTimeout:    dc.ProbeTimeout,
		PollInterval:    dc.PollInterval,
		StopTimeout:     dc.StopTimeout,
		StopGrace:       a.cfg.Multi.StopGrace,
		Prepare:         requireReadyNodes,
		Sink:            sink,
		Logger:          a.logger,
	})
}

// requireReadyNodes refuses to start a run while any node is down or not
// ready.
func requireReadyNodes(ctx context.Context, d *distenv.DistributedEnvironment) error {
	stats := d.CheckNodes(ctx)
	if stats.NodesReady < stats.NodesTotal {
		return fmt.Errorf("%d of %d nodes ready", stats.NodesReady, stats.NodesTotal)
	}
	return nil
}

func (a *app) dist(ctx context.Context, spawn bool) error {
	out, err := a.openSinks(false)
	if err != nil {
		return err
	}
	defer out.Close()

	d, err := a.newDistributed(out.info)
	if err != nil {
		return err
	}
	if err := a.startNodes(ctx, d, spawn); err != nil {
		return errors.Join(err, d.Destroy(context.WithoutCancel(ctx), ""))
	}
	return a.simulate(ctx, balancedSociety{d}, out)
}

func (a *app) startNodes(ctx context.Context, d *distenv.DistributedEnvironment, spawn bool) error {
	dc := a.cfg.Distributed
	if spawn {
		err := d.SpawnNodes(ctx, launch.SSH{
			User:    dc.SSHUser,
			Options: dc.SSHOptions,
			Command: dc.SpawnCmd,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
	}
	if !d.WaitNodes(ctx, dc.WaitTimeout, true) {
		return fmt.Errorf("nodes not ready within %s", dc.WaitTimeout)
	}
	if err := d.PrepareNodes(ctx); err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	managers, err := d.GetSlaveManagers(ctx)
	if err != nil {
		return err
	}
	online := d.Tracker().OnlineNodes()
	hosts := make([]string, len(online))
	for i, n := range online {
		hosts[i] = n.Host
	}
	a.logger.Info("nodes ready",
		zap.Strings("hosts", hosts),
		zap.Int("nodes", len(d.Addrs())),
		zap.Int("environments", len(managers)))
	return nil
}
