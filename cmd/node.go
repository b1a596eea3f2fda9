package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/launch"
	"github.com/ssd-technologies/creamas/internal/multienv"
	"github.com/ssd-technologies/creamas/internal/storage"
)

func newNodeCmd(a *app) *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Serve environments that a coordinator commands through their managers",
	}
	nodeCmd.AddCommand(newNodeEnvCmd(a), newNodeMultiCmd(a))
	return nodeCmd
}

func newNodeEnvCmd(a *app) *cobra.Command {
	var hostManager string
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Serve a single environment until its manager is told to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveEnv(cmd.Context(), hostManager)
		},
	}
	envCmd.Flags().StringVar(&hostManager, "host-manager", "", "manager to report to, e.g. tcp://coordinator:5555/0")
	return envCmd
}

func newNodeMultiCmd(a *app) *cobra.Command {
	multiCmd := &cobra.Command{
		Use:   "multi",
		Short: "Serve a multi-environment over slave environments until told to stop",
		Long: `Serve a multi-environment. Unless multi.spawn is false, one "node env"
process is launched per slave address; otherwise the slaves must already
be running at multi.slaves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveMulti(cmd.Context())
		},
	}
	multiCmd.Flags().Bool("spawn", true, "launch the slave environments")
	mustBind(a.v, "multi.spawn", multiCmd.Flags().Lookup("spawn"))
	return multiCmd
}

func (a *app) newEnvironment(sink storage.InfoSink) (*env.Environment, error) {
	return env.New(env.Config{
		Host:        a.cfg.Node.Host,
		Port:        a.cfg.Node.Port,
		Name:        a.cfg.Environment.Name,
		Registry:    newRegistry(a.cfg.Environment.Resources),
		Server:      a.serverConfig(),
		Client:      a.clientConfig(),
		Sink:        sink,
		Concurrency: a.cfg.RPC.Concurrency,
		Logger:      a.logger,
	})
}

func (a *app) serveEnv(ctx context.Context, hostManager string) error {
	out, err := a.openSinks(true)
	if err != nil {
		return err
	}
	defer out.Close()

	e, err := a.newEnvironment(out.info)
	if err != nil {
		return err
	}
	if hostManager != "" {
		if err := e.SetHostManager(hostManager); err != nil {
			return errors.Join(err, e.Destroy(ctx, ""))
		}
	}
	a.logger.Info("serving environment", zap.Stringer("addr", e.Addr()))
	return e.Serve(ctx)
}

func (a *app) newMulti(sink storage.InfoSink) (*multienv.MultiEnvironment, error) {
	m := a.cfg.Multi
	return multienv.New(multienv.Config{
		Host:         a.cfg.Node.Host,
		Port:         a.cfg.Node.Port,
		Name:         a.cfg.Environment.Name,
		Slaves:       m.SlaveAddrs(a.cfg.Node.Host),
		Server:       a.serverConfig(),
		Client:       a.clientConfig(),
		Concurrency:  a.cfg.RPC.Concurrency,
		ProbeTimeout: m.ProbeTimeout,
		PollInterval: m.PollInterval,
		StopTimeout:  m.StopTimeout,
		StopGrace:    m.StopGrace,
		Sink:         sink,
		Logger:       a.logger,
	})
}

// startSlaves launches the slave environments when configured to, waits
// until every one reports ready and makes m their host manager.
func (a *app) startSlaves(ctx context.Context, m *multienv.MultiEnvironment) error {
	if a.cfg.Multi.Spawn {
		l := &launch.Command{
			Args:   a.childArgs("node", "env", "--host", "{host}", "--port", "{port}"),
			Stdout: os.Stdout,
			Stderr: os.Stderr,
			Logger: a.logger,
		}
		if err := m.SpawnSlaves(ctx, l); err != nil {
			return err
		}
	}
	if !m.WaitSlaves(ctx, a.cfg.Multi.WaitTimeout, true) {
		return fmt.Errorf("slave environments not ready within %s", a.cfg.Multi.WaitTimeout)
	}
	return m.SetHostManagers(ctx)
}

func (a *app) serveMulti(ctx context.Context) error {
	out, err := a.openSinks(true)
	if err != nil {
		return err
	}
	defer out.Close()

	m, err := a.newMulti(out.info)
	if err != nil {
		return err
	}
	if err := a.startSlaves(ctx, m); err != nil {
		return errors.Join(err, m.Destroy(context.WithoutCancel(ctx), ""))
	}
	a.logger.Info("serving multi-environment",
		zap.Stringer("addr", m.Addr()),
		zap.Strings("slaves", m.GetSlaveManagers()))
	return m.Serve(ctx)
}
