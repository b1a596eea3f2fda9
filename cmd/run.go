package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/sim"
	"github.com/ssd-technologies/creamas/internal/vote"
)

// society is what a simulation run drives: a single environment, a
// multi-environment or a distributed one.
type society interface {
	sim.Target
	Name() string
	SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error)
	CreateRandomConnections(ctx context.Context, n int) error
	PerformVoting(ctx context.Context, method vote.Method, accepted int, validate bool) ([]vote.Scored, error)
	ClearCandidates(ctx context.Context) error
}

// envSociety adapts a single environment.
type envSociety struct {
	sim.Target
	e *env.Environment
}

func newEnvSociety(e *env.Environment) envSociety {
	return envSociety{Target: sim.FromManager(e.Manager(), e.Destroy), e: e}
}

func (s envSociety) Name() string { return s.e.Name() }

func (s envSociety) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	return s.e.SpawnN(ctx, kind, n, args)
}

func (s envSociety) CreateRandomConnections(_ context.Context, n int) error {
	_, err := s.e.CreateRandomConnections(n)
	return err
}

func (s envSociety) PerformVoting(ctx context.Context, method vote.Method, accepted int, validate bool) ([]vote.Scored, error) {
	return s.e.PerformVoting(ctx, method, accepted, validate)
}

func (s envSociety) ClearCandidates(ctx context.Context) error { return s.e.ClearCandidates(ctx) }

// multiTarget is the method set shared by multi- and distributed
// environments.
type multiTarget interface {
	sim.Target
	Name() string
	Spawn(ctx context.Context, kind, name string, args json.RawMessage, slave string) (string, error)
	CreateRandomConnections(ctx context.Context, n int) error
	PerformVoting(ctx context.Context, method vote.Method, accepted int, validate bool) ([]vote.Scored, error)
	ClearCandidates(ctx context.Context) error
}

// balancedSociety spawns agents one at a time so that each lands in the
// slave with the fewest agents.
type balancedSociety struct {
	multiTarget
}

func (s balancedSociety) SpawnN(ctx context.Context, kind string, n int, args json.RawMessage) ([]string, error) {
	addrs := make([]string, 0, n)
	for range n {
		addr, err := s.Spawn(ctx, kind, "", args, "")
		if err != nil {
			return addrs, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func newRunCmd(a *app) *cobra.Command {
	var single bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation on this machine",
		Long: `Run a simulation on this machine. By default the agents live in slave
environments launched as child processes and coordinated by a
multi-environment; --single keeps every agent in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), single)
		},
	}
	flags := runCmd.Flags()
	flags.BoolVar(&single, "single", false, "run every agent in this process")
	flags.Int("agents", 0, "number of agents")
	flags.Int("steps", 0, "number of simulation steps")
	flags.Bool("async", false, "trigger every agent of a step concurrently")
	flags.String("vote", "", "voting method (IRV, mean, best, least_worst, random)")
	mustBind(a.v, "simulation.agents", flags.Lookup("agents"))
	mustBind(a.v, "simulation.steps", flags.Lookup("steps"))
	mustBind(a.v, "simulation.async", flags.Lookup("async"))
	mustBind(a.v, "voting.method", flags.Lookup("vote"))
	return runCmd
}

func (a *app) run(ctx context.Context, single bool) error {
	out, err := a.openSinks(false)
	if err != nil {
		return err
	}
	defer out.Close()

	if single {
		e, err := a.newEnvironment(out.info)
		if err != nil {
			return err
		}
		return a.simulate(ctx, newEnvSociety(e), out)
	}

	m, err := a.newMulti(out.info)
	if err != nil {
		return err
	}
	if err := a.startSlaves(ctx, m); err != nil {
		return errors.Join(err, m.Destroy(context.WithoutCancel(ctx), ""))
	}
	return a.simulate(ctx, balancedSociety{m}, out)
}

// simulate populates s, runs the configured steps with a voting round every
// voting.every steps and finally destroys s, saving into storage.folder.
func (a *app) simulate(ctx context.Context, s society, out *sinks) error {
	simCfg, voteCfg := a.cfg.Simulation, a.cfg.Voting
	logger := a.logger.Named("simulation")

	order, err := sim.ParseOrder(simCfg.Order)
	if err != nil {
		return errors.Join(err, s.Destroy(ctx, ""))
	}
	method, err := vote.ParseMethod(voteCfg.Method)
	if err != nil {
		return errors.Join(err, s.Destroy(ctx, ""))
	}

	if err := a.populate(ctx, s); err != nil {
		return errors.Join(err, s.Destroy(context.WithoutCancel(ctx), ""))
	}
	if out.archive != nil {
		run, err := out.archive.Start(ctx, s.Name())
		if err != nil {
			return errors.Join(err, s.Destroy(context.WithoutCancel(ctx), ""))
		}
		logger.Info("archiving run", zap.String("run", run), zap.String("path", a.cfg.Storage.Path))
	}

	round := 0
	simulation := sim.New(s, sim.Options{
		Order:  order,
		Logger: a.logger,
		Callback: func(ctx context.Context, age int) error {
			if voteCfg.Every == 0 || age%voteCfg.Every != 0 {
				return nil
			}
			round++
			return a.votingRound(ctx, s, out, round, method)
		},
	})

	start := time.Now()
	if simCfg.Async {
		_, err = simulation.AsyncSteps(ctx, simCfg.Steps)
	} else {
		_, err = simulation.Steps(ctx, simCfg.Steps)
	}
	if err != nil {
		logger.Error("simulation stopped early", zap.Int("age", simulation.Age()), zap.Error(err))
	}
	logger.Info("simulation finished",
		zap.Int("steps", simulation.Age()),
		zap.Int("rounds", round),
		zap.Duration("elapsed", time.Since(start)))
	return errors.Join(err, simulation.Close(context.WithoutCancel(ctx), a.cfg.Storage.Folder))
}

func (a *app) populate(ctx context.Context, s society) error {
	simCfg := a.cfg.Simulation
	addrs, err := s.SpawnN(ctx, simCfg.Kind, simCfg.Agents, nil)
	if err != nil {
		return fmt.Errorf("spawn %s agents: %w", simCfg.Kind, err)
	}
	if simCfg.Connections > 0 && len(addrs) > 1 {
		if err := s.CreateRandomConnections(ctx, simCfg.Connections); err != nil {
			return fmt.Errorf("connect agents: %w", err)
		}
	}
	a.logger.Info("society populated",
		zap.String("env", s.Name()),
		zap.Int("agents", len(addrs)),
		zap.Int("connections", simCfg.Connections))
	return nil
}

func (a *app) votingRound(ctx context.Context, s society, out *sinks, round int, method vote.Method) error {
	voteCfg := a.cfg.Voting
	winners, err := s.PerformVoting(ctx, method, voteCfg.Accepted, voteCfg.Validate)
	if err != nil {
		return fmt.Errorf("voting round %d: %w", round, err)
	}
	for i, w := range winners {
		a.logger.Info("voting winner",
			zap.Int("round", round),
			zap.Int("rank", i+1),
			zap.String("creator", w.Artifact.Creator()),
			zap.ByteString("payload", w.Artifact.Payload()),
			zap.Float64("score", w.Score))
	}
	if out.archive != nil {
		if err := out.archive.SaveVotes(ctx, round, method, winners); err != nil {
			return err
		}
	}
	return s.ClearCandidates(ctx)
}
