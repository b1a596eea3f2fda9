package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/creamas/internal/config"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/multienv"
	"github.com/ssd-technologies/creamas/internal/observability"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/storage"
)

// useTestLogger installs a buffered global logger so that commands do not
// write to stdout.
func useTestLogger(t *testing.T) *zaptest.Buffer {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	buf := &zaptest.Buffer{}
	observability.Initialize(config.LoggerConfig{Level: "info", Format: "json"}, buf)
	return buf
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creamas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(ctx context.Context, args ...string) (string, error) {
	rootCmd, _ := newRootCmd()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return buf.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestFlagsOverrideConfig(t *testing.T) {
	useTestLogger(t)
	path := writeConfig(t, "node:\n  port: 6000\nsimulation:\n  steps: 2\n")

	rootCmd, a := newRootCmd()
	runCmd, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	runCmd.RunE = func(*cobra.Command, []string) error { return nil }

	rootCmd.SetArgs([]string{"--config", path, "--port", "7000", "run", "--agents", "3", "--vote", "best"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	assert.Equal(t, 7000, a.cfg.Node.Port)
	assert.Equal(t, 3, a.cfg.Simulation.Agents)
	assert.Equal(t, 2, a.cfg.Simulation.Steps)
	assert.Equal(t, "best", a.cfg.Voting.Method)
	assert.Equal(t, []string{"node", "env", "--config", path}, a.childArgs("node", "env"))
}

func TestRejectsInvalidConfig(t *testing.T) {
	useTestLogger(t)
	path := writeConfig(t, "voting:\n  accepted: 0\n")
	_, err := execute(context.Background(), "--config", path, "run", "--single")
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = execute(context.Background(), "--config", filepath.Join(t.TempDir(), "missing.yaml"), "run")
	assert.ErrorContains(t, err, "error reading config file")
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRunSingleEnvironment(t *testing.T) {
	useTestLogger(t)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "archive.db")
	folder := filepath.Join(dir, "save")
	path := writeConfig(t, fmt.Sprintf(`
node:
  host: 127.0.0.1
  port: 0
simulation:
  agents: 4
  steps: 3
  connections: 2
  async: false
voting:
  method: mean
  accepted: 2
  every: 1
storage:
  path: %s
  folder: %s
`, dbPath, folder))

	_, err := execute(context.Background(), "--config", path, "run", "--single")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(folder, storage.InfoFile))

	db, err := storage.NewDB(dbPath)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Env, "tcp://127.0.0.1:")

	n, err := db.Snapshots(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	agents, err := db.Agents(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, agents, 4)
	for _, ag := range agents {
		assert.Equal(t, inventorKind, ag.Kind)
		assert.Equal(t, 3, ag.Age)
	}
	votes, err := db.Votes(ctx, runs[0].ID)
	require.NoError(t, err)
	for _, v := range votes {
		assert.LessOrEqual(t, v.Rank, 2)
		assert.Equal(t, "mean", v.Method)
	}
}

// serveSlave starts an environment like "node env" does and returns a
// channel receiving Serve's result.
func serveSlave(t *testing.T) (*env.Environment, <-chan error) {
	t.Helper()
	e := newTestEnv(t, 0)
	done := make(chan error, 1)
	go func() { done <- e.Serve(context.Background()) }()
	return e, done
}

func TestRunOverRunningSlaves(t *testing.T) {
	useTestLogger(t)
	s1, done1 := serveSlave(t)
	s2, done2 := serveSlave(t)
	path := writeConfig(t, fmt.Sprintf(`
node:
  host: 127.0.0.1
  port: 0
multi:
  spawn: false
  slaves: [%q, %q]
  wait_timeout: 5s
  poll_interval: 20ms
  stop_timeout: 1s
simulation:
  agents: 4
  steps: 2
  connections: 1
  async: true
voting:
  method: IRV
  every: 2
`, s1.Addr().String(), s2.Addr().String()))

	_, err := execute(context.Background(), "--config", path, "run")
	require.NoError(t, err)

	for _, done := range []<-chan error{done1, done2} {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("slave was not stopped")
		}
	}
	assert.Equal(t, 2, s1.Age())
	assert.Equal(t, 2, s2.Age())
}

func TestNodeEnvServesUntilStopped(t *testing.T) {
	useTestLogger(t)
	port := freePort(t)
	folder := t.TempDir()
	path := writeConfig(t, "logger:\n  level: warn\n")

	done := make(chan error, 1)
	go func() {
		_, err := execute(context.Background(), "--config", path, "--host", "127.0.0.1", "--port", strconv.Itoa(port), "node", "env")
		done <- err
	}()

	client := rpc.NewClient(rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second}, zap.NewNop())
	defer client.Close()
	addr := rpc.Addr{Host: "127.0.0.1", Port: port, ID: rpc.ManagerID}
	mgr := env.NewRemoteManager(client, addr)
	ctx := context.Background()
	require.True(t, multienv.WaitManagers(ctx, client, []env.Manager{mgr}, multienv.WaitConfig{
		Timeout:      5 * time.Second,
		ProbeTimeout: 200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		CheckReady:   true,
	}, zap.NewNop()))

	addrs, err := mgr.SpawnN(ctx, inventorKind, 2, []byte(`{"taste": 50}`))
	require.NoError(t, err)
	assert.Len(t, addrs, 2)

	require.NoError(t, mgr.Stop(ctx, folder))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node env did not stop")
	}
	assert.FileExists(t, filepath.Join(folder, dirName.Replace(addr.String()), storage.InfoFile))
}

func TestDistOverRunningNodes(t *testing.T) {
	logs := useTestLogger(t)
	slave, slaveDone := serveSlave(t)
	node, err := multienv.New(multienv.Config{
		Host:         "127.0.0.1",
		Slaves:       []string{slave.Addr().String()},
		Client:       rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second},
		PollInterval: 20 * time.Millisecond,
		StopTimeout:  time.Second,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.True(t, node.WaitSlaves(ctx, 5*time.Second, true))
	require.NoError(t, node.SetHostManagers(ctx))
	nodeDone := make(chan error, 1)
	go func() { nodeDone <- node.Serve(ctx) }()

	path := writeConfig(t, fmt.Sprintf(`
node:
  host: 127.0.0.1
  port: 0
distributed:
  allow_local_nodes: true
  nodes:
    - host: 127.0.0.1
      port: %d
  wait_timeout: 5s
  poll_interval: 20ms
  stop_timeout: 2s
simulation:
  agents: 3
  steps: 2
voting:
  method: best
`, node.Addr().Port))

	_, err = execute(ctx, "--config", path, "dist", "--spawn=false")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), `"hosts":["127.0.0.1"]`)

	for _, done := range []<-chan error{nodeDone, slaveDone} {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("node was not stopped")
		}
	}
	assert.Equal(t, 2, slave.Age())
}

func TestDistRequiresNodes(t *testing.T) {
	useTestLogger(t)
	path := writeConfig(t, "node:\n  host: 127.0.0.1\n  port: 0\n")
	_, err := execute(context.Background(), "--config", path, "dist", "--spawn=false")
	assert.ErrorContains(t, err, "distributed.nodes is empty")
}
