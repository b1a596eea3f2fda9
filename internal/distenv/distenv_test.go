package distenv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/launch"
	"github.com/ssd-technologies/creamas/internal/multienv"
	"github.com/ssd-technologies/creamas/internal/rpc"
	"github.com/ssd-technologies/creamas/internal/vote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type poet struct {
	*agent.Base
	Line  string             `json:"line"`
	Taste map[string]float64 `json:"taste"`
}

func (p *poet) Act(ctx context.Context) (any, error) {
	if p.Line == "" {
		return p.Age(), nil
	}
	a := artifact.New(p.Addr(), "verse", []byte(p.Line), p.Taste[p.Line], nil)
	p.Publish(a)
	return p.Age(), p.Propose(ctx, a)
}

func (p *poet) Evaluate(_ context.Context, a *artifact.Artifact) (float64, []byte, error) {
	return p.Taste[string(a.Payload())], nil, nil
}

func clientConfig() rpc.ClientConfig {
	return rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second}
}

// node is one multi-environment with a single slave environment, standing in
// for a remote machine.
type node struct {
	multi *multienv.MultiEnvironment
	slave *env.Environment
}

func newNode(t *testing.T) node {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("poet", func(b *agent.Base, args json.RawMessage) (agent.Agent, error) {
		p := &poet{Base: b}
		if len(args) > 0 {
			if err := json.Unmarshal(args, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}))
	slave, err := env.New(env.Config{Host: "127.0.0.1", Registry: reg, Client: clientConfig(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { slave.Destroy(context.Background(), "") }) //nolint:errcheck

	m, err := multienv.New(multienv.Config{
		Host:        "127.0.0.1",
		Slaves:      []string{slave.Addr().String()},
		Client:      clientConfig(),
		StopTimeout: 200 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Destroy(context.Background(), "") }) //nolint:errcheck
	require.NoError(t, m.SetHostManagers(context.Background()))
	return node{multi: m, slave: slave}
}

func newDist(t *testing.T, nodes ...Node) *DistributedEnvironment {
	t.Helper()
	d, err := New(Config{
		Host:            "127.0.0.1",
		Nodes:           nodes,
		AllowLocalNodes: true,
		Client:          clientConfig(),
		PollInterval:    20 * time.Millisecond,
		ProbeTimeout:    200 * time.Millisecond,
		StopTimeout:     200 * time.Millisecond,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Destroy(context.Background(), "") }) //nolint:errcheck
	return d
}

func nodeOf(n node) Node {
	return Node{Host: "127.0.0.1", Port: n.multi.Addr().Port}
}

func TestRejectsOwnHost(t *testing.T) {
	_, err := New(Config{Host: "10.0.0.1", Port: 5555, Nodes: []Node{{Host: "10.0.0.2"}, {Host: "10.0.0.1"}}})
	assert.ErrorIs(t, err, ErrOwnHost)
}

func TestRequiresManagerPort(t *testing.T) {
	_, err := New(Config{Host: "127.0.0.1", Nodes: []Node{{Host: "10.0.0.2"}}})
	assert.ErrorContains(t, err, "no manager port")
}

func TestManagerAddressesFollowNodes(t *testing.T) {
	d, err := New(Config{
		Host:   "127.0.0.1",
		Nodes:  []Node{{Host: "10.0.0.2", SSHPort: 2222}, {Host: "10.0.0.3", Port: 6000}},
		Port:   0,
		Logger: zaptest.NewLogger(t),
	})
	require.Error(t, err)
	assert.Nil(t, d)

	d = newDist(t, Node{Host: "10.0.0.2", Port: 5555}, Node{Host: "10.0.0.3", Port: 6000})
	assert.Equal(t, []string{"tcp://10.0.0.2:5555/0", "tcp://10.0.0.3:6000/0"}, d.Addrs())
	assert.Len(t, d.Nodes(), 2)
	assert.Equal(t, 2, d.Tracker().Stats().NodesTotal)
}

func TestWaitNodes(t *testing.T) {
	a, b := newNode(t), newNode(t)
	d := newDist(t, nodeOf(a), nodeOf(b))
	ctx := context.Background()

	assert.True(t, d.WaitNodes(ctx, 2*time.Second, true))
	stats := d.Tracker().Stats()
	assert.Equal(t, 2, stats.NodesOnline)
	assert.Equal(t, 2, stats.NodesReady)
	assert.Len(t, d.Tracker().OnlineNodes(), 2)
}

func TestWaitNodesTimesOut(t *testing.T) {
	a := newNode(t)
	d := newDist(t, nodeOf(a), Node{Host: "127.0.0.1", Port: 1})

	assert.False(t, d.WaitNodes(context.Background(), 300*time.Millisecond, false))
	stats := d.Tracker().Stats()
	assert.Equal(t, 1, stats.NodesOnline)
	assert.Zero(t, stats.NodesReady)

	stats = d.CheckNodes(context.Background())
	assert.Equal(t, 1, stats.NodesReady)
	info, ok := d.Tracker().Node("tcp://127.0.0.1:1/0")
	require.True(t, ok)
	assert.False(t, info.Online)
}

func TestPrepareNodes(t *testing.T) {
	a := newNode(t)
	d := newDist(t, nodeOf(a))
	assert.ErrorIs(t, d.PrepareNodes(context.Background()), ErrNotImplemented)

	called := false
	d.cfg.Prepare = func(_ context.Context, got *DistributedEnvironment) error {
		called = got == d
		return nil
	}
	require.NoError(t, d.PrepareNodes(context.Background()))
	assert.True(t, called)
}

func TestTriggerAllAcrossNodes(t *testing.T) {
	a, b := newNode(t), newNode(t)
	d := newDist(t, nodeOf(a), nodeOf(b))
	ctx := context.Background()

	_, err := a.multi.SpawnN(ctx, "poet", 2, nil, "")
	require.NoError(t, err)
	_, err = b.multi.SpawnN(ctx, "poet", 3, nil, "")
	require.NoError(t, err)

	results, err := d.TriggerAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.False(t, r.Failed(), r.Err)
	}

	agents, err := d.GetAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, agents, 5)

	managers, err := d.GetSlaveManagers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.slave.Addr().String(), b.slave.Addr().String()}, managers)
}

func TestTriggerAllReportsUnreachableNode(t *testing.T) {
	a := newNode(t)
	d := newDist(t, nodeOf(a), Node{Host: "127.0.0.1", Port: 1})
	ctx := context.Background()
	_, err := a.multi.Spawn(ctx, "poet", "", nil, "")
	require.NoError(t, err)

	results, err := d.TriggerAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.Equal(t, "tcp://127.0.0.1:1/0", results[1].Addr)
}

func TestVotingAcrossNodes(t *testing.T) {
	a, b := newNode(t), newNode(t)
	d := newDist(t, nodeOf(a), nodeOf(b))
	ctx := context.Background()
	require.NoError(t, d.SetHostManagers(ctx))

	taste := map[string]float64{"haiku": 0.9, "limerick": 0.2}
	raw := func(line string) json.RawMessage {
		b, err := json.Marshal(map[string]any{"line": line, "taste": taste})
		require.NoError(t, err)
		return b
	}
	_, err := a.multi.Spawn(ctx, "poet", "basho", raw("haiku"), "")
	require.NoError(t, err)
	_, err = b.multi.Spawn(ctx, "poet", "lear", raw("limerick"), "")
	require.NoError(t, err)

	_, err = d.TriggerAll(ctx)
	require.NoError(t, err)

	// Candidates travel env -> node -> coordinator.
	nodeCands, err := a.multi.Candidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodeCands)
	cands, err := d.Candidates(ctx)
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	winners, err := d.PerformVoting(ctx, vote.MethodBest, 1, true)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, "haiku", string(winners[0].Artifact.Payload()))
}

func TestStopNodes(t *testing.T) {
	a := newNode(t)
	d := newDist(t, nodeOf(a), Node{Host: "127.0.0.1", Port: 1})

	err := d.StopNodes(context.Background(), "")
	assert.ErrorIs(t, err, rpc.ErrConnection)
	select {
	case <-a.multi.StopReceived():
	case <-time.After(2 * time.Second):
		t.Fatal("reachable node was not stopped")
	}
}

func TestSpawnNodesUsesEveryNode(t *testing.T) {
	d := newDist(t, Node{Host: "10.0.0.2", Port: 5555}, Node{Host: "10.0.0.3", Port: 5555})
	var got []string
	err := d.SpawnNodesWith(context.Background(), launch.Func(func(_ context.Context, addr rpc.Addr) (launch.Process, error) {
		got = append(got, addr.String())
		return nil, errors.New("unreachable")
	}))
	assert.ErrorContains(t, err, "unreachable")
	assert.Equal(t, d.Addrs(), got)
}
