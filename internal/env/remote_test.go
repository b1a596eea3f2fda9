package env

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/artifact"
	"github.com/ssd-technologies/creamas/internal/rpc"
)

func testClient(t *testing.T) *rpc.Client {
	t.Helper()
	c := rpc.NewClient(rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestRemoteManagerSpawnAndList(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	m, err := DialManager(ctx, testClient(t), e.Addr(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, e.Addr().String(), m.Addr())

	addr, err := m.Spawn(ctx, "scripted", "remote-alice", nil)
	require.NoError(t, err)
	_, err = m.Spawn(ctx, "scripted", "remote-alice", nil)
	var re *rpc.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "already in use")

	more, err := m.SpawnN(ctx, "scripted", 2, nil)
	require.NoError(t, err)

	agents, err := m.GetAgents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, append([]string{addr}, more...), agents)

	age, err := m.GetOlder(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, age)

	v, err := m.Act(ctx, addr)
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(v))

	results, err := m.TriggerAll(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestCandidatesSurviveTheWire(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	spawnScripted(t, e, "", map[string]float64{"a": 1, "b": 0.5})
	m := NewRemoteManager(testClient(t), e.Addr())

	orig := artifact.New("tcp://127.0.0.1:1/1", "words", []byte("a"), 0.75, []byte("because"))
	orig.AddEvaluation("tcp://127.0.0.1:1/2", -0.5, nil)
	require.NoError(t, m.AddCandidate(ctx, orig))

	got, err := m.Candidates(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	if diff := cmp.Diff(orig, got[0]); diff != "" {
		t.Errorf("candidate changed over the wire (-want +got):\n%s", diff)
	}

	ballots, err := m.GatherVotes(ctx, []*artifact.Artifact{orig, cand("b")})
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	assert.Equal(t, orig.Key(), ballots[0][0].Artifact.Key())

	uniform, err := m.Vote(ctx, got)
	require.NoError(t, err)
	require.Len(t, uniform, 1)
	assert.Zero(t, uniform[0].Score)

	require.NoError(t, m.ClearCandidates(ctx))
	got, err = m.Candidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoteConnections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := spawnScripted(t, e, "", nil)
	b := spawnScripted(t, e, "", nil)
	c := testClient(t)
	m := NewRemoteManager(c, e.Addr())

	require.NoError(t, m.CreateConnections(ctx, map[string]map[string]float64{a: {b: 0.3}}))
	conns, err := m.GetConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.3, conns[a][b])

	p := NewAgentProxy(c, rpc.MustParseAddr(b))
	added, err := p.AddConnection(ctx, a, -1)
	require.NoError(t, err)
	assert.True(t, added)
	removed, err := p.RemoveConnection(ctx, "tcp://nowhere:1/1")
	require.NoError(t, err)
	assert.False(t, removed)
	got, err := p.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{a: -1}, got)
}

func TestHostManagerCollectsCandidates(t *testing.T) {
	top := newTestEnv(t)
	slave := newTestEnv(t)
	ctx := context.Background()

	m := NewRemoteManager(testClient(t), slave.Addr())
	require.NoError(t, m.SetHostAddr(ctx, top.Addr().String()))
	host, err := m.HostAddr(ctx)
	require.NoError(t, err)
	assert.Equal(t, top.Addr().String(), host)

	addr, err := slave.SpawnFunc(ctx, "proposer", "", func(b *agent.Base) (agent.Agent, error) {
		return &scripted{Base: b, act: func(ctx context.Context, b *agent.Base) (any, error) {
			a := artifact.New(b.Addr(), "test", []byte("idea"), 1, nil)
			b.Publish(a)
			return nil, b.Propose(ctx, a)
		}}, nil
	})
	require.NoError(t, err)

	_, err = slave.TriggerAct(ctx, addr)
	require.NoError(t, err)

	local, _ := slave.Candidates(ctx)
	assert.Empty(t, local)
	pooled, _ := top.Candidates(ctx)
	require.Len(t, pooled, 1)
	assert.Equal(t, addr, pooled[0].Creator())

	// The slave's archive is its own; get_artifacts asks the host.
	assert.Len(t, slave.Artifacts(), 1)
	arts, err := m.GetArtifacts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestAskOpinionAcrossEnvironments(t *testing.T) {
	left := newTestEnv(t)
	right := newTestEnv(t)
	ctx := context.Background()
	critic := spawnScripted(t, right, "critic", map[string]float64{"art": 0.4})
	asker := spawnScripted(t, left, "asker", nil)

	ag, err := left.Agent(asker)
	require.NoError(t, err)
	a := artifact.New(asker, "test", []byte("art"), 1, nil)
	score, _, err := ag.Core().AskOpinion(ctx, critic, a)
	require.NoError(t, err)
	assert.Equal(t, 0.4, score)

	ev, ok := a.Evaluation(critic)
	require.True(t, ok)
	assert.Equal(t, 0.4, ev.Score)
}

func TestReportToHost(t *testing.T) {
	ctx := context.Background()
	got := make(chan string, 1)
	top := newTestEnv(t, func(c *Config) {
		c.OnMessage = func(_ context.Context, msg string) (string, error) {
			got <- msg
			return "ack", nil
		}
	})
	slave := newTestEnv(t)

	_, err := slave.ReportToHost(ctx, "hello")
	assert.ErrorIs(t, err, ErrNoHostManager)

	require.NoError(t, slave.SetHostManager(top.Addr().String()))
	reply, err := slave.Manager().Report(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ack", reply)
	assert.Equal(t, "hello", <-got)
}

func TestReportToUnreachableHost(t *testing.T) {
	slave := newTestEnv(t)
	require.NoError(t, slave.SetHostManager("tcp://127.0.0.1:1/0"))
	_, err := slave.ReportToHost(context.Background(), "hello")
	assert.ErrorIs(t, err, rpc.ErrConnection)
}

func TestStopSignalsServe(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	m := NewRemoteManager(testClient(t), e.Addr())
	ready, err := m.IsReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)
	require.NoError(t, m.SetAge(ctx, 4))
	age, err := m.GetAge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, age)

	require.NoError(t, m.Stop(ctx, ""))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after stop")
	}
	assert.False(t, e.IsReady())
}
