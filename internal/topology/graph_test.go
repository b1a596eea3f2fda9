package topology

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/creamas/internal/agent"
	"github.com/ssd-technologies/creamas/internal/env"
	"github.com/ssd-technologies/creamas/internal/multienv"
	"github.com/ssd-technologies/creamas/internal/rpc"
)

func TestRing(t *testing.T) {
	g := Ring(5, 1)
	assert.Equal(t, 5, g.Len())
	assert.False(t, g.Directed())
	assert.Equal(t, map[int]float64{1: 0, 4: 0}, g.Edges(0))
	assert.Equal(t, map[int]float64{0: 0, 3: 0}, g.Edges(4))
	assert.Len(t, Ring(5, 2).Edges(2), 4)
}

func TestAddEdgeBounds(t *testing.T) {
	g := NewGraph(2, true)
	require.NoError(t, g.AddEdge(0, 1, 0.5))
	assert.Error(t, g.AddEdge(0, 2, 0))
	assert.Error(t, g.AddEdge(-1, 0, 0))
	assert.Empty(t, g.Edges(1), "directed edges go one way")
}

func TestConnectionsFromGraphFollowsAddressOrder(t *testing.T) {
	agents := []string{"tcp://b:1/1", "tcp://a:2/2", "tcp://a:2/1"}
	g := NewGraph(3, true)
	require.NoError(t, g.AddEdge(0, 1, 0.5))
	require.NoError(t, g.AddEdge(2, 0, -0.25))

	conns, err := ConnectionsFromGraph(agents, g, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]float64{
		"tcp://a:2/1": {"tcp://a:2/2": 0.5},
		"tcp://a:2/2": {},
		"tcp://b:1/1": {"tcp://a:2/1": -0.25},
	}, conns)

	conns, err = ConnectionsFromGraph(agents, g, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, conns["tcp://b:1/1"]["tcp://a:2/1"])

	_, err = ConnectionsFromGraph(agents[:2], g, false)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	_, err = ConnectionsFromGraph([]string{"a", "b", "c"}, g, false)
	assert.Error(t, err)
}

func TestGraphFromConnections(t *testing.T) {
	conns := map[string]map[string]float64{
		"tcp://a:1/2": {"tcp://a:1/1": 0.9, "tcp://a:1/3": 0},
		"tcp://a:1/1": {"tcp://a:1/2": 0.1},
	}

	g, nodes, err := GraphFromConnections(conns, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://a:1/1", "tcp://a:1/2", "tcp://a:1/3"}, nodes)
	assert.Equal(t, map[int]float64{1: 0.1}, g.Edges(0))
	assert.Equal(t, map[int]float64{0: 0.9, 2: 0}, g.Edges(1))
	assert.Empty(t, g.Edges(2))

	g, _, err = GraphFromConnections(conns, false)
	require.NoError(t, err)
	assert.Equal(t, 0.1, g.Edges(1)[0], "the first address decides a two-way pair")
	assert.Equal(t, map[int]float64{1: 0}, g.Edges(2))

	back, err := ConnectionsFromGraph(nodes, g, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"tcp://a:1/1": 0.1, "tcp://a:1/3": 0}, back["tcp://a:1/2"])
}

func newSlave(t *testing.T) *env.Environment {
	t.Helper()
	reg := agent.NewRegistry()
	require.NoError(t, reg.Register("cell", func(b *agent.Base, _ json.RawMessage) (agent.Agent, error) {
		return b, nil
	}))
	e, err := env.New(env.Config{
		Host:     "127.0.0.1",
		Registry: reg,
		Client:   rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second},
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Destroy(context.Background(), "") }) //nolint:errcheck
	return e
}

func newMulti(t *testing.T, slaves ...*env.Environment) *multienv.MultiEnvironment {
	t.Helper()
	addrs := make([]string, len(slaves))
	for i, s := range slaves {
		addrs[i] = s.Addr().String()
	}
	m, err := multienv.New(multienv.Config{
		Host:         "127.0.0.1",
		Slaves:       addrs,
		Client:       rpc.ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second},
		PollInterval: 20 * time.Millisecond,
		ProbeTimeout: 200 * time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Destroy(context.Background(), "") }) //nolint:errcheck
	return m
}

func TestGridOverMultiEnvironment(t *testing.T) {
	m := newMulti(t, newSlave(t), newSlave(t))
	ctx := context.Background()

	l, err := Populate(ctx, m, GridSpec{Origin: Point{0, 0}, Width: 2, Height: 3, Kind: "cell"})
	require.NoError(t, err)
	require.True(t, l.Full())

	conns, err := m.GetConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 12)
	for addr, peers := range conns {
		nbs := l.Neighbors(addr)
		assert.Len(t, peers, len(nbs), addr)
		for _, nb := range nbs {
			assert.Contains(t, peers, nb)
		}
	}

	// The east edge of the first slave links into the second slave.
	west, err := l.At(Point{1, 1})
	require.NoError(t, err)
	east, err := l.At(Point{2, 1})
	require.NoError(t, err)
	owner, ok := l.EnvironmentAt(Point{2, 1})
	require.True(t, ok)
	assert.Equal(t, m.GetSlaveManagers()[1], owner)
	assert.Contains(t, conns[west], east)
	assert.Contains(t, conns[east], west)
}

func TestGraphOverMultiEnvironment(t *testing.T) {
	m := newMulti(t, newSlave(t), newSlave(t))
	ctx := context.Background()
	for _, s := range m.GetSlaveManagers() {
		_, err := m.SpawnN(ctx, "cell", 3, nil, s)
		require.NoError(t, err)
	}

	assert.ErrorIs(t, ConnectGraph(ctx, m, Ring(5, 1), false), ErrSizeMismatch)
	require.NoError(t, ConnectGraph(ctx, m, Ring(6, 1), false))

	g, nodes, err := GraphOf(ctx, m, false)
	require.NoError(t, err)
	require.Len(t, nodes, 6)
	for i := range nodes {
		assert.Equal(t, Ring(6, 1).Edges(i), g.Edges(i), nodes[i])
	}
}
