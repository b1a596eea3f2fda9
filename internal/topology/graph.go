package topology

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ssd-technologies/creamas/internal/rpc"
)

// Graph is a weighted adjacency list over nodes 0..Len()-1. An undirected
// graph stores every edge in both directions.
type Graph struct {
	directed bool
	adj      []map[int]float64
}

// NewGraph returns a graph of n isolated nodes.
func NewGraph(n int, directed bool) *Graph {
	adj := make([]map[int]float64, n)
	for i := range adj {
		adj[i] = make(map[int]float64)
	}
	return &Graph{directed: directed, adj: adj}
}

func (g *Graph) Len() int { return len(g.adj) }

func (g *Graph) Directed() bool { return g.directed }

// AddEdge sets the edge u→v with weight w, and v→u as well when the graph
// is undirected.
func (g *Graph) AddEdge(u, v int, w float64) error {
	if u < 0 || u >= len(g.adj) || v < 0 || v >= len(g.adj) {
		return fmt.Errorf("edge %d-%d outside a graph of %d nodes", u, v, len(g.adj))
	}
	g.adj[u][v] = w
	if !g.directed {
		g.adj[v][u] = w
	}
	return nil
}

// Edges returns the successors of u and their weights.
func (g *Graph) Edges(u int) map[int]float64 { return maps.Clone(g.adj[u]) }

// Ring returns the undirected cycle over n nodes where each node links to
// its k nearest nodes on either side.
func Ring(n, k int) *Graph {
	g := NewGraph(n, false)
	for i := range n {
		for j := 1; j <= k && j < n; j++ {
			g.AddEdge(i, (i+j)%n, 0) //nolint:errcheck
		}
	}
	return g
}

// ConnectionsFromGraph maps node i of g to the i-th agent in address order
// and turns every edge into a connection. With weights false every
// attitude is neutral.
func ConnectionsFromGraph(agents []string, g *Graph, weights bool) (map[string]map[string]float64, error) {
	if len(agents) != g.Len() {
		return nil, fmt.Errorf("%w: %d nodes, %d agents", ErrSizeMismatch, g.Len(), len(agents))
	}
	addrs, err := rpc.ParseAddrs(agents)
	if err != nil {
		return nil, err
	}
	nodes := rpc.Strings(rpc.SortAddrs(addrs))
	out := make(map[string]map[string]float64, len(nodes))
	for i, addr := range nodes {
		peers := make(map[string]float64, len(g.adj[i]))
		for j, w := range g.adj[i] {
			if !weights {
				w = 0
			}
			peers[nodes[j]] = w
		}
		out[addr] = peers
	}
	return out, nil
}

// GraphFromConnections builds a graph from a connection map. Node i is the
// i-th address in address order, covering peers that have no entry of
// their own. In an undirected graph a pair connected both ways keeps the
// attitude of the address that sorts first.
func GraphFromConnections(conns map[string]map[string]float64, directed bool) (*Graph, []string, error) {
	seen := make(map[string]struct{})
	for addr, peers := range conns {
		seen[addr] = struct{}{}
		for p := range peers {
			seen[p] = struct{}{}
		}
	}
	addrs, err := rpc.ParseAddrs(slices.Sorted(maps.Keys(seen)))
	if err != nil {
		return nil, nil, err
	}
	nodes := rpc.Strings(rpc.SortAddrs(addrs))
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n] = i
	}
	g := NewGraph(len(nodes), directed)
	for i := len(nodes) - 1; i >= 0; i-- {
		for p, w := range conns[nodes[i]] {
			g.AddEdge(i, idx[p], w) //nolint:errcheck
		}
	}
	return g, nodes, nil
}

// Connector is an environment whose agents can be wired from a map.
type Connector interface {
	GetAgents(ctx context.Context, kind string) ([]string, error)
	CreateConnections(ctx context.Context, conns map[string]map[string]float64) error
}

// ConnectGraph connects the agents of c along the edges of g.
func ConnectGraph(ctx context.Context, c Connector, g *Graph, weights bool) error {
	agents, err := c.GetAgents(ctx, "")
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	conns, err := ConnectionsFromGraph(agents, g, weights)
	if err != nil {
		return err
	}
	return c.CreateConnections(ctx, conns)
}

// ConnectionSource reports the connections of a running environment.
type ConnectionSource interface {
	GetConnections(ctx context.Context) (map[string]map[string]float64, error)
}

// GraphOf builds the graph of the current connections of c.
func GraphOf(ctx context.Context, c ConnectionSource, directed bool) (*Graph, []string, error) {
	conns, err := c.GetConnections(ctx)
	if err != nil {
		return nil, nil, err
	}
	return GraphFromConnections(conns, directed)
}
