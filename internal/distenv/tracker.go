package distenv

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// NodeInfo describes one node of a distributed run.
type NodeInfo struct {
	Addr     string // manager address
	Host     string
	SSHPort  int
	LastSeen time.Time
	Online   bool
	Ready    bool
}

// TrackerStats contains summary statistics for the tracker.
type TrackerStats struct {
	NodesOnline int `json:"nodes_online"`
	NodesReady  int `json:"nodes_ready"`
	NodesTotal  int `json:"nodes_total"`
}

// Tracker is an in-memory registry of node liveness.
type Tracker struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewTracker creates a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[string]*NodeInfo)}
}

// Register adds a node to the tracker. It starts offline until the first
// heartbeat.
func (t *Tracker) Register(node NodeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node.Online = false
	node.Ready = false
	t.nodes[node.Addr] = &node
}

// Heartbeat marks a node online and records whether it reported ready.
// Unknown addresses are ignored.
func (t *Tracker) Heartbeat(addr string, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[addr]; ok {
		n.LastSeen = time.Now()
		n.Online = true
		n.Ready = ready
	}
}

// MarkDown flags a node as unreachable.
func (t *Tracker) MarkDown(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[addr]; ok {
		n.Online = false
		n.Ready = false
	}
}

// Node returns a copy of one node's record.
func (t *Tracker) Node(addr string) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[addr]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// OnlineNodes returns copies of every online node, ordered by address.
func (t *Tracker) OnlineNodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []NodeInfo
	for _, n := range t.nodes {
		if n.Online {
			result = append(result, *n)
		}
	}
	slices.SortFunc(result, func(a, b NodeInfo) int { return strings.Compare(a.Addr, b.Addr) })
	return result
}

// Stats returns summary statistics for the tracker.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats TrackerStats
	stats.NodesTotal = len(t.nodes)
	for _, n := range t.nodes {
		if n.Online {
			stats.NodesOnline++
		}
		if n.Ready {
			stats.NodesReady++
		}
	}
	return stats
}
