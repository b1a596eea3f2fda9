package env

import (
	"fmt"

	"github.com/ssd-technologies/creamas/internal/agent"
)

// CreateRandomConnections gives every non-manager agent n distinct random
// peers from this environment, skipping ones it is already connected to.
// Skipped picks still use up the budget, so an agent can end up with fewer
// than n new connections. It returns the number of connections added.
func (e *Environment) CreateRandomConnections(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("connection count must be positive, got %d", n)
	}
	agents := e.GetAgents(Filter{})
	added := 0
	for i, ag := range agents {
		others := make([]agent.Agent, 0, len(agents)-1)
		others = append(others, agents[:i]...)
		others = append(others, agents[i+1:]...)
		perm := e.rng.Perm(len(others))
		for _, j := range perm[:min(n, len(perm))] {
			ok, err := ag.Core().AddConnection(others[j].Core().Addr(), 0)
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
	}
	return added, nil
}

// CreateConnections adds connections from a map of agent address to peer
// address to attitude. Entries for agents not hosted here are ignored, so
// one map can be broadcast to every environment of a simulation.
func (e *Environment) CreateConnections(conns map[string]map[string]float64) error {
	for addr, peers := range conns {
		ag, err := e.Agent(addr)
		if err != nil {
			continue
		}
		b := ag.Core()
		for peer, attitude := range peers {
			if _, err := b.AddConnection(peer, attitude); err != nil {
				return fmt.Errorf("connect %s -> %s: %w", addr, peer, err)
			}
		}
	}
	return nil
}

// GetConnections returns every non-manager agent's connections and
// attitudes keyed by agent address.
func (e *Environment) GetConnections() map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	for _, ag := range e.GetAgents(Filter{}) {
		out[ag.Core().Addr()] = ag.Core().ConnectionMap()
	}
	return out
}
