package agent

import (
	"fmt"
	"slices"

	"github.com/ssd-technologies/creamas/internal/rules"
)

// AddConnection connects to addr with the given attitude. It reports false
// when addr is the agent itself or already connected.
func (b *Base) AddConnection(addr string, attitude float64) (bool, error) {
	if err := rules.CheckWeight(attitude); err != nil {
		return false, fmt.Errorf("attitude: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == b.addr || slices.Contains(b.connections, addr) {
		return false, nil
	}
	b.connections = append(b.connections, addr)
	b.attitudes = append(b.attitudes, attitude)
	return true, nil
}

// AddConnections adds every address with a neutral attitude and returns how
// many were new.
func (b *Base) AddConnections(addrs []string) int {
	added := 0
	for _, a := range addrs {
		if ok, _ := b.AddConnection(a, 0); ok {
			added++
		}
	}
	return added
}

// RemoveConnection drops addr. It reports false if addr was not connected.
func (b *Base) RemoveConnection(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.connections, addr)
	if i < 0 {
		return false
	}
	b.connections = slices.Delete(b.connections, i, i+1)
	b.attitudes = slices.Delete(b.attitudes, i, i+1)
	return true
}

// ClearConnections drops every connection.
func (b *Base) ClearConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections = nil
	b.attitudes = nil
}

// SetAttitude changes the attitude towards a connected agent.
func (b *Base) SetAttitude(addr string, attitude float64) error {
	if err := rules.CheckWeight(attitude); err != nil {
		return fmt.Errorf("attitude: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.Index(b.connections, addr)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}
	b.attitudes[i] = attitude
	return nil
}

// Attitude returns the attitude towards addr.
func (b *Base) Attitude(addr string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := slices.Index(b.connections, addr)
	if i < 0 {
		return 0, false
	}
	return b.attitudes[i], true
}

// Connections returns the connected addresses in insertion order.
func (b *Base) Connections() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.connections...)
}

// Attitudes returns the attitudes parallel to Connections.
func (b *Base) Attitudes() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]float64(nil), b.attitudes...)
}

// ConnectionMap returns connections keyed by address.
func (b *Base) ConnectionMap() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := make(map[string]float64, len(b.connections))
	for i, c := range b.connections {
		m[c] = b.attitudes[i]
	}
	return m
}
