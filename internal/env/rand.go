package env

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// NewRand returns a generator seeded from the operating system's entropy
// source. Every process creates its own so spawned processes never share a
// random stream.
func NewRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("env: read random seed: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// lockedRand serializes access to a *rand.Rand, which is not safe for
// concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Perm(n int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Perm(n)
}

// Fork returns an independent generator seeded from this one.
func (l *lockedRand) Fork() *rand.Rand {
	l.mu.Lock()
	defer l.mu.Unlock()
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[0:], l.r.Uint64())
	binary.LittleEndian.PutUint64(seed[8:], l.r.Uint64())
	binary.LittleEndian.PutUint64(seed[16:], l.r.Uint64())
	binary.LittleEndian.PutUint64(seed[24:], l.r.Uint64())
	return rand.New(rand.NewChaCha8(seed))
}
