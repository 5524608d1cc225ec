package bandit

import (
	"math/rand/v2"
	"sync"
	"time"
)

// lockedSource makes a rand.Source safe for concurrent samplers.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func newSource(seed uint64) *lockedSource {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedSource{src: rand.NewPCG(seed, 0x9e3779b97f4a7c15)}
}
