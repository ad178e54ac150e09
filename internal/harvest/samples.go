package harvest

import (
	"math"
	"sync"
	"time"
)

// RowsPerPage is the maximum page size of the reporting API.
const RowsPerPage = 25000

// Hits estimates the quota cost of a completed request: one call per page
// plus the terminating empty page, never less than 2.
func Hits(rows int) int {
	h := int(math.Ceil(float64(rows)/RowsPerPage)) + 1
	if h < 2 {
		return 2
	}
	return h
}

// samples is the append-only record of completed tasks. The controller
// reads suffixes of it at every window boundary.
type samples struct {
	mu       sync.Mutex
	hits     []int
	elapsed  []time.Duration
	lookBack int
}

func newSamples() *samples {
	return &samples{lookBack: 1}
}

func (s *samples) add(hits int, elapsed time.Duration) {
	s.mu.Lock()
	s.hits = append(s.hits, hits)
	s.elapsed = append(s.elapsed, elapsed)
	s.mu.Unlock()
}

func (s *samples) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}

// sumLast returns the hit total of the last n samples.
func (s *samples) sumLast(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.hits) {
		n = len(s.hits)
	}
	total := 0
	for _, h := range s.hits[len(s.hits)-n:] {
		total += h
	}
	return total
}

// setLookBack sets how many recent samples meanRPS averages over.
func (s *samples) setLookBack(n int) {
	s.mu.Lock()
	s.lookBack = n
	s.mu.Unlock()
}

// meanRPS extrapolates the pool-wide request rate from the recent samples:
// per-worker hits per second times the number of workers.
func (s *samples) meanRPS(workers int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookBack
	if n <= 0 || n > len(s.hits) {
		n = len(s.hits)
	}
	if n == 0 {
		return 0
	}
	var hits int
	var elapsed time.Duration
	for i := len(s.hits) - n; i < len(s.hits); i++ {
		hits += s.hits[i]
		elapsed += s.elapsed[i]
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(hits) / elapsed.Seconds() * float64(workers)
}
