package closure

import "sync"

// Rolling tracks closure scores across a window of recent sessions. The
// CLOSURE_FAIL finding is about sustained behavior, not a single bad run.
type Rolling struct {
	mu     sync.Mutex
	size   int
	scores []float64
}

// NewRolling creates a window over the last size sessions.
func NewRolling(size int) *Rolling {
	if size <= 0 {
		size = 10
	}
	return &Rolling{size: size}
}

// Add records one session's closure score.
func (r *Rolling) Add(score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = append(r.scores, score)
	if len(r.scores) > r.size {
		r.scores = r.scores[len(r.scores)-r.size:]
	}
}

// Mean returns the window's mean score, or 1.0 for an empty window.
func (r *Rolling) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scores) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, s := range r.scores {
		sum += s
	}
	return sum / float64(len(r.scores))
}

// Failing reports whether the windowed mean is under the threshold.
func (r *Rolling) Failing(threshold float64) bool {
	return r.Mean() < threshold
}
