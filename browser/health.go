package browser

import (
	"math"
	"sync"
	"time"
)

// Retirement thresholds for pooled tabs.
const (
	retireErrScore = 3.0
	retireUses     = 50
	retireAge      = 50 * time.Minute
)

// pageHealth tracks how a pooled tab has fared across sessions.
//
// Scoring rules:
//   - clean session: errScore -= 0.5 (min 0)
//   - session with a facade failure: errScore += 1.0
type pageHealth struct {
	mu       sync.Mutex
	errScore float64
	useCount int
	created  time.Time
}

func newPageHealth(now time.Time) *pageHealth {
	return &pageHealth{created: now}
}

func (h *pageHealth) record(failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	if failed {
		h.errScore += 1.0
		return
	}
	h.errScore = math.Max(0, h.errScore-0.5)
}

// shouldRetire reports whether the tab should be closed instead of reused.
func (h *pageHealth) shouldRetire(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errScore >= retireErrScore ||
		h.useCount >= retireUses ||
		now.Sub(h.created) >= retireAge
}
