package reconcile

import (
	"sync"
	"time"

	"github.com/starford/refhub/internal/apperr"
)

// opGuard serializes a bulk operation and enforces a minimum interval between
// runs. Writing companion documents generates file-change notifications that
// could re-trigger the very sync that caused them; the guard breaks that
// loop. Callers must pair enter with exit on every path, including errors.
type opGuard struct {
	mu       sync.Mutex
	busy     bool
	last     time.Time
	cooldown time.Duration
}

func (g *opGuard) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return apperr.ErrSyncInProgress
	}
	if g.cooldown > 0 && !g.last.IsZero() && time.Since(g.last) < g.cooldown {
		return apperr.ErrSyncInProgress
	}
	g.busy = true
	return nil
}

func (g *opGuard) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = false
	g.last = time.Now()
}
