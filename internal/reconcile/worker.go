// Package reconcile periodically credits settled winning bets whose payout
// was never applied, e.g. after a crash between settlement and credit.
package reconcile

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/httpx"
)

// Reconciler applies missing credits and reports how many it applied.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Worker runs a set of named reconcilers.
type Worker struct {
	sources  map[string]Reconciler
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
	mu       sync.Mutex // one pass at a time
}

// NewWorker creates a worker running every interval.
func NewWorker(sources map[string]Reconciler, interval time.Duration, log *zap.Logger) *Worker {
	return &Worker{
		sources:  sources,
		interval: interval,
		timeout:  30 * time.Second,
		log:      log.Named("reconcile"),
	}
}

// Start runs passes until ctx is done. A non-positive interval disables the
// ticker; RunOnce and the HTTP trigger still work.
func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	if w.interval <= 0 {
		w.log.Info("periodic reconciliation disabled")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c, cancel := context.WithTimeout(ctx, w.timeout)
				w.RunOnce(c)
				cancel()
			}
		}
	}()
}

// RunOnce runs every reconciler and returns the credits applied per source.
// A failing source is logged and does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()

	applied := make(map[string]int, len(w.sources))
	for name, src := range w.sources {
		n, err := src.Reconcile(ctx)
		if err != nil {
			w.log.Warn("reconcile pass failed", zap.String("source", name), zap.Error(err))
		}
		applied[name] = n
		if n > 0 {
			w.log.Info("reconciled credits", zap.String("source", name), zap.Int("credited", n))
		}
	}
	return applied
}

// HandleRun handles POST /api/v1/reconcile
func (w *Worker) HandleRun(rw http.ResponseWriter, r *http.Request) {
	applied := w.RunOnce(r.Context())
	httpx.WriteJSON(rw, http.StatusOK, map[string]any{"credited": applied})
}
