package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/reconcile"
)

type fakeSource struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeSource) Reconcile(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestRunOnce_FailingSourceDoesNotStopOthers(t *testing.T) {
	bad := &fakeSource{err: errors.New("db down")}
	good := &fakeSource{n: 3}
	w := reconcile.NewWorker(map[string]reconcile.Reconciler{"standard": bad, "loto": good}, 0, zap.NewNop())

	got := w.RunOnce(context.Background())
	if got["loto"] != 3 || got["standard"] != 0 {
		t.Errorf("expected loto=3 standard=0, got %v", got)
	}
	if bad.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Errorf("expected each source called once, got %d and %d", bad.calls.Load(), good.calls.Load())
	}
}

func TestStart_TicksUntilCancelled(t *testing.T) {
	src := &fakeSource{}
	w := reconcile.NewWorker(map[string]reconcile.Reconciler{"loto": src}, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	w.Start(ctx, &wg)

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	if src.calls.Load() < 2 {
		t.Errorf("expected at least 2 passes, got %d", src.calls.Load())
	}
}

func TestStart_DisabledInterval(t *testing.T) {
	src := &fakeSource{}
	w := reconcile.NewWorker(map[string]reconcile.Reconciler{"loto": src}, 0, zap.NewNop())

	var wg sync.WaitGroup
	w.Start(context.Background(), &wg)
	wg.Wait()
	if src.calls.Load() != 0 {
		t.Errorf("expected no passes, got %d", src.calls.Load())
	}
}

func TestHandleRun(t *testing.T) {
	w := reconcile.NewWorker(map[string]reconcile.Reconciler{"standard": &fakeSource{n: 2}}, 0, zap.NewNop())

	rec := httptest.NewRecorder()
	w.HandleRun(rec, httptest.NewRequest("POST", "/api/v1/reconcile", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Credited map[string]int `json:"credited"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Credited["standard"] != 2 {
		t.Errorf("expected standard=2, got %v", body.Credited)
	}
}
