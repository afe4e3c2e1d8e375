package betting_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/numbet/settlement-engine/internal/apperr"
	"github.com/numbet/settlement-engine/internal/betting"
	"github.com/numbet/settlement-engine/internal/model"
	"github.com/numbet/settlement-engine/internal/rules"
	"github.com/numbet/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	monday  = time.Date(2025, 8, 11, 12, 0, 0, 0, rules.IST)
	tuesday = monday.AddDate(0, 0, 1)
)

type testEnv struct {
	svc    *betting.Service
	ms     *store.MemoryStore
	router chi.Router
	now    time.Time
}

// newTestEnv creates a service over an in-memory store with baji "b1" of
// game "g1" drawing on Monday and Tuesday.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{ms: store.NewMemoryStore(), now: monday}
	env.svc = betting.NewService(env.ms, nil, zap.NewNop(), rules.IST)
	env.svc.SetClock(func() time.Time { return env.now })

	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.Routes)
	env.router = r

	if _, err := env.svc.UpsertBaji(context.Background(), "g1", betting.BajiRequest{
		ID: "b1", Name: "Morning", ActiveDays: []time.Weekday{time.Monday, time.Tuesday},
	}); err != nil {
		t.Fatalf("seed baji: %v", err)
	}
	return env
}

// fund credits amount to userID through the ledger store operations.
func fund(t *testing.T, ms *store.MemoryStore, userID string, amount float64) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := ms.AppendLedgerEntry(ctx, &model.LedgerEntry{
		ID: "seed-" + userID, UserID: userID, Type: model.EntryDeposit, Amount: d(amount), RequestedAt: at,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if _, err := ms.VerifyLedgerEntry(ctx, model.Verification{
		UserID: userID, Type: model.EntryDeposit, RequestedAt: at, Amount: d(amount), VerifiedAt: at,
	}); err != nil {
		t.Fatalf("seed verify: %v", err)
	}
}

func (e *testEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) account(t *testing.T, userID string) *model.Account {
	t.Helper()
	acc, err := e.ms.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc
}

func (e *testEnv) place(t *testing.T, userID, betType, digit string, amount float64) *model.StandardBet {
	t.Helper()
	bet, err := e.svc.PlaceBet(context.Background(), betting.PlaceBetRequest{
		GameID: "g1", BajiID: "b1", BetType: betType, Digit: digit, Amount: d(amount), UserID: userID,
	})
	if err != nil {
		t.Fatalf("place bet: %v", err)
	}
	return bet
}

func (e *testEnv) publish(t *testing.T, betType, digit string) *betting.SettlementSummary {
	t.Helper()
	summary, err := e.svc.PublishWinningDigit(context.Background(), betting.PublishRequest{
		GameID: "g1", BajiID: "b1", BetType: betType, Digit: digit,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return summary
}

func (e *testEnv) bet(t *testing.T, id string) *model.StandardBet {
	t.Helper()
	b, err := e.ms.GetBet(context.Background(), id)
	if err != nil {
		t.Fatalf("get bet: %v", err)
	}
	return b
}

// --- Placement ---

func TestPlaceBet_SingleStakeBounds(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 50000)

	cases := []struct {
		amount float64
		code   int
	}{
		{4, http.StatusBadRequest},
		{4.995, http.StatusBadRequest},
		{5.001, http.StatusBadRequest},
		{5, http.StatusCreated},
		{10000, http.StatusCreated},
		{10001, http.StatusBadRequest},
	}
	for _, c := range cases {
		w := env.post(t, "/api/v1/bets", betting.PlaceBetRequest{
			GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7", Amount: d(c.amount), UserID: "user1",
		})
		if w.Code != c.code {
			t.Errorf("amount %v: expected %d, got %d: %s", c.amount, c.code, w.Code, w.Body.String())
		}
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(50000 - 5 - 10000)) {
		t.Errorf("expected only accepted stakes debited, balance %s", got)
	}
}

func TestPlaceBet_Validation(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 1000)

	cases := []struct {
		name string
		req  betting.PlaceBetRequest
		code int
	}{
		{"jodi over cap", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Jodi", Digit: "12", Amount: d(51), UserID: "user1"}, http.StatusBadRequest},
		{"digit length", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Patti", Digit: "12", Amount: d(10), UserID: "user1"}, http.StatusBadRequest},
		{"non numeric", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "x", Amount: d(10), UserID: "user1"}, http.StatusBadRequest},
		{"unknown type", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Quad", Digit: "1234", Amount: d(10), UserID: "user1"}, http.StatusBadRequest},
		{"missing user", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "1", Amount: d(10)}, http.StatusBadRequest},
		{"unknown baji", betting.PlaceBetRequest{GameID: "g1", BajiID: "nope", BetType: "Single", Digit: "1", Amount: d(10), UserID: "user1"}, http.StatusNotFound},
		{"unknown user", betting.PlaceBetRequest{GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "1", Amount: d(10), UserID: "ghost"}, http.StatusNotFound},
	}
	for _, c := range cases {
		w := env.post(t, "/api/v1/bets", c.req)
		if w.Code != c.code {
			t.Errorf("%s: expected %d, got %d: %s", c.name, c.code, w.Code, w.Body.String())
		}
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(1000)) {
		t.Errorf("rejected bets must not debit, balance %s", got)
	}
}

func TestPlaceBet_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 20)

	_, err := env.svc.PlaceBet(context.Background(), betting.PlaceBetRequest{
		GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7", Amount: d(25), UserID: "user1",
	})
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(20)) {
		t.Errorf("balance must be unchanged, got %s", got)
	}
}

func TestPlaceBet_DebitsOnceAndAssignsToday(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)

	bet := env.place(t, "user1", "Single", "7", 10)
	if bet.Status != model.BetPending {
		t.Errorf("expected pending, got %s", bet.Status)
	}
	if bet.DrawDate != "2025-08-11" {
		t.Errorf("expected draw date 2025-08-11, got %s", bet.DrawDate)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(90)) {
		t.Errorf("expected balance 90, got %s", got)
	}
}

func TestPlaceBet_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	placed := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.PlaceBet(context.Background(), betting.PlaceBetRequest{
				GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "3", Amount: d(5), UserID: "user1",
			})
			if err == nil {
				mu.Lock()
				placed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if placed != 20 {
		t.Errorf("expected exactly 20 bets to fit a balance of 100, got %d", placed)
	}
	if got := env.account(t, "user1").Balance; !got.IsZero() {
		t.Errorf("expected balance 0, got %s", got)
	}
}

// --- Settlement ---

func TestPublish_SingleWin(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	bet := env.place(t, "user1", "Single", "7", 10)

	w := env.post(t, "/api/v1/results", betting.PublishRequest{GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp betting.PublishResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Summary.Won != 1 || !resp.Summary.TotalPayout.Equal(d(90)) {
		t.Errorf("unexpected summary: %+v", resp.Summary)
	}

	settled := env.bet(t, bet.ID)
	if settled.Status != model.BetWin || !settled.WinningPrice.Equal(d(90)) || settled.CreditedAt == nil {
		t.Errorf("unexpected bet after settlement: %+v", settled)
	}
	acc := env.account(t, "user1")
	if !acc.Balance.Equal(d(180)) || !acc.Earned.Equal(d(90)) {
		t.Errorf("expected balance 180 and earned 90, got %s and %s", acc.Balance, acc.Earned)
	}
}

func TestPublish_SingleLoss(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	bet := env.place(t, "user1", "Single", "7", 10)

	summary := env.publish(t, "Single", "3")
	if summary.Lost != 1 || summary.Won != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if b := env.bet(t, bet.ID); b.Status != model.BetLoss || !b.WinningPrice.IsZero() {
		t.Errorf("unexpected bet: %+v", b)
	}
	acc := env.account(t, "user1")
	if !acc.Balance.Equal(d(90)) || !acc.Earned.IsZero() {
		t.Errorf("loss must not credit, balance %s earned %s", acc.Balance, acc.Earned)
	}
}

func TestPublish_JodiAndPattiMultipliers(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	env.place(t, "user1", "Jodi", "07", 10)
	env.place(t, "user1", "Patti", "123", 10)

	if s := env.publish(t, "Jodi", "07"); !s.TotalPayout.Equal(d(800)) {
		t.Errorf("expected Jodi payout 800, got %s", s.TotalPayout)
	}
	if s := env.publish(t, "Patti", "123"); !s.TotalPayout.Equal(d(1000)) {
		t.Errorf("expected Patti payout 1000, got %s", s.TotalPayout)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(80 + 800 + 1000)) {
		t.Errorf("expected balance 1880, got %s", got)
	}
}

func TestPublish_OncePerDay(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	env.place(t, "user1", "Single", "7", 10)
	env.publish(t, "Single", "7")

	w := env.post(t, "/api/v1/results", betting.PublishRequest{GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(180)) {
		t.Errorf("second publish must not credit again, balance %s", got)
	}

	// Other bet types of the same baji are independent.
	env.publish(t, "Jodi", "11")
}

func TestPublish_InactiveDay(t *testing.T) {
	env := newTestEnv(t)
	env.now = monday.AddDate(0, 0, 2) // Wednesday

	_, err := env.svc.PublishWinningDigit(context.Background(), betting.PublishRequest{
		GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7",
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPublish_UnknownBaji(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(t, "/api/v1/results", betting.PublishRequest{GameID: "g1", BajiID: "zz", BetType: "Single", Digit: "7"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPublish_SettlesLeftoverDraws(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)

	// Monday's draw never gets a result.
	stale := env.place(t, "user1", "Single", "7", 10)

	env.now = tuesday
	fresh := env.place(t, "user1", "Single", "7", 10)
	summary := env.publish(t, "Single", "7")

	if summary.Settled != 2 || summary.Won != 2 {
		t.Errorf("expected both bets settled by Tuesday's result, got %+v", summary)
	}
	for _, id := range []string{stale.ID, fresh.ID} {
		if b := env.bet(t, id); b.Status != model.BetWin || b.CreditedAt == nil {
			t.Errorf("bet %s: expected credited win, got %+v", id, b)
		}
	}
}

func TestPlaceBet_AfterPublishGoesToNextDraw(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	env.publish(t, "Single", "7")

	late := env.place(t, "user1", "Single", "7", 10)
	if late.DrawDate != "2025-08-12" {
		t.Fatalf("expected Tuesday's draw, got %s", late.DrawDate)
	}

	env.now = tuesday
	summary := env.publish(t, "Single", "4")
	if summary.Settled != 1 || summary.Lost != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestPublish_Chunked(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetChunkSize(2)
	fund(t, env.ms, "user1", 1000)
	for i := 0; i < 5; i++ {
		env.place(t, "user1", "Single", "7", 10)
	}

	summary := env.publish(t, "Single", "7")
	if summary.Settled != 5 || summary.Won != 5 {
		t.Errorf("expected all 5 bets settled across chunks, got %+v", summary)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(950 + 450)) {
		t.Errorf("expected balance 1400, got %s", got)
	}
}

// hookStore runs callbacks around selected store calls to force the
// interleavings a live server can produce.
type hookStore struct {
	*store.MemoryStore
	beforeInsert func()
	afterRecord  func()
	inserts      int
}

func (h *hookStore) InsertBet(ctx context.Context, bet *model.StandardBet) error {
	h.inserts++
	if h.beforeInsert != nil && h.inserts == 1 {
		h.beforeInsert()
	}
	return h.MemoryStore.InsertBet(ctx, bet)
}

func (h *hookStore) RecordWinningDigit(ctx context.Context, gameID, bajiID, betType string, wd model.WinningDigit) error {
	if err := h.MemoryStore.RecordWinningDigit(ctx, gameID, bajiID, betType, wd); err != nil {
		return err
	}
	if h.afterRecord != nil {
		h.afterRecord()
	}
	return nil
}

func (h *hookStore) ApplyBetSettlements(ctx context.Context, s []model.BetSettlement, at time.Time) ([]model.BetSettlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.MemoryStore.ApplyBetSettlements(ctx, s, at)
}

func newHookEnv(t *testing.T) (*testEnv, *hookStore) {
	t.Helper()
	env := newTestEnv(t)
	hs := &hookStore{MemoryStore: env.ms}
	env.svc = betting.NewService(hs, nil, zap.NewNop(), rules.IST)
	env.svc.SetClock(func() time.Time { return env.now })
	return env, hs
}

func TestPlaceBet_ResultPublishedDuringPlacement(t *testing.T) {
	env, hs := newHookEnv(t)
	fund(t, env.ms, "user1", 100)

	hs.beforeInsert = func() {
		summary, err := env.svc.PublishWinningDigit(context.Background(), betting.PublishRequest{
			GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7",
		})
		if err != nil || summary.Settled != 0 {
			t.Errorf("publish during placement: %+v (%v)", summary, err)
		}
	}
	bet := env.place(t, "user1", "Single", "7", 10)

	if bet.DrawDate != "2025-08-12" {
		t.Fatalf("expected the bet to move to Tuesday's draw, got %s", bet.DrawDate)
	}
	if hs.inserts != 2 {
		t.Errorf("expected one retried insert, got %d inserts", hs.inserts)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(90)) {
		t.Errorf("expected a single debit, balance %s", got)
	}

	env.now = tuesday
	summary := env.publish(t, "Single", "7")
	if summary.Won != 1 {
		t.Errorf("expected the moved bet to settle on Tuesday, got %+v", summary)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(180)) {
		t.Errorf("expected balance 180, got %s", got)
	}
}

func TestPublish_SettlesAfterCallerCancels(t *testing.T) {
	env, hs := newHookEnv(t)
	env.svc.SetChunkSize(2)
	fund(t, env.ms, "user1", 100)
	for i := 0; i < 5; i++ {
		env.place(t, "user1", "Single", "7", 10)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hs.afterRecord = cancel

	summary, err := env.svc.PublishWinningDigit(ctx, betting.PublishRequest{
		GameID: "g1", BajiID: "b1", BetType: "Single", Digit: "7",
	})
	if err != nil {
		t.Fatalf("expected settlement to finish after cancel, got %v", err)
	}
	if summary.Settled != 5 || summary.Won != 5 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(50 + 450)) {
		t.Errorf("expected balance 500, got %s", got)
	}
}

// --- Reconciliation ---

func TestReconcile_SettlesPendingBetsOfPublishedDraw(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	win := env.place(t, "user1", "Single", "7", 10)
	loss := env.place(t, "user1", "Single", "2", 10)

	// The result was recorded but the settlement run died before any chunk.
	if err := env.ms.RecordWinningDigit(context.Background(), "g1", "b1", "Single", model.WinningDigit{
		Digit: "7", ResultDate: monday.UTC(), ResultDay: "2025-08-11",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := env.svc.Reconcile(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 repaired bets, got %d (%v)", n, err)
	}
	if b := env.bet(t, win.ID); b.Status != model.BetWin || b.CreditedAt == nil {
		t.Errorf("expected credited win, got %+v", b)
	}
	if b := env.bet(t, loss.ID); b.Status != model.BetLoss {
		t.Errorf("expected loss, got %s", b.Status)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(80 + 90)) {
		t.Errorf("expected balance 170, got %s", got)
	}

	if n, _ := env.svc.Reconcile(context.Background()); n != 0 {
		t.Errorf("second pass must repair nothing, got %d", n)
	}
}

func TestReconcile_CreditsWinsLeftByCrash(t *testing.T) {
	env := newTestEnv(t)
	fund(t, env.ms, "user1", 100)
	bet := env.place(t, "user1", "Single", "7", 10)

	// Phase one committed, phase two never ran.
	if _, err := env.ms.ApplyBetSettlements(context.Background(), []model.BetSettlement{
		{BetID: bet.ID, UserID: "user1", Status: model.BetWin, WinningPrice: d(90)},
	}, monday); err != nil {
		t.Fatalf("apply: %v", err)
	}

	n, err := env.svc.Reconcile(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 credit, got %d (%v)", n, err)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(180)) {
		t.Errorf("expected balance 180, got %s", got)
	}

	n, _ = env.svc.Reconcile(context.Background())
	if n != 0 {
		t.Errorf("second pass must credit nothing, got %d", n)
	}
	if got := env.account(t, "user1").Balance; !got.Equal(d(180)) {
		t.Errorf("expected balance to stay 180, got %s", got)
	}
}

func TestUpsertBaji_RejectsBadWeekday(t *testing.T) {
	env := newTestEnv(t)
	w := env.post(t, "/api/v1/games/g1/bajis", map[string]any{"id": "b2", "active_days": []int{1, 9}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUpsertBaji_KeepsResults(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "Single", "7")

	w := env.post(t, "/api/v1/games/g1/bajis", map[string]any{"id": "b1", "name": "Renamed", "active_days": []int{1}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var b model.Baji
	json.Unmarshal(w.Body.Bytes(), &b)
	if b.Name != "Renamed" || len(b.WinningDigits["Single"]) != 1 {
		t.Errorf("unexpected baji: %+v", b)
	}
}
