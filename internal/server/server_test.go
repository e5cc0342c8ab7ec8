package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/infrastructure/health"
	"signal_router/internal/ledger"
	"signal_router/internal/lifecycle"
	"signal_router/internal/mock"
	"signal_router/internal/positions"
	"signal_router/internal/queue"
	"signal_router/internal/reconcile"
	"signal_router/internal/venue"
	"signal_router/pkg/concurrency"
	"signal_router/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const token = "s3cret"

type failingQueue struct {
	*queue.MemoryQueue
}

func (q *failingQueue) Enqueue(ctx context.Context, e queue.Event) (string, error) {
	return "", errors.New("disk full")
}

type harness struct {
	t        *testing.T
	venues   map[int]*mock.Venue
	ledger   *ledger.MemoryLedger
	store    *positions.MemoryStore
	queue    queue.Queue
	notifier *mock.Notifier
	health   *health.Manager
	handler  http.Handler
}

func newHarness(t *testing.T, q queue.Queue) *harness {
	t.Helper()
	logger := logging.NewNopLogger()
	h := &harness{
		t:        t,
		venues:   map[int]*mock.Venue{1: mock.NewVenue(), 2: mock.NewVenue()},
		store:    positions.NewMemoryStore(),
		notifier: &mock.Notifier{},
		health:   health.NewManager(logger),
	}
	h.ledger = ledger.NewMemoryLedger(core.RiskConfig{FixedRiskUSD: decimal.NewFromInt(30), BufferPercentage: decimal.RequireFromString("0.25")}, logger)
	if q == nil {
		q = queue.NewMemoryQueue(queue.Options{}, logger)
	}
	h.queue = q

	accounts := venue.NewAccounts()
	require.NoError(t, accounts.Add(1, h.venues[1], 1001))
	require.NoError(t, accounts.Add(2, h.venues[2], 1002))

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 2}, logger)
	t.Cleanup(pool.Stop)
	rec := reconcile.NewReconciler(accounts, h.store, h.notifier, pool, logger, 0)
	lc := lifecycle.NewController(accounts, h.ledger, h.store, &mock.Journal{}, h.notifier, nil, logger)

	srv := NewServer(":0", Deps{
		Queue:      q,
		Accounts:   accounts,
		Ledger:     h.ledger,
		Store:      h.store,
		Reconciler: rec,
		Manual:     lc,
		Notifier:   h.notifier,
		Health:     h.health,
		AdminToken: token,
	}, logger)
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestWebhook_AcceptsAndEnqueues(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/webhook",
		`{"tradeId":"T1","action":"NEW_PATTERN","ticker":"SOLUSDT.P","direction":"long","entryPrice":"100","takeProfit":"110"}`, false)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["jobId"])

	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhook_RejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing tradeId", `{"action":"NEW_PATTERN","ticker":"SOLUSDT"}`},
		{"missing action", `{"tradeId":"T1","ticker":"SOLUSDT"}`},
		{"missing ticker", `{"tradeId":"T1","action":"INVALIDATE_PATTERN"}`},
		{"unknown action", `{"tradeId":"T1","action":"FOO","ticker":"SOLUSDT"}`},
		{"bad price", `{"tradeId":"T1","action":"NEW_PATTERN","ticker":"SOLUSDT","direction":"long","entryPrice":"abc","takeProfit":"1"}`},
		{"not json", `tradeId=T1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/webhook", tt.body, false)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			n, _ := h.queue.Len(context.Background())
			assert.Equal(t, 0, n)
		})
	}
}

func TestWebhook_EnqueueFailureNotifies(t *testing.T) {
	h := newHarness(t, &failingQueue{MemoryQueue: queue.NewMemoryQueue(queue.Options{}, logging.NewNopLogger())})

	rec := h.do(http.MethodPost, "/webhook", `{"tradeId":"T1","action":"INVALIDATE_PATTERN","ticker":"SOLUSDT"}`, false)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, h.notifier.Count("signal not queued"))
	assert.True(t, h.notifier.HasSeverity(core.SeverityError))
}

func TestAdmin_RequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/api/trades", "/api/slots", "/api/risk", "/api/balances", "/api/sync"} {
		rec := h.do(http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/trades", "", true).Code)
}

func TestAdmin_ManualRegistrationFlow(t *testing.T) {
	h := newHarness(t, nil)
	manual := `{"kind":"pending","signal_id":"M1","account_id":2,"instrument":"SOLUSDT.P","direction":"long","entry_price":"100"}`

	rec := h.do(http.MethodPost, "/api/trades/manual", manual, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", decode(t, rec)["status"])

	rec = h.do(http.MethodPost, "/api/trades/manual",
		`{"kind":"active","signal_id":"M2","account_id":2,"instrument":"SOLUSDT","direction":"long","entry_price":"100","quantity":"1"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/api/trades/manual",
		`{"kind":"active","signal_id":"M3","account_id":9,"instrument":"SOLUSDT","direction":"long","entry_price":"100","quantity":"1"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/trades", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = h.do(http.MethodGet, "/api/slots", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var slots []accountSlots
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slots))
	require.Len(t, slots, 2)
	assert.Empty(t, slots[0].Slots)
	assert.Equal(t, []string{"SOLUSDT_1"}, slots[1].Slots)
	assert.True(t, slots[1].PendingRisk.Equal(decimal.NewFromInt(30)))
}

func TestAdmin_RiskConfig(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPut, "/api/risk", `{"fixed_risk_usd":"50","buffer_percentage":"0.1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg, err := h.ledger.RiskConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.FixedRiskUSD.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 1, h.notifier.Count("Risk settings updated"))

	rec = h.do(http.MethodPut, "/api/risk", `{"fixed_risk_usd":"50","buffer_percentage":"1.5"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/risk", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "50", body["config"].(map[string]interface{})["fixed_risk_usd"])
}

func TestAdmin_Balances(t *testing.T) {
	h := newHarness(t, nil)
	h.venues[1].SetEquity(decimal.NewFromInt(500), nil)
	h.venues[2].SetEquity(decimal.Zero, errors.New("timeout"))

	rec := h.do(http.MethodGet, "/api/balances", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	accounts := body["accounts"].([]interface{})
	require.Len(t, accounts, 2)
	first := accounts[0].(map[string]interface{})
	second := accounts[1].(map[string]interface{})
	assert.EqualValues(t, 1, first["account_id"])
	assert.Equal(t, "500", first["equity"])
	assert.EqualValues(t, 2, second["account_id"])
	assert.Equal(t, "timeout", second["error"])
	assert.Equal(t, "500", body["total_equity"])
}

func TestAdmin_Transfer(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/transfer", `{"from":1,"to":2,"amount":"25.5"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode(t, rec)["transferId"])

	require.Len(t, h.venues[1].Transfers, 1)
	tr := h.venues[1].Transfers[0]
	assert.Equal(t, int64(1001), tr.FromMemberID)
	assert.Equal(t, int64(1002), tr.ToMemberID)
	assert.Equal(t, "USDT", tr.Coin)
	assert.True(t, tr.Amount.Equal(decimal.RequireFromString("25.5")))

	for _, body := range []string{
		`{"from":1,"to":1,"amount":"1"}`,
		`{"from":1,"to":2,"amount":"0"}`,
		`{"from":1,"to":7,"amount":"1"}`,
	} {
		assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/transfer", body, true).Code, body)
	}
}

func TestAdmin_ResetRequiresConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.do(http.MethodPost, "/api/trades/manual",
		`{"kind":"pending","signal_id":"M1","account_id":1,"instrument":"SOLUSDT","direction":"short","entry_price":"100"}`, true)
	require.NoError(t, h.ledger.SetRiskConfig(ctx, core.RiskConfig{FixedRiskUSD: decimal.NewFromInt(99), BufferPercentage: decimal.Zero}))

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/reset", `{}`, true).Code)

	rec := h.do(http.MethodPost, "/api/reset", `{"confirm":true}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	ids, err := h.store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	pending, err := h.ledger.PendingRisk(ctx, 1)
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
	cfg, err := h.ledger.RiskConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.FixedRiskUSD.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, 1, h.notifier.Count("Full state reset"))
}

func TestAdmin_SyncReturnsReport(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodPost, "/api/trades/manual",
		`{"kind":"active","signal_id":"M1","account_id":1,"instrument":"SOLUSDT","direction":"long","entry_price":"100","quantity":"1"}`, true)

	rec := h.do(http.MethodGet, "/api/sync", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report core.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.ActiveManaged)
	require.Len(t, report.Ghost, 1)
	assert.Equal(t, "M1", report.Ghost[0].SignalID)
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h.health.Register("worker", func() error { return errors.New("stopped") })
	rec = h.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])

	rec = h.do(http.MethodGet, "/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Unhealthy: stopped", body["components"].(map[string]interface{})["worker"])
	assert.Equal(t, "never_run", body["reconcile"].(map[string]interface{})["status"])
}

func TestGRPCHealth_ReportsServingState(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := NewGRPCHealth(lis.Addr().String(), logging.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	check := func(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(""))
	g.SetServing(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(WorkerService))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("grpc server did not stop")
	}
}
