package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finova-engine/internal/config"
	"finova-engine/internal/domain"
	"finova-engine/internal/engine"
	"finova-engine/internal/middleware"
	"finova-engine/internal/rate"
	"finova-engine/internal/testutil"
)

// miningFixture wires a real engine service against mocks so handler
// tests exercise the full request path.
type miningFixture struct {
	handler  *MiningHandler
	service  *engine.Service
	accounts *testutil.MockAccountProvider
	stats    *testutil.MockNetworkStats
	humans   *testutil.MockHumanScore
	notifier *testutil.MockNotifier
	clock    *testutil.FakeClock
}

func setupMiningHandler(t *testing.T) *miningFixture {
	t.Helper()

	store := engine.NewStore()
	accounts := testutil.NewMockAccountProvider()
	stats := testutil.NewMockNetworkStats(50_000)
	humans := testutil.NewMockHumanScore()
	ledger := testutil.NewMockLedger()
	cache := testutil.NewMockSessionCache()
	history := testutil.NewMockSettlementRepository()
	notifier := testutil.NewMockNotifier()
	clock := testutil.NewFakeClock(time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC))
	rates := rate.DefaultConfig()
	cfg := &config.Config{
		AccrualInterval:       time.Minute,
		SweepInterval:         5 * time.Minute,
		SessionDuration:       24 * time.Hour,
		Workers:               4,
		CacheTimeout:          time.Second,
		CacheTTL:              24 * time.Hour,
		MaxTickFailures:       3,
		MaxSettlementAttempts: 3,
		SettlementBackoff:     time.Millisecond,
		SettleOnDisconnect:    true,
		HumanScoreThreshold:   0.5,
		RPShare:               0.1,
	}

	gate := engine.NewGate(humans, history, clock, rates, cfg.HumanScoreThreshold)
	boosts := engine.NewBoostManager(store, stats, cache, notifier, clock, rates, cfg.CacheTimeout)
	settler := engine.NewSettler(store, ledger, history, cache, notifier, clock, cfg)
	service := engine.NewService(store, gate, boosts, settler, accounts, stats, cache, notifier, clock, cfg, rates)

	return &miningFixture{
		handler:  NewMiningHandler(service),
		service:  service,
		accounts: accounts,
		stats:    stats,
		humans:   humans,
		notifier: notifier,
		clock:    clock,
	}
}

// authedRequest builds a request whose context carries the user the
// identity middleware would have resolved.
func authedRequest(t *testing.T, method, url, userID string, body interface{}) *http.Request {
	t.Helper()
	req := testutil.NewJSONRequest(t, method, url, body)
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func TestMiningHandler_Start_Success(t *testing.T) {
	f := setupMiningHandler(t)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Start(w, req)

	testutil.AssertStatusCode(t, w, http.StatusCreated)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)

	session, ok := resp["session"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected session object in response, got %v", resp)
	}
	testutil.AssertEqual(t, session["userId"].(string), "alice")
	testutil.AssertEqual(t, session["status"].(string), string(domain.StatusActive))
	if _, ok := resp["alreadyActive"]; ok {
		t.Error("fresh start should not report alreadyActive")
	}
}

func TestMiningHandler_Start_Unauthenticated(t *testing.T) {
	f := setupMiningHandler(t)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/v1/mining/start", nil)
	w := httptest.NewRecorder()

	f.handler.Start(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}

func TestMiningHandler_Start_Idempotent(t *testing.T) {
	f := setupMiningHandler(t)

	first := httptest.NewRecorder()
	f.handler.Start(first, authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))
	testutil.AssertStatusCode(t, first, http.StatusCreated)

	second := httptest.NewRecorder()
	f.handler.Start(second, authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	testutil.AssertStatusCode(t, second, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, second)
	testutil.AssertEqual(t, resp["alreadyActive"].(bool), true)

	firstResp := testutil.DecodeJSON[map[string]interface{}](t, first)
	firstID := firstResp["session"].(map[string]interface{})["id"]
	secondID := resp["session"].(map[string]interface{})["id"]
	testutil.AssertEqual(t, secondID.(string), firstID.(string))
}

func TestMiningHandler_Start_Ineligible(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *miningFixture)
		wantReason string
	}{
		{
			name: "kyc not verified",
			setup: func(f *miningFixture) {
				f.accounts.SetSnapshot("alice", domain.AccountSnapshot{KYCVerified: false})
			},
			wantReason: "kyc_required",
		},
		{
			name: "suspended account",
			setup: func(f *miningFixture) {
				f.accounts.SetSnapshot("alice", domain.AccountSnapshot{KYCVerified: true, Suspended: true})
			},
			wantReason: "suspended",
		},
		{
			name: "low human score",
			setup: func(f *miningFixture) {
				f.humans.SetScore("alice", 0.2)
			},
			wantReason: "low_human_score",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupMiningHandler(t)
			tt.setup(f)

			req := authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil)
			w := httptest.NewRecorder()

			f.handler.Start(w, req)

			testutil.AssertStatusCode(t, w, http.StatusForbidden)
			resp := testutil.DecodeJSON[map[string]interface{}](t, w)
			testutil.AssertEqual(t, resp["reason"].(string), tt.wantReason)
		})
	}
}

func TestMiningHandler_Start_NetworkStatsDown(t *testing.T) {
	f := setupMiningHandler(t)
	f.stats.TotalNetworkUsersFunc = func(ctx context.Context) (int64, error) {
		return 0, testutil.ErrMockUnavailable
	}

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Start(w, req)

	testutil.AssertStatusCode(t, w, http.StatusServiceUnavailable)
}

func TestMiningHandler_Status_Success(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	f.clock.Advance(2 * time.Hour)

	req := authedRequest(t, http.MethodGet, "/api/v1/mining/status", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Status(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	session := resp["session"].(map[string]interface{})

	// Two hours at the current rate projected into the balance.
	currentRate := session["currentRate"].(float64)
	testutil.AssertInDelta(t, session["accumulatedAmount"].(float64), 2*currentRate, 1e-9)
}

func TestMiningHandler_Status_NoSession(t *testing.T) {
	f := setupMiningHandler(t)

	req := authedRequest(t, http.MethodGet, "/api/v1/mining/status", "ghost", nil)
	w := httptest.NewRecorder()

	f.handler.Status(w, req)

	testutil.AssertStatusCode(t, w, http.StatusNotFound)
	testutil.AssertContains(t, w.Body.String(), "No mining session")
}

func TestMiningHandler_Stop_Success(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))
	f.clock.Advance(time.Hour)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/stop", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Stop(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	settlement := resp["settlement"].(map[string]interface{})
	testutil.AssertEqual(t, settlement["reason"].(string), engine.ReasonStop)
	if settlement["amount"].(float64) <= 0 {
		t.Errorf("expected a positive settled amount, got %v", settlement["amount"])
	}

	// The session is gone afterwards.
	status := httptest.NewRecorder()
	f.handler.Status(status, authedRequest(t, http.MethodGet, "/api/v1/mining/status", "alice", nil))
	testutil.AssertStatusCode(t, status, http.StatusNotFound)
}

func TestMiningHandler_Stop_NoSession(t *testing.T) {
	f := setupMiningHandler(t)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/stop", "ghost", nil)
	w := httptest.NewRecorder()

	f.handler.Stop(w, req)

	testutil.AssertStatusCode(t, w, http.StatusNotFound)
}

func TestMiningHandler_Claim_Success(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))
	f.clock.Advance(time.Hour)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/claim", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Claim(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	settlement := resp["settlement"].(map[string]interface{})
	testutil.AssertEqual(t, settlement["reason"].(string), engine.ReasonClaim)
}

func TestMiningHandler_Claim_SuspendedMidSession(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))
	f.clock.Advance(time.Hour)

	f.accounts.SetSnapshot("alice", domain.AccountSnapshot{KYCVerified: true, Suspended: true})

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/claim", "alice", nil)
	w := httptest.NewRecorder()

	f.handler.Claim(w, req)

	testutil.AssertStatusCode(t, w, http.StatusForbidden)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	testutil.AssertEqual(t, resp["reason"].(string), "suspended")

	// The balance is still there once the suspension lifts.
	f.accounts.SetSnapshot("alice", domain.AccountSnapshot{KYCVerified: true})
	retry := httptest.NewRecorder()
	f.handler.Claim(retry, authedRequest(t, http.MethodPost, "/api/v1/mining/claim", "alice", nil))
	testutil.AssertStatusCode(t, retry, http.StatusOK)
}

func TestMiningHandler_Boost_Success(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/boost", "alice",
		ApplyBoostRequest{CardType: "double_mining"})
	w := httptest.NewRecorder()

	f.handler.Boost(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	session := resp["session"].(map[string]interface{})
	boosts := session["boosts"].([]interface{})
	testutil.AssertEqual(t, len(boosts), 1)
}

func TestMiningHandler_Boost_CustomSpec(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/boost", "alice",
		ApplyBoostRequest{
			Category:        "event",
			Multiplier:      1.5,
			DurationSeconds: 3600,
			Stackable:       true,
			Source:          "launch_week",
		})
	w := httptest.NewRecorder()

	f.handler.Boost(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]interface{}](t, w)
	session := resp["session"].(map[string]interface{})
	boosts := session["boosts"].([]interface{})
	boost := boosts[0].(map[string]interface{})
	testutil.AssertEqual(t, boost["category"].(string), "event")
	testutil.AssertEqual(t, boost["source"].(string), "launch_week")
}

func TestMiningHandler_Boost_UnknownCard(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/boost", "alice",
		ApplyBoostRequest{CardType: "infinite_money"})
	w := httptest.NewRecorder()

	f.handler.Boost(w, req)

	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func TestMiningHandler_Boost_InvalidBody(t *testing.T) {
	f := setupMiningHandler(t)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/boost", "alice", nil)
	req.Body = http.NoBody
	w := httptest.NewRecorder()

	f.handler.Boost(w, req)

	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
	testutil.AssertContains(t, w.Body.String(), "Invalid request body")
}

func TestMiningHandler_Boost_NoSession(t *testing.T) {
	f := setupMiningHandler(t)

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/boost", "alice",
		ApplyBoostRequest{CardType: "double_mining"})
	w := httptest.NewRecorder()

	f.handler.Boost(w, req)

	testutil.AssertStatusCode(t, w, http.StatusNotFound)
}

func TestMiningHandler_Activity_Success(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/activity", "alice",
		ActivityRequest{Kind: "post", Points: 10, Quality: 1.5})
	w := httptest.NewRecorder()

	f.handler.Activity(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
}

func TestMiningHandler_Activity_MissingKind(t *testing.T) {
	f := setupMiningHandler(t)
	f.handler.Start(httptest.NewRecorder(), authedRequest(t, http.MethodPost, "/api/v1/mining/start", "alice", nil))

	req := authedRequest(t, http.MethodPost, "/api/v1/mining/activity", "alice",
		ActivityRequest{Points: 10})
	w := httptest.NewRecorder()

	f.handler.Activity(w, req)

	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}
