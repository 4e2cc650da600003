package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/factions/bank-engine/internal/api"
	"github.com/factions/bank-engine/internal/ledger"
	"github.com/factions/bank-engine/internal/race"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

const testKey = "test-key"

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestServer wires the full façade over an in-memory store.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	l := ledger.NewService(st, ledger.WithClock(func() time.Time { return clock }))
	reg := settings.NewRegistry(st)
	engine := race.NewEngine(st, l, nil)
	srv := api.NewServer(st, l, reg, engine, nil, api.Options{
		APIKey:         testKey,
		RequestTimeout: 5 * time.Second,
		CompoundPeriod: 24 * time.Hour,
	})
	return srv.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("X-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decodeBody[map[string]string](t, rec)
	if body["code"] != code {
		t.Errorf("code = %q, want %q (error %q)", body["code"], code, body["error"])
	}
	if body["error"] == "" {
		t.Error("error message is empty")
	}
}

func TestMutationsRequireAPIKey(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/races/new", `{"starts_at":"2026-03-01T18:00:00Z"}`, false)
	expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

	req := httptest.NewRequest(http.MethodPost, "/api/races/end", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

	// The query parameter is accepted too.
	rec = do(t, h, http.MethodPost, "/api/races/new?key="+testKey, `{"starts_at":"2026-03-01T18:00:00Z"}`, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Reads are public.
	if rec := do(t, h, http.MethodGet, "/api/races", "", false); rec.Code != http.StatusOK {
		t.Errorf("GET /api/races = %d", rec.Code)
	}
}

func TestSettingsDefaults(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/settings", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Bank          map[string]float64 `json:"bank"`
		HorseRace     map[string]any     `json:"horse_race"`
		TotalBankDebt float64            `json:"total_bank_debt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}

	wantBank := map[string]float64{
		"payout_fee_pct":        0.07,
		"interest_rate_normal":  0.05,
		"interest_rate_premium": 0.06,
		"premium_min_balance":   1e9,
	}
	for k, want := range wantBank {
		if got.Bank[k] != want {
			t.Errorf("bank.%s = %v, want %v", k, got.Bank[k], want)
		}
	}
	if got.HorseRace["winner1_pct"] != float64(50) || got.HorseRace["entry_fee"] != float64(100) ||
		got.HorseRace["imperial_cut"] != float64(10) || got.HorseRace["rules"] != "No rules set" {
		t.Errorf("horse_race = %v", got.HorseRace)
	}
	if got.TotalBankDebt != 0 {
		t.Errorf("total_bank_debt = %v, want 0", got.TotalBankDebt)
	}
}

func TestRecordTransactionAndListings(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/transactions", `{"player_name":"Steve","txn_type":"deposit","amount":1000,"note":"vault"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Payouts pick up the configured 7% fee.
	rec = do(t, h, http.MethodPost, "/api/transactions", `{"player_name":"Steve","txn_type":"payout","amount":100}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("payout status = %d, body %s", rec.Code, rec.Body.String())
	}
	payout := decodeBody[map[string]any](t, rec)
	if payout["effective_delta"] != -107.0 || payout["balance_after"] != 893.0 || payout["before_balance"] != 1000.0 {
		t.Errorf("payout = %v", payout)
	}

	// An explicit fee overrides the configured one.
	rec = do(t, h, http.MethodPost, "/api/transactions", `{"player_name":"Steve","txn_type":"payout","amount":100,"fee_pct":0}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("fee-free payout status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec)["balance_after"]; got != 793.0 {
		t.Errorf("balance_after = %v, want 793", got)
	}

	rec = do(t, h, http.MethodGet, "/api/transactions?ign=ste&limit=2", "", false)
	txns := decodeBody[[]map[string]any](t, rec)
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}
	if txns[0]["txn_type"] != "payout" || txns[0]["before_balance"] != 893.0 {
		t.Errorf("newest = %v", txns[0])
	}

	rec = do(t, h, http.MethodGet, "/api/players", "", false)
	players := decodeBody[[]map[string]any](t, rec)
	if len(players) != 1 {
		t.Fatalf("got %d players, want 1", len(players))
	}
	if players[0]["ign"] != "Steve" || players[0]["balance"] != 793.0 ||
		players[0]["is_premium"] != false || players[0]["interest_rate"] != 0.05 {
		t.Errorf("player = %v", players[0])
	}

	rec = do(t, h, http.MethodGet, "/api/accounts/Steve/audit", "", true)
	audit := decodeBody[map[string]any](t, rec)
	if audit["consistent"] != true || audit["transactions"] != 3.0 {
		t.Errorf("audit = %v", audit)
	}
}

func TestRaceFlow(t *testing.T) {
	h := newTestServer(t)

	do(t, h, http.MethodPost, "/api/transactions", `{"player_name":"Alex","txn_type":"deposit","amount":500}`, true)

	rec := do(t, h, http.MethodPost, "/api/races/new", `{"starts_at":"2026-03-01T18:00:00"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[map[string]any](t, rec)
	if created["name"] != "Imperial Race 2026-03-01" {
		t.Errorf("default name = %v", created["name"])
	}

	rec = do(t, h, http.MethodPost, "/api/races/enroll", `{"player_name":"Alex"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll status = %d, body %s", rec.Code, rec.Body.String())
	}
	enrolled := decodeBody[map[string]any](t, rec)
	if enrolled["success"] != true || enrolled["prize_pool"] != 90.0 {
		t.Errorf("enroll = %v", enrolled)
	}

	rec = do(t, h, http.MethodPost, "/api/races/end", "", true)
	expectError(t, rec, http.StatusBadRequest, "WINNER1_REQUIRED")

	rec = do(t, h, http.MethodPost, "/api/races/winner1", `{"player_name":"Alex"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("winner status = %d, body %s", rec.Code, rec.Body.String())
	}
	if prize := decodeBody[map[string]any](t, rec)["prize"]; prize != 45.0 {
		t.Errorf("prize = %v, want 45", prize)
	}

	rec = do(t, h, http.MethodPost, "/api/races/winner2", `{"player_name":"Alex"}`, true)
	expectError(t, rec, http.StatusBadRequest, "ALREADY_WINNER")

	rec = do(t, h, http.MethodPost, "/api/races/end", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/races/info", "", false)
	info := decodeBody[map[string]any](t, rec)
	if info["winner1"] != "Alex" || info["winner2"] != nil || info["ends_at"] == nil {
		t.Errorf("info = %v", info)
	}
	dist, _ := info["prize_distribution"].(map[string]any)
	if dist["winner1"] != 45.0 || dist["winner2"] != 27.0 || dist["winner3"] != 18.0 {
		t.Errorf("prize_distribution = %v", dist)
	}
	jockeys, _ := info["jockeys"].([]any)
	if len(jockeys) != 1 || jockeys[0] != "Alex" {
		t.Errorf("jockeys = %v", info["jockeys"])
	}

	rec = do(t, h, http.MethodGet, "/api/races", "", false)
	races := decodeBody[[]map[string]any](t, rec)
	if len(races) != 1 || races[0]["status"] != "finished" || races[0]["scheduled_at"] == nil {
		t.Errorf("races = %v", races)
	}

	rec = do(t, h, http.MethodGet, "/api/players?q=alex", "", false)
	players := decodeBody[[]map[string]any](t, rec)
	if len(players) != 1 || players[0]["balance"] != 445.0 {
		t.Errorf("players = %v", players)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestServer(t)
	do(t, h, http.MethodPost, "/api/transactions", `{"player_name":"Poor","txn_type":"deposit","amount":5}`, true)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"no races", http.MethodGet, "/api/races/info", "", http.StatusNotFound, "RACE_NOT_FOUND"},
		{"unknown race", http.MethodGet, "/api/races/info?race_id=42", "", http.StatusNotFound, "RACE_NOT_FOUND"},
		{"bad race id", http.MethodGet, "/api/races/info?race_id=abc", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"bad limit", http.MethodGet, "/api/players?limit=many", "", http.StatusBadRequest, "INVALID_INPUT"},
		{"enroll without race", http.MethodPost, "/api/races/enroll", `{"player_name":"Poor"}`, http.StatusNotFound, "NO_ACTIVE_RACE"},
		{"end without race", http.MethodPost, "/api/races/end", "", http.StatusNotFound, "NO_ACTIVE_RACE"},
		{"missing starts_at", http.MethodPost, "/api/races/new", `{"name":"Derby"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed body", http.MethodPost, "/api/races/new", `{"name":`, http.StatusBadRequest, "INVALID_INPUT"},
		{"overdraft", http.MethodPost, "/api/transactions", `{"player_name":"Poor","txn_type":"payout","amount":100}`, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"unknown type", http.MethodPost, "/api/transactions", `{"player_name":"Poor","txn_type":"gift","amount":1}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"audit unknown player", http.MethodGet, "/api/accounts/Nobody/audit", "", http.StatusNotFound, "PLAYER_NOT_FOUND"},
		{"fee out of range", http.MethodPut, "/api/settings/bank", `{"payout_fee_pct":1.5}`, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body, true)
			expectError(t, rec, tt.status, tt.code)
		})
	}
}

func TestBankSettingsUpdateRecordsHistory(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/api/settings/bank", `{"interest_rate_normal":0.04,"premium_min_balance":5000}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[map[string]float64](t, rec)
	if updated["interest_rate_normal"] != 0.04 || updated["interest_rate_premium"] != 0.06 || updated["premium_min_balance"] != 5000 {
		t.Errorf("updated = %v", updated)
	}

	rec = do(t, h, http.MethodGet, "/api/interest/history", "", false)
	history := decodeBody[[]map[string]any](t, rec)
	if len(history) != 1 || history[0]["rate_normal_pct"] != 0.04 || history[0]["changed_at"] == nil {
		t.Errorf("history = %v", history)
	}

	rec = do(t, h, http.MethodPut, "/api/settings/horse_race", `{"entry_fee":250,"rules":"No whips"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("race settings status = %d, body %s", rec.Code, rec.Body.String())
	}
	races := decodeBody[map[string]any](t, rec)
	if races["entry_fee"] != 250.0 || races["rules"] != "No whips" || races["winner1_pct"] != 50.0 {
		t.Errorf("race settings = %v", races)
	}
}

func TestCompoundEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/interest/compound", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[map[string]any](t, rec)
	if result["accounts"] != 0.0 || result["credited"] != 0.0 {
		t.Errorf("result = %v", result)
	}
}

func TestHealthAndCORS(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/healthz", "", false)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodOptions, "/api/races/enroll", "", false)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key") {
		t.Errorf("allow headers = %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
}
