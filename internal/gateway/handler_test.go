package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skygateio/skygate/internal/aviationstack"
	"github.com/skygateio/skygate/internal/breaker"
	"github.com/skygateio/skygate/internal/cache"
	"github.com/skygateio/skygate/internal/coalesce"
	"github.com/skygateio/skygate/internal/quota"
	"github.com/skygateio/skygate/internal/store"
)

type fakeCacheStore struct {
	entries map[string][]byte
}

func (f *fakeCacheStore) CacheGet(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	v, ok := f.entries[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	return v, time.Now().Add(time.Minute), true, nil
}

func (f *fakeCacheStore) CachePut(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	f.entries[key] = payload
	return nil
}

type fakeQuotaStore struct {
	month string
	count int
}

func (f *fakeQuotaStore) QuotaLoad(ctx context.Context) (string, int, bool, error) {
	return f.month, f.count, f.month != "", nil
}

func (f *fakeQuotaStore) QuotaReserve(ctx context.Context, currentMonth string, maxCalls int) (bool, int, error) {
	if f.month != currentMonth {
		f.month = currentMonth
		f.count = 0
	}
	if f.count >= maxCalls {
		return false, f.count, nil
	}
	f.count++
	return true, f.count, nil
}

type fakeHistoryStore struct {
	records  []store.HistoryRecord
	queryErr error
}

func (fakeHistoryStore) HistoryUpsert(ctx context.Context, flightIATA, flightDate string, doc []byte) error {
	return nil
}

func (f *fakeHistoryStore) HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]store.HistoryRecord, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.records, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()
	return newTestHandlerWithHistory(t, upstreamURL, &fakeHistoryStore{})
}

func newTestHandlerWithHistory(t *testing.T, upstreamURL string, hist *fakeHistoryStore) *Handler {
	t.Helper()
	ledger := quota.New(&fakeQuotaStore{}, 10000, silentLogger())
	respCache := cache.New(&fakeCacheStore{entries: make(map[string][]byte)}, 300*time.Second)
	cb := breaker.New(breaker.DefaultConfig())
	coalescer := coalesce.New()
	client := aviationstack.NewClient(upstreamURL, "secret")
	caller := aviationstack.NewCaller(client, respCache, cb, coalescer, ledger, hist, silentLogger())
	return New(caller, ledger, cb, respCache, coalescer, hist, silentLogger())
}

func TestHandleAirportsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"iata":"CDG"}]}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/airports?iata_code=cdg", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"data":[{"iata":"CDG"}]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleAirportsRejectsMalformedIATACode(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/airports?iata_code=toolong", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFlightsRejectsMalformedDate(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/flights?flight_date=07-30-2026", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleFlightsClampsLimit(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/flights?limit=500", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotLimit != "100" {
		t.Errorf("upstream limit = %q, want clamped to 100", gotLimit)
	}
}

func TestHandleFlightsUppercasesIATACodes(t *testing.T) {
	var gotDep string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDep = r.URL.Query().Get("dep_iata")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/flights?dep_iata=lhr", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if gotDep != "LHR" {
		t.Errorf("dep_iata forwarded as %q, want LHR", gotDep)
	}
}

func TestHandleFlightsEnrichesIATAOnlyLookupWithHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"flight":{"iata":"AF447"}}]}`))
	}))
	defer srv.Close()

	hist := &fakeHistoryStore{records: []store.HistoryRecord{
		{FlightIATA: "AF447", FlightDate: "2026-07-01", Doc: []byte(`{"flight_date":"2026-07-01"}`)},
		{FlightIATA: "AF447", FlightDate: "2026-07-15", Doc: []byte(`{"flight_date":"2026-07-15"}`)},
	}}
	h := newTestHandlerWithHistory(t, srv.URL, hist)
	req := httptest.NewRequest(http.MethodGet, "/flights?flight_iata=AF447", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	var history []json.RawMessage
	if err := json.Unmarshal(body["history"], &history); err != nil {
		t.Fatalf("response missing a parseable history array: %s", rec.Body.String())
	}
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
}

func TestHandleFlightsWithDateDoesNotEnrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	hist := &fakeHistoryStore{records: []store.HistoryRecord{{FlightIATA: "AF447", FlightDate: "2026-07-01"}}}
	h := newTestHandlerWithHistory(t, srv.URL, hist)
	req := httptest.NewRequest(http.MethodGet, "/flights?flight_iata=AF447&flight_date=2026-07-30", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"data":[]}` {
		t.Errorf("a dated lookup must not be enriched, got %q", rec.Body.String())
	}
}

func TestHandleFlightsFallsBackToPassthroughOnHistoryQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	hist := &fakeHistoryStore{queryErr: context.DeadlineExceeded}
	h := newTestHandlerWithHistory(t, srv.URL, hist)
	req := httptest.NewRequest(http.MethodGet, "/flights?flight_iata=AF447", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when history enrichment fails", rec.Code)
	}
	if rec.Body.String() != `{"data":[]}` {
		t.Errorf("body = %q, want plain passthrough on history query failure", rec.Body.String())
	}
}

func TestHandleUpstreamClientErrorPassesThroughStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid_params"}`))
	}))
	defer srv.Close()

	h := newTestHandler(t, srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/airports?iata_code=CDG", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if rec.Body.String() != `{"error":"invalid_params"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleQuotaExceededReturns429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	ledger := quota.New(&fakeQuotaStore{month: time.Now().UTC().Format("2006-01"), count: 10000}, 10000, silentLogger())
	respCache := cache.New(&fakeCacheStore{entries: make(map[string][]byte)}, 300*time.Second)
	cb := breaker.New(breaker.DefaultConfig())
	coalescer := coalesce.New()
	client := aviationstack.NewClient(srv.URL, "secret")
	hist := &fakeHistoryStore{}
	caller := aviationstack.NewCaller(client, respCache, cb, coalescer, ledger, hist, silentLogger())
	h := New(caller, ledger, cb, respCache, coalescer, hist, silentLogger())

	req := httptest.NewRequest(http.MethodGet, "/airports?iata_code=CDG", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.CircuitBreaker != "closed" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleStatsReportsCacheAndCoalescing(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.CircuitBreaker.State != "closed" {
		t.Errorf("circuit_breaker.state = %q, want closed", resp.CircuitBreaker.State)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"cache", "coalescing"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("stats response missing %q block: %s", k, rec.Body.String())
		}
	}
}

func TestHandleUsageReportsResetsAt(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp usageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ResetsAt == "" {
		t.Error("resets_at must not be empty")
	}
}
