// Package gateway is the request router (spec component C7): the thin
// HTTP surface exposing the two proxy endpoints and the operational
// endpoints (/health, /stats, /usage; /metrics is mounted by
// internal/httpserver.NewServer directly).
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skygateio/skygate/internal/aviationstack"
	"github.com/skygateio/skygate/internal/breaker"
	"github.com/skygateio/skygate/internal/cache"
	"github.com/skygateio/skygate/internal/coalesce"
	"github.com/skygateio/skygate/internal/httpserver"
	"github.com/skygateio/skygate/internal/quota"
	"github.com/skygateio/skygate/internal/store"
)

// historyReader is the narrow read side of internal/store's Store that the
// router needs for the flight-history enrichment path (SPEC_FULL §12).
type historyReader interface {
	HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]store.HistoryRecord, error)
}

// Handler mounts the gateway's HTTP surface on a chi.Router.
type Handler struct {
	caller    *aviationstack.Caller
	ledger    *quota.Ledger
	breaker   *breaker.Breaker
	cache     *cache.Cache
	coalescer *coalesce.Coalescer
	history   historyReader
	logger    *slog.Logger
}

// New creates a Handler wired to the gateway's core components.
func New(caller *aviationstack.Caller, ledger *quota.Ledger, cb *breaker.Breaker, respCache *cache.Cache, coalescer *coalesce.Coalescer, history historyReader, logger *slog.Logger) *Handler {
	return &Handler{caller: caller, ledger: ledger, breaker: cb, cache: respCache, coalescer: coalescer, history: history, logger: logger}
}

// Routes returns a chi.Router with the full gateway surface mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/airports", h.handleAirports)
	r.Get("/flights", h.handleFlights)
	r.Get("/health", h.handleHealth)
	r.Get("/stats", h.handleStats)
	r.Get("/usage", h.handleUsage)
	return r
}

// airportsParams is the structural validation target for GET /airports.
type airportsParams struct {
	IATACode   string
	Search     string
	CountryISO string `validate:"omitempty,len=2"`
	Limit      int    `validate:"gte=1,lte=100"`
}

func (h *Handler) handleAirports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := airportsParams{
		IATACode:   strings.ToUpper(q.Get("iata_code")),
		Search:     q.Get("search"),
		CountryISO: strings.ToUpper(q.Get("country_iso2")),
		Limit:      parseLimit(q.Get("limit")),
	}
	if p.IATACode != "" && len(p.IATACode) != 3 {
		httpserver.RespondValidationError(w, []httpserver.ValidationError{{Field: "iata_code", Message: "must be exactly 3 characters"}})
		return
	}
	if errs := httpserver.Validate(p); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}

	h.proxy(w, r, "airports", map[string]string{
		"iata_code":    p.IATACode,
		"search":       p.Search,
		"country_iso2": p.CountryISO,
		"limit":        strconv.Itoa(p.Limit),
	})
}

// flightsParams is the structural validation target for GET /flights.
type flightsParams struct {
	FlightIATA  string
	DepIATA     string
	ArrIATA     string
	AirlineIATA string
	FlightStat  string
	FlightDate  string `validate:"omitempty,datetime=2006-01-02"`
	Limit       int    `validate:"gte=1,lte=100"`
}

func (h *Handler) handleFlights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := flightsParams{
		FlightIATA:  strings.ToUpper(q.Get("flight_iata")),
		DepIATA:     strings.ToUpper(q.Get("dep_iata")),
		ArrIATA:     strings.ToUpper(q.Get("arr_iata")),
		AirlineIATA: strings.ToUpper(q.Get("airline_iata")),
		FlightStat:  q.Get("flight_status"),
		FlightDate:  q.Get("flight_date"),
		Limit:       parseLimit(q.Get("limit")),
	}
	if errs := httpserver.Validate(p); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}

	payload, err := h.caller.Call(r.Context(), "flights", map[string]string{
		"flight_iata":   p.FlightIATA,
		"dep_iata":      p.DepIATA,
		"arr_iata":      p.ArrIATA,
		"airline_iata":  p.AirlineIATA,
		"flight_status": p.FlightStat,
		"flight_date":   p.FlightDate,
		"limit":         strconv.Itoa(p.Limit),
	})
	if err != nil {
		h.logger.Error("proxy call failed",
			"endpoint", "flights",
			"breaker_state", h.breaker.Snapshot().State,
			"error", err,
		)
		httpserver.RespondGatewayError(w, err)
		return
	}

	// SPEC_FULL §12's read-path resolution: an iata-only lookup (no
	// flight_date) is the one permitted to enrich with history.
	if p.FlightIATA != "" && p.FlightDate == "" {
		payload = h.enrichWithHistory(r.Context(), p.FlightIATA, payload)
	}

	writeJSON(w, payload)
}

// enrichWithHistory merges a "history" array covering the last 30 days into
// a flights response body. A query failure or a response shape the merge
// can't parse falls back to the plain passthrough payload: enrichment is
// never allowed to turn a successful upstream call into a failed request.
func (h *Handler) enrichWithHistory(ctx context.Context, flightIATA string, payload []byte) []byte {
	if h.history == nil {
		return payload
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	records, err := h.history.HistoryQuery(ctx, flightIATA, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		h.logger.Error("history query failed", "flight_iata", flightIATA, "error", err)
		return payload
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return payload
	}

	history := make([]json.RawMessage, len(records))
	for i, rec := range records {
		history[i] = json.RawMessage(rec.Doc)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return payload
	}
	body["history"] = historyJSON

	merged, err := json.Marshal(body)
	if err != nil {
		return payload
	}
	return merged
}

// parseLimit applies spec §4.7's structural clamp: limit defaults to 100
// and is bounded to [1, 100].
func parseLimit(raw string) int {
	if raw == "" {
		return 100
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 100
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

// proxy calls the upstream caller and forwards the result, translating any
// gateway-originated error per spec §7/§6.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, endpoint string, params map[string]string) {
	payload, err := h.caller.Call(r.Context(), endpoint, params)
	if err != nil {
		h.logger.Error("proxy call failed",
			"endpoint", endpoint,
			"breaker_state", h.breaker.Snapshot().State,
			"error", err,
		)
		httpserver.RespondGatewayError(w, err)
		return
	}

	writeJSON(w, payload)
}

// writeJSON writes a verbatim JSON passthrough body with a 200 status.
func writeJSON(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// rateLimitView is the {month, used, limit, remaining} block shared by
// /health, /stats, and /usage (spec §6).
type rateLimitView struct {
	Month     string `json:"month"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

func (h *Handler) rateLimitSnapshot(ctx context.Context) (rateLimitView, error) {
	snap, err := h.ledger.Snapshot(ctx)
	if err != nil {
		return rateLimitView{}, err
	}
	return rateLimitView{Month: snap.Month, Used: snap.Used, Limit: snap.Ceiling, Remaining: snap.Remaining}, nil
}

type healthResponse struct {
	Status         string        `json:"status"`
	RateLimit      rateLimitView `json:"rate_limit"`
	Cache          string        `json:"cache"`
	CircuitBreaker string        `json:"circuit_breaker"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	rl, err := h.rateLimitSnapshot(r.Context())
	if err != nil {
		httpserver.RespondGatewayError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, healthResponse{
		Status:         "ok",
		RateLimit:      rl,
		Cache:          "enabled",
		CircuitBreaker: h.breaker.Snapshot().State,
	})
}

type statsResponse struct {
	Status         string           `json:"status"`
	RateLimit      rateLimitView    `json:"rate_limit"`
	Cache          cacheStats       `json:"cache"`
	CircuitBreaker breaker.Snapshot `json:"circuit_breaker"`
	Coalescing     coalescingStats  `json:"coalescing"`
}

type cacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type coalescingStats struct {
	CoalescedTotal int64 `json:"coalesced_total"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	rl, err := h.rateLimitSnapshot(r.Context())
	if err != nil {
		httpserver.RespondGatewayError(w, err)
		return
	}

	hits, misses := h.cache.Stats()
	httpserver.Respond(w, http.StatusOK, statsResponse{
		Status:         "ok",
		RateLimit:      rl,
		Cache:          cacheStats{Hits: hits, Misses: misses},
		CircuitBreaker: h.breaker.Snapshot(),
		Coalescing:     coalescingStats{CoalescedTotal: h.coalescer.Stats()},
	})
}

type usageResponse struct {
	RateLimit rateLimitView `json:"rate_limit"`
	ResetsAt  string        `json:"resets_at"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	rl, err := h.rateLimitSnapshot(r.Context())
	if err != nil {
		httpserver.RespondGatewayError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, usageResponse{
		RateLimit: rl,
		ResetsAt:  nextMonthUTC().Format(time.RFC3339),
	})
}

// nextMonthUTC returns the first instant of next month, UTC.
func nextMonthUTC() time.Time {
	now := time.Now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 1, 0)
}
