package aviationstack

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/skygateio/skygate/internal/breaker"
	"github.com/skygateio/skygate/internal/cache"
	"github.com/skygateio/skygate/internal/coalesce"
	"github.com/skygateio/skygate/internal/gwerrors"
	"github.com/skygateio/skygate/internal/quota"
	"github.com/skygateio/skygate/internal/telemetry"
)

// historyStore is the narrow slice of internal/store's Store the caller
// needs for the flight-history write-through path (SPEC_FULL §12).
type historyStore interface {
	HistoryUpsert(ctx context.Context, flightIATA, flightDate string, doc []byte) error
}

// Caller composes the cache, breaker, coalescer, and quota ledger around
// the raw HTTP client, implementing spec §4.6's call() in the exact order
// the spec mandates.
type Caller struct {
	client    *Client
	cache     *cache.Cache
	breaker   *breaker.Breaker
	coalescer *coalesce.Coalescer
	ledger    *quota.Ledger
	history   historyStore
	logger    *slog.Logger
}

// NewCaller wires the components. Each endpoint that proxies traffic
// shares one Caller; the breaker and coalescer are process-wide (spec §3:
// in-flight and breaker state are not shared across replicas, but within
// one replica they are shared across endpoints so that a provider-wide
// outage trips the breaker regardless of which endpoint noticed it first).
func NewCaller(client *Client, respCache *cache.Cache, cb *breaker.Breaker, coalescer *coalesce.Coalescer, ledger *quota.Ledger, history historyStore, logger *slog.Logger) *Caller {
	return &Caller{
		client:    client,
		cache:     respCache,
		breaker:   cb,
		coalescer: coalescer,
		ledger:    ledger,
		history:   history,
		logger:    logger,
	}
}

// Call implements spec §4.6 steps 1-10.
func (c *Caller) Call(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	key := cache.Key(endpoint, params)

	// Step 2: cache precedes everything.
	if payload, err := c.cache.Get(ctx, endpoint, key); err == nil {
		return payload, nil
	} else if !errors.Is(err, gwerrors.ErrCacheMiss) {
		return nil, err
	}

	// Step 3: breaker admission gate, before quota or coalescing.
	if !c.breaker.CanExecute() {
		c.logger.Warn("breaker open, shedding request", "endpoint", endpoint, "key", key)
		return nil, gwerrors.ErrBreakerOpen
	}

	// Step 4: coalesce by key; leader runs steps 5-10, followers just wait.
	return c.coalescer.Execute(ctx, endpoint, key, func(ctx context.Context) ([]byte, error) {
		return c.lead(ctx, endpoint, key, params)
	})
}

// lead is the coalescer leader's body: spec §4.6 steps 5-10. Only ever
// invoked once per in-flight window for a given key.
func (c *Caller) lead(ctx context.Context, endpoint, key string, params map[string]string) ([]byte, error) {
	// Step 5: quota reservation. A policy gate, not an upstream failure —
	// must not touch the breaker.
	if outcome, err := c.ledger.Reserve(ctx); err != nil {
		if outcome == quota.QuotaExceeded {
			c.logger.Info("quota exceeded", "endpoint", endpoint, "key", key)
			return nil, err
		}
		return nil, err
	}

	// Steps 6-7: the raw HTTP call, and transient-failure classification.
	payload, err := c.client.fetch(ctx, endpoint, params)
	if err != nil {
		var uerr *upstreamError
		if errors.As(err, &uerr) && uerr.statusCode >= 400 && uerr.statusCode < 500 && uerr.statusCode != 429 {
			// Step 7 exception: a non-429 4xx reflects caller input, not an
			// upstream failure — surfaced as-is, breaker untouched.
			telemetry.APICallsTotal.WithLabelValues(endpoint, "error").Inc()
			gerr := gwerrors.Wrap(gwerrors.KindUpstreamClientError, "upstream rejected request", uerr)
			gerr.UpstreamStatus = uerr.statusCode
			gerr.UpstreamBody = uerr.body
			return nil, gerr
		}

		c.breaker.RecordFailure()
		status := "error"
		if errors.As(err, &uerr) && uerr.statusCode == 429 {
			status = "rate_limited"
		}
		telemetry.APICallsTotal.WithLabelValues(endpoint, status).Inc()
		c.logger.Error("upstream call failed", "endpoint", endpoint, "key", key, "error", err)
		return nil, gwerrors.Wrap(gwerrors.KindUpstreamTransientFailure, "upstream call failed", err)
	}

	// Step 8: success.
	c.breaker.RecordSuccess()
	telemetry.APICallsTotal.WithLabelValues(endpoint, "success").Inc()

	// Step 9: cache store.
	if err := c.cache.Put(ctx, key, payload); err != nil {
		c.logger.Error("caching upstream response failed", "endpoint", endpoint, "key", key, "error", err)
	}

	c.writeThroughHistory(ctx, endpoint, payload)

	// Step 10.
	return payload, nil
}

// flightRecord is the minimal shape needed to extract the history
// collection's composite key from an upstream /flights payload.
type flightRecord struct {
	FlightDate string `json:"flight_date"`
	Flight     struct {
		IATA string `json:"iata"`
	} `json:"flight"`
}

type flightsEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

// writeThroughHistory implements the SPEC_FULL §12 supplement: successful
// /flights responses are upserted into the history collection keyed by
// (flight_iata, flight_date), a write-through side effect of this endpoint
// alone. It never affects the upstream-call accounting of §4.6.
func (c *Caller) writeThroughHistory(ctx context.Context, endpoint string, payload []byte) {
	if endpoint != "flights" || c.history == nil {
		return
	}

	var env flightsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	for _, raw := range env.Data {
		var rec flightRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Flight.IATA == "" || rec.FlightDate == "" {
			continue
		}
		if err := c.history.HistoryUpsert(ctx, rec.Flight.IATA, rec.FlightDate, raw); err != nil {
			c.logger.Error("history upsert failed", "flight_iata", rec.Flight.IATA, "flight_date", rec.FlightDate, "error", err)
		}
	}
}
