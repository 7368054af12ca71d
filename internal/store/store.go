// Package store is the KV store adapter (spec component C1): typed
// read/write of three logical collections — cache, quota ledger, and flight
// history — against a durable backing store. Cache entries live in Redis,
// which provides the TTL-indexed background expiry the spec requires
// natively; the quota ledger singleton and the history collection live in
// Postgres, which gives the atomic read-modify-write and unique composite
// index the spec requires for those collections.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/skygateio/skygate/internal/gwerrors"
)

// QuotaDocID is the fixed singleton key for the monthly quota ledger.
const QuotaDocID = "aviationstack_api_calls"

// Store is the adapter over the two backing stores.
type Store struct {
	redis *redis.Client
	pool  *pgxpool.Pool
}

// New creates a Store over an already-connected Redis client and Postgres pool.
func New(redisClient *redis.Client, pool *pgxpool.Pool) *Store {
	return &Store{redis: redisClient, pool: pool}
}

// HistoryRecord is one row of the flight-history collection.
type HistoryRecord struct {
	FlightIATA string
	FlightDate string
	Doc        []byte
	UpdatedAt  time.Time
}

// CacheGet returns the payload and its stored expiry for key, or ok=false on
// a miss. Errors are always wrapped as gwerrors.KindStoreUnavailable.
func (s *Store) CacheGet(ctx context.Context, key string) (payload []byte, expiry time.Time, ok bool, err error) {
	val, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "cache get", err)
	}

	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		return nil, time.Time{}, false, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "cache ttl", err)
	}
	if ttl < 0 {
		// No TTL set or key vanished between GET and TTL; treat as absent
		// rather than trusting an entry with no expiry.
		return nil, time.Time{}, false, nil
	}

	return val, time.Now().Add(ttl), true, nil
}

// CachePut unconditionally replaces the cache entry for key with payload,
// expiring in ttl.
func (s *Store) CachePut(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreUnavailable, "cache put", err)
	}
	return nil
}

// QuotaLoad reads the singleton quota document. ok=false means no document
// has ever been written (first call of the gateway's lifetime).
func (s *Store) QuotaLoad(ctx context.Context) (monthTag string, count int, ok bool, err error) {
	row := s.pool.QueryRow(ctx, `SELECT month, count FROM quota_ledger WHERE id = $1`, QuotaDocID)
	err = row.Scan(&monthTag, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "quota load", err)
	}
	return monthTag, count, true, nil
}

// QuotaStore unconditionally replaces the singleton quota document.
func (s *Store) QuotaStore(ctx context.Context, monthTag string, count, maxCalls int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_ledger (id, month, count, max_calls, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			month = EXCLUDED.month,
			count = EXCLUDED.count,
			max_calls = EXCLUDED.max_calls,
			updated_at = now()
	`, QuotaDocID, monthTag, count, maxCalls)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreUnavailable, "quota store", err)
	}
	return nil
}

// QuotaReserve performs the entire spec §4.2 algorithm as a single atomic
// SQL statement: insert the document on first use, reset it on month
// rollover, and increment it — but only when the month has rolled over or
// the current month's count is still below maxCalls. Postgres's row lock on the UPSERT target makes
// this safe against concurrent replicas without any process-local lock or
// client-side retry loop. admitted=false means the ceiling was already
// reached for currentMonth and nothing was written.
func (s *Store) QuotaReserve(ctx context.Context, currentMonth string, maxCalls int) (admitted bool, usedAfter int, err error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO quota_ledger (id, month, count, max_calls, updated_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			month     = CASE WHEN quota_ledger.month <> EXCLUDED.month THEN EXCLUDED.month ELSE quota_ledger.month END,
			count     = CASE WHEN quota_ledger.month <> EXCLUDED.month THEN 1 ELSE quota_ledger.count + 1 END,
			max_calls = EXCLUDED.max_calls,
			updated_at = now()
		WHERE quota_ledger.month <> EXCLUDED.month OR quota_ledger.count < EXCLUDED.max_calls
		RETURNING count
	`, QuotaDocID, currentMonth, maxCalls)

	err = row.Scan(&usedAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		// The WHERE clause excluded the conflicting row: ceiling reached.
		return false, 0, nil
	}
	if err != nil {
		return false, 0, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "quota reserve", err)
	}
	return true, usedAfter, nil
}

// HistoryUpsert replaces (or creates) the history document keyed by
// (flightIATA, flightDate).
func (s *Store) HistoryUpsert(ctx context.Context, flightIATA, flightDate string, doc []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flight_history (flight_iata, flight_date, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (flight_iata, flight_date) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = now()
	`, flightIATA, flightDate, doc)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindStoreUnavailable, "history upsert", err)
	}
	return nil
}

// HistoryQuery returns history documents for flightIATA within
// [startDate, endDate], ordered by flight_date ascending.
func (s *Store) HistoryQuery(ctx context.Context, flightIATA, startDate, endDate string) ([]HistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT flight_iata, flight_date, doc, updated_at
		FROM flight_history
		WHERE flight_iata = $1 AND flight_date BETWEEN $2 AND $3
		ORDER BY flight_date ASC
	`, flightIATA, startDate, endDate)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "history query", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.FlightIATA, &rec.FlightDate, &rec.Doc, &rec.UpdatedAt); err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "history scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindStoreUnavailable, "history rows", err)
	}
	return out, nil
}
