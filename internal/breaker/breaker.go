// Package breaker implements the three-state circuit breaker (spec
// component C5) that gates upstream calls: CLOSED lets traffic through,
// OPEN sheds it after F consecutive failures, and HALF_OPEN periodically
// admits a bounded number of probes to test recovery.
package breaker

import (
	"sync"
	"time"

	"github.com/skygateio/skygate/internal/telemetry"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// gaugeValue maps state to the §4.8 gauge encoding {0, 1, 2}.
func (s State) gaugeValue() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// Config holds the breaker's tunable thresholds (spec §4.5 defaults: F=5, R=30s, P=3).
type Config struct {
	FailureThreshold int           // F
	RecoveryTimeout  time.Duration // R
	ProbeCount       int           // P
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, ProbeCount: 3}
}

// Breaker is a single mutex-guarded state machine, mutated only by
// CanExecute, RecordSuccess, and RecordFailure.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	fails  int
	probes int
	succ   int
	openAt time.Time
}

// New creates a Breaker in the CLOSED state with zero counters.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg, state: Closed}
	telemetry.CircuitBreakerState.Set(Closed.gaugeValue())
	return b
}

// CanExecute is the single admission gate (spec §4.5). Its side effects —
// the OPEN→HALF_OPEN transition and the HALF_OPEN probe-counter increment —
// are atomic with the admission decision, since both happen under the same
// mutex acquisition.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openAt) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.probes = 0
			b.succ = 0
			b.setGaugeLocked()
			return b.admitProbeLocked()
		}
		return false
	case HalfOpen:
		return b.admitProbeLocked()
	default:
		return false
	}
}

// admitProbeLocked must be called with b.mu held, only from the HALF_OPEN state.
func (b *Breaker) admitProbeLocked() bool {
	if b.probes >= b.cfg.ProbeCount {
		return false
	}
	b.probes++
	return true
}

// RecordSuccess reports a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.fails = 0
	case HalfOpen:
		b.succ++
		if b.succ >= b.cfg.ProbeCount {
			b.state = Closed
			b.fails = 0
			b.probes = 0
			b.succ = 0
			b.setGaugeLocked()
		}
	}
}

// RecordFailure reports a failed upstream call (spec §4.5's definition of
// "failure": transport error, 5xx, 429, timeout, or non-JSON body).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.openAt = time.Now()
	b.fails = 0
	b.probes = 0
	b.succ = 0
	b.setGaugeLocked()
}

// setGaugeLocked must be called with b.mu held.
func (b *Breaker) setGaugeLocked() {
	telemetry.CircuitBreakerState.Set(b.state.gaugeValue())
}

// Snapshot is a point-in-time view for /health and /stats.
type Snapshot struct {
	State            string
	ConsecutiveFails int
	Probes           int
	ProbeSuccesses   int
}

// Snapshot returns the current breaker state without mutating it.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state.String(),
		ConsecutiveFails: b.fails,
		Probes:           b.probes,
		ProbeSuccesses:   b.succ,
	}
}
