package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/teemow/unimail/internal/mailerr"
)

// State is the lifecycle state of a session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateBusy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Stats is a point-in-time view of one session
type Stats struct {
	Account             string    `json:"account"`
	Protocol            Protocol  `json:"protocol"`
	State               string    `json:"state"`
	Connected           bool      `json:"connected"`
	LastUsedAt          time.Time `json:"last_used_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// entry is one session slot. guard is held for the whole of every
// operation; the fields below it are only touched while holding it. mu
// protects the bookkeeping read by Stats.
type entry struct {
	key   key
	guard *semaphore.Weighted

	conn            Conn
	suspect         bool
	authErr         error
	authFingerprint string
	backoff         *backoff.ExponentialBackOff

	mu         sync.Mutex
	state      State
	closed     bool
	lastUsedAt time.Time
	failures   int
	lastErr    error
	retryAt    time.Time
}

func newEntry(k key, cfg Config) *entry {
	return &entry{
		key:     k,
		guard:   semaphore.NewWeighted(1),
		backoff: newBackoff(cfg),
	}
}

func (e *entry) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *entry) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *entry) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *entry) lastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *entry) recordSuccess(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateReady
	e.lastUsedAt = now
	e.failures = 0
	e.lastErr = nil
	e.retryAt = time.Time{}
	e.backoff.Reset()
}

// recordUse notes an operation that failed without affecting the connection
func (e *entry) recordUse(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateReady
	e.lastUsedAt = now
}

// recordFailure counts a failed dial or a lost connection. When schedule
// is set and the threshold is reached, the next dial is deferred.
func (e *entry) recordFailure(now time.Time, err error, cfg Config, schedule bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateFailed
	e.lastUsedAt = now
	e.failures++
	e.lastErr = err
	if schedule && e.failures >= cfg.BackoffThreshold {
		e.retryAt = now.Add(e.backoff.NextBackOff())
	}
}

func (e *entry) resetFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.lastErr = nil
	e.retryAt = time.Time{}
	e.backoff.Reset()
}

// backoffRemaining returns how long dialing is still deferred
func (e *entry) backoffRemaining(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryAt.IsZero() || !now.Before(e.retryAt) {
		return 0
	}
	return e.retryAt.Sub(now)
}

func (e *entry) stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Account:             e.key.account,
		Protocol:            e.key.proto,
		State:               e.state.String(),
		Connected:           e.state == StateReady || e.state == StateBusy,
		LastUsedAt:          e.lastUsedAt,
		ConsecutiveFailures: e.failures,
	}
	if e.lastErr != nil {
		s.LastError = mailerr.Message(e.lastErr)
	}
	return s
}
