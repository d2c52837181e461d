// Package resilience provides retry, error classification and circuit
// breaking for model calls made by the analysis pipeline.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/config"
)

// CircuitState is the state of one model's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the model while its breaker is
// open. It is transient: the unit is retried after backoff.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a model's breaker opens and how long it stays
// open before letting a probe through.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	// OnStateChange is called with the breaker key on every transition.
	OnStateChange func(key string, from, to CircuitState)
}

// FromCircuitConfig converts the circuit section. Zero values default to 5
// failures and a 30s cooldown.
func FromCircuitConfig(cfg config.CircuitConfig) BreakerConfig {
	bc := BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
	if cfg.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeoutSecs > 0 {
		bc.Cooldown = time.Duration(cfg.ResetTimeoutSecs) * time.Second
	}
	return bc
}

// Breakers holds one breaker per model id.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu    sync.Mutex
	byKey map[string]*Breaker
}

// NewBreakers creates an empty breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breakers{cfg: cfg, now: time.Now, byKey: make(map[string]*Breaker)}
}

// For returns the breaker for key, creating it closed on first use.
func (s *Breakers) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byKey[key]
	if !ok {
		b = &Breaker{key: key, cfg: s.cfg, now: s.now}
		s.byKey[key] = b
	}
	return b
}

// Breaker tracks consecutive transient failures of one model.
type Breaker struct {
	key string
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// State reports the breaker state, showing an open breaker whose cooldown
// has passed as half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooledDown() {
		return CircuitHalfOpen
	}
	return b.state
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

// Guard calls fn unless b is open. Only transient errors count as failures.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if !b.cooledDown() {
		return eris.Wrapf(ErrCircuitOpen, "model %s", b.key)
	}
	b.setState(CircuitHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.setState(CircuitClosed)
		}
		return
	}

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		if b.state != CircuitOpen {
			b.setState(CircuitOpen)
		}
	}
}

func (b *Breaker) setState(to CircuitState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}
