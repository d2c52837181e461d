package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/diligence-cli/internal/config"
)

var errOverloaded = NewTransientError(errors.New("overloaded"), 529)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	s.now = clock.now
	return s, clock
}

func call(b *Breaker, err error) (bool, error) {
	called := false
	_, got := Guard(context.Background(), b, func(_ context.Context) (string, error) {
		called = true
		return "ok", err
	})
	return called, got
}

func TestGuard_PassesValueThrough(t *testing.T) {
	s, _ := newTestBreakers(3, time.Minute)
	got, err := Guard(context.Background(), s.For("haiku"), func(_ context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Guard = %d, %v; want 42, nil", got, err)
	}
}

func TestBreaker_OpensOnConsecutiveTransientFailures(t *testing.T) {
	s, _ := newTestBreakers(3, time.Minute)
	b := s.For("opus")

	for i := 0; i < 2; i++ {
		call(b, errOverloaded)
	}
	if b.State() != CircuitClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}
	call(b, errOverloaded)
	if b.State() != CircuitOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}

	called, err := call(b, nil)
	if called {
		t.Error("fn called while breaker open")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if !IsTransient(err) {
		t.Error("open circuit error should be transient")
	}
}

func TestBreaker_NonTransientErrorsResetCount(t *testing.T) {
	s, _ := newTestBreakers(2, time.Minute)
	b := s.For("sonnet")

	call(b, errOverloaded)
	call(b, errors.New("invalid request: max_tokens too large"))
	call(b, errOverloaded)
	if b.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", b.State())
	}

	call(b, NewStructuralError("doc-1", errors.New("not json")))
	call(b, errOverloaded)
	if b.State() != CircuitClosed {
		t.Errorf("structural error should not count; state = %s", b.State())
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	tests := []struct {
		name     string
		probeErr error
		want     CircuitState
	}{
		{"success closes", nil, CircuitClosed},
		{"failure reopens", errOverloaded, CircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestBreakers(1, 30*time.Second)
			b := s.For("opus")
			call(b, errOverloaded)

			clock.advance(29 * time.Second)
			if called, _ := call(b, nil); called {
				t.Fatal("fn called before cooldown elapsed")
			}

			clock.advance(time.Second)
			if b.State() != CircuitHalfOpen {
				t.Fatalf("state after cooldown = %s, want half-open", b.State())
			}
			if called, _ := call(b, tt.probeErr); !called {
				t.Fatal("probe not admitted")
			}
			if b.State() != tt.want {
				t.Errorf("state after probe = %s, want %s", b.State(), tt.want)
			}
		})
	}
}

func TestBreakers_AreIndependentPerModel(t *testing.T) {
	s, _ := newTestBreakers(1, time.Minute)
	call(s.For("opus"), errOverloaded)

	if s.For("opus").State() != CircuitOpen {
		t.Error("opus breaker should be open")
	}
	if called, err := call(s.For("haiku"), nil); !called || err != nil {
		t.Errorf("haiku call = %v, %v; want admitted", called, err)
	}
	if s.For("opus") != s.For("opus") {
		t.Error("For should return the same breaker for a key")
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	clock := &fakeClock{t: time.Now()}
	s := NewBreakers(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(key string, from, to CircuitState) {
			mu.Lock()
			seen = append(seen, key+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	s.now = clock.now
	b := s.For("sonnet")

	call(b, errOverloaded)
	clock.advance(time.Second)
	call(b, nil)

	want := []string{"sonnet:closed->open", "sonnet:open->half-open", "sonnet:half-open->closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	s, _ := newTestBreakers(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = errOverloaded
			}
			call(s.For("haiku"), err)
		}(i)
	}
	wg.Wait()
	if s.For("haiku").State() != CircuitClosed {
		t.Errorf("state = %s, want closed", s.For("haiku").State())
	}
}

func TestFromCircuitConfig(t *testing.T) {
	bc := FromCircuitConfig(config.CircuitConfig{})
	if bc.FailureThreshold != 5 || bc.Cooldown != 30*time.Second {
		t.Errorf("defaults = %d, %s", bc.FailureThreshold, bc.Cooldown)
	}
	bc = FromCircuitConfig(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 90})
	if bc.FailureThreshold != 2 || bc.Cooldown != 90*time.Second {
		t.Errorf("configured = %d, %s", bc.FailureThreshold, bc.Cooldown)
	}
}

func TestCircuitState_String(t *testing.T) {
	for state, want := range map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
