package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errTimeout = errors.New("oracle timeout")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return New(threshold, cooldown, WithClock(clk.now)), clk
}

func fail() error    { return errTimeout }
func succeed() error { return nil }

func TestBreaker_ClosedPassesCalls(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	calls := 0
	for range 5 {
		if err := b.Execute("analyze", func() error { calls++; return nil }, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 5 {
		t.Fatalf("expected 5 calls, got %d", calls)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := range 3 {
		if err := b.Execute("analyze", fail, nil); !errors.Is(err, errTimeout) {
			t.Fatalf("call %d: expected timeout, got %v", i, err)
		}
	}
	if b.State("analyze") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("analyze"))
	}

	called := false
	err := b.Execute("analyze", func() error { called = true; return nil }, nil)
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected rejection without a call, got err=%v called=%v", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	_ = b.Execute("analyze", fail, nil)
	_ = b.Execute("analyze", fail, nil)
	_ = b.Execute("analyze", succeed, nil)
	if n := b.Failures("analyze"); n != 0 {
		t.Fatalf("expected failures reset, got %d", n)
	}
	_ = b.Execute("analyze", fail, nil)
	if b.State("analyze") != StateClosed {
		t.Fatal("non-consecutive failures must not open the circuit")
	}
}

func TestBreaker_TrialAfterCooldown(t *testing.T) {
	tests := []struct {
		name  string
		trial func() error
		want  State
	}{
		{"successful trial closes", succeed, StateClosed},
		{"failed trial reopens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(1, time.Minute)
			_ = b.Execute("analyze", fail, nil)

			clk.advance(59 * time.Second)
			if err := b.Execute("analyze", succeed, nil); !errors.Is(err, ErrOpen) {
				t.Fatalf("expected ErrOpen inside cooldown, got %v", err)
			}

			clk.advance(time.Second)
			_ = b.Execute("analyze", tt.trial, nil)
			if got := b.State("analyze"); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBreaker_SingleTrialInFlight(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	_ = b.Execute("analyze", fail, nil)
	clk.advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute("analyze", func() error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	var rejected atomic.Int32
	for range 3 {
		if err := b.Execute("analyze", succeed, nil); errors.Is(err, ErrOpen) {
			rejected.Add(1)
		}
	}
	close(release)
	wg.Wait()

	if rejected.Load() != 3 {
		t.Fatalf("expected concurrent calls rejected while probing, got %d", rejected.Load())
	}
	if b.State("analyze") != StateClosed {
		t.Fatalf("expected closed after trial, got %v", b.State("analyze"))
	}
}

func TestBreaker_NeutralErrors(t *testing.T) {
	neutral := func(err error) bool { return errors.Is(err, context.Canceled) }

	t.Run("do not trip a closed circuit", func(t *testing.T) {
		b, _ := newTestBreaker(1, time.Minute)
		err := b.Execute("analyze", func() error { return context.Canceled }, neutral)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the error back, got %v", err)
		}
		if b.State("analyze") != StateClosed {
			t.Fatalf("expected closed, got %v", b.State("analyze"))
		}
	})

	t.Run("abandoned trial allows the next one", func(t *testing.T) {
		b, clk := newTestBreaker(1, time.Minute)
		_ = b.Execute("profile", fail, nil)
		clk.advance(time.Minute)

		_ = b.Execute("profile", func() error { return context.Canceled }, neutral)
		if b.State("profile") != StateOpen {
			t.Fatalf("expected open after an abandoned trial, got %v", b.State("profile"))
		}
		if err := b.Execute("profile", succeed, nil); err != nil {
			t.Fatalf("expected the next trial to run, got %v", err)
		}
		if b.State("profile") != StateClosed {
			t.Fatalf("expected closed, got %v", b.State("profile"))
		}
	})
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	_ = b.Execute("analyze", fail, nil)
	if b.State("analyze") != StateOpen {
		t.Fatal("expected analyze open")
	}
	if err := b.Execute("user_ocean", succeed, nil); err != nil {
		t.Fatalf("expected user_ocean unaffected, got %v", err)
	}
	if b.State("unknown") != StateClosed || b.Failures("unknown") != 0 {
		t.Fatal("unknown keys are closed with no failures")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
