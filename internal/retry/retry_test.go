package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fatalErr simulates an authentication/validation failure.
type fatalErr struct{ msg string }

func (e *fatalErr) Error() string   { return e.msg }
func (e *fatalErr) Retryable() bool { return false }

// transientErr simulates a rate-limit or network failure.
type transientErr struct{ msg string }

func (e *transientErr) Error() string   { return e.msg }
func (e *transientErr) Retryable() bool { return true }

func TestDo_SucceedsFirstTry(t *testing.T) {
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &transientErr{"rate limited"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	c := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	calls := 0
	boom := &transientErr{"network down"}
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return boom
	})
	if err != boom {
		t.Fatalf("expected last error returned unchanged, got %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestDo_FatalNotRetried(t *testing.T) {
	c := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	calls := 0
	auth := &fatalErr{"invalid api key"}
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return auth
	})
	if err != auth {
		t.Fatalf("expected fatal error returned, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (fatal errors must not retry)", calls)
	}
}

func TestDo_WrappedFatalNotRetried(t *testing.T) {
	c := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("call failed: %w", &fatalErr{"bad request"})
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (classification must unwrap)", calls)
	}
}

func TestDo_UnclassifiedErrorRetried(t *testing.T) {
	c := New(Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("something odd")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2 (unclassified errors are transient)", calls)
	}
}

func TestDo_Disabled(t *testing.T) {
	c := New(Config{MaxAttempts: 5, BaseDelay: time.Second, Disabled: true}, nil)

	calls := 0
	err := c.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return &transientErr{"rate limited"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (disabled = single attempt)", calls)
	}
}

func TestDo_BackoffSchedule(t *testing.T) {
	c := New(Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}, nil)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return true
	}

	c.Do(context.Background(), "test", func(ctx context.Context) error {
		return &transientErr{"flaky"}
	})

	want := []time.Duration{
		100 * time.Millisecond, // attempt 2: base * 2^0
		200 * time.Millisecond, // attempt 3: base * 2^1
		400 * time.Millisecond, // attempt 4: base * 2^2
	}
	if len(delays) != len(want) {
		t.Fatalf("slept %d times, want %d", len(delays), len(want))
	}
	for i, d := range delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i])
		}
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	c := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.Do(ctx, "test", func(ctx context.Context) error {
		calls++
		return &transientErr{"flaky"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (cancelled during first backoff)", calls)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &transientErr{"x"}, true},
		{"fatal", &fatalErr{"x"}, false},
		{"unclassified", errors.New("x"), true},
		{"wrapped fatal", fmt.Errorf("outer: %w", &fatalErr{"x"}), false},
		{"wrapped transient", fmt.Errorf("outer: %w", &transientErr{"x"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
