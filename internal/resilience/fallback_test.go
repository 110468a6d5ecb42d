package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

var errKind = errors.New("transcription failed")

func newGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestExecute_PrimarySuccess(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	var calls []string
	got, err := Execute(context.Background(), fg, func(v string) (string, error) {
		calls = append(calls, v)
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-primary" {
		t.Fatalf("result = %q, want from-primary", got)
	}
	if !slices.Equal(calls, []string{"primary"}) {
		t.Fatalf("calls = %v, want only primary", calls)
	}
}

func TestExecute_Failover(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	got, err := Execute(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("result = %q, want from-secondary", got)
	}
}

func TestExecute_AllFailKeepsErrorKind(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})

	_, err := Execute(context.Background(), fg, func(v string) (string, error) {
		return "", errKind
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errKind) {
		t.Fatalf("err = %v, want the provider error kind in the chain", err)
	}
}

func TestExecute_SingleEntryReturnsProviderError(t *testing.T) {
	fg := NewFallbackGroup(1, "only", FallbackConfig{})

	_, err := Execute(context.Background(), fg, func(int) (int, error) { return 0, errKind })
	if !errors.Is(err, errKind) {
		t.Fatalf("err = %v, want errKind", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v: a single provider is not a fallback chain", err)
	}
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		_, _ = Execute(context.Background(), fg, func(v string) (string, error) {
			if v == "primary" {
				return "", errTest
			}
			return v, nil
		})
	}
	if fg.Breaker("primary").State() != StateOpen {
		t.Fatalf("primary breaker = %v, want open", fg.Breaker("primary").State())
	}

	var calls []string
	got, err := Execute(context.Background(), fg, func(v string) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil || got != "secondary" {
		t.Fatalf("Execute = (%q, %v), want secondary", got, err)
	}
	if !slices.Equal(calls, []string{"secondary"}) {
		t.Fatalf("calls = %v, primary should be skipped", calls)
	}
}

func TestExecute_StopsOnCancellation(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	_, err := Execute(ctx, fg, func(v string) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !slices.Equal(calls, []string{"primary"}) {
		t.Fatalf("calls = %v, failover must stop after cancellation", calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := newGroup(CircuitBreakerConfig{})
	fg.AddFallback("tertiary", "tertiary")

	if got := fg.Names(); !slices.Equal(got, []string{"primary", "secondary", "tertiary"}) {
		t.Fatalf("Names = %v", got)
	}
	if fg.Breaker("missing") != nil {
		t.Fatal("Breaker(missing) should be nil")
	}
}
