package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

var errUpstream = errors.New("upstream unavailable")

func newTestBreaker(config Config) (*CircuitBreaker, *time.Time) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	cb := New(config, logger)
	clock := time.Unix(1700000000, 0)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		scenario    func(t *testing.T, cb *CircuitBreaker, clock *time.Time)
		expectedEnd State
	}{
		{
			name: "closed_to_open_after_max_failures",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					if err := cb.Execute(context.Background(), fail); !errors.Is(err, errUpstream) {
						t.Errorf("Expected upstream error, got %v", err)
					}
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "open_rejects_until_timeout",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
				}
			},
			expectedEnd: StateOpen,
		},
		{
			name: "half_open_to_closed_on_success",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				*clock = clock.Add(101 * time.Millisecond)
				if err := cb.Execute(context.Background(), succeed); err != nil {
					t.Errorf("Expected success, got %v", err)
				}
			},
			expectedEnd: StateClosed,
		},
		{
			name: "half_open_to_open_on_failure",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *time.Time) {
				for i := 0; i < 3; i++ {
					cb.Execute(context.Background(), fail)
				}
				*clock = clock.Add(101 * time.Millisecond)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateOpen,
		},
		{
			name: "success_resets_failure_count",
			scenario: func(t *testing.T, cb *CircuitBreaker, clock *time.Time) {
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), succeed)
				cb.Execute(context.Background(), fail)
				cb.Execute(context.Background(), fail)
			},
			expectedEnd: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(Config{
				Name:        tt.name,
				MaxFailures: 3,
				Timeout:     100 * time.Millisecond,
				MaxRequests: 1,
			})

			tt.scenario(t, cb, clock)

			if cb.State() != tt.expectedEnd {
				t.Errorf("Expected state %s, got %s", tt.expectedEnd, cb.State())
			}
		})
	}
}

func TestIsFailureClassifier(t *testing.T) {
	errNotFound := errors.New("no such payment")
	cb, _ := newTestBreaker(Config{
		Name:        "payments",
		MaxFailures: 2,
		Timeout:     time.Second,
		IsFailure:   func(err error) bool { return !errors.Is(err, errNotFound) },
	})

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return errNotFound })
		if !errors.Is(err, errNotFound) {
			t.Fatalf("Expected caller error to pass through, got %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected breaker to stay closed on caller errors, got %s", cb.State())
	}
	snap := cb.Snapshot()
	if snap.TotalFailures != 0 || snap.TotalSuccesses != 10 {
		t.Errorf("Expected 0 failures and 10 successes, got %d/%d", snap.TotalFailures, snap.TotalSuccesses)
	}
}

func TestCancelledContextDoesNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "assets", MaxFailures: 1, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected closed, got %s", cb.State())
	}
	if snap := cb.Snapshot(); snap.TotalRequests != 0 {
		t.Errorf("Expected cancelled call not to be counted, got %d", snap.TotalRequests)
	}
}

func TestHalfOpenAllowsLimitedProbes(t *testing.T) {
	cb, clock := newTestBreaker(Config{Name: "trial", MaxFailures: 1, Timeout: 50 * time.Millisecond, MaxRequests: 1})

	cb.Execute(context.Background(), fail)
	*clock = clock.Add(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected second trial request to be rejected, got %v", err)
	}

	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful trial request, got %s", cb.State())
	}
}

func TestMetricsUnderConcurrency(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "load", MaxFailures: 1000, Timeout: time.Second})

	const goroutines = 50
	const iterations = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if (id+j)%4 == 0 {
					cb.Execute(context.Background(), fail)
				} else {
					cb.Execute(context.Background(), succeed)
				}
			}
		}(i)
	}
	wg.Wait()

	snap := cb.Snapshot()
	if snap.TotalRequests != goroutines*iterations {
		t.Errorf("Expected %d requests, got %d", goroutines*iterations, snap.TotalRequests)
	}
	if snap.TotalRequests != snap.TotalFailures+snap.TotalSuccesses {
		t.Errorf("Inconsistent metrics: total=%d failures=%d successes=%d",
			snap.TotalRequests, snap.TotalFailures, snap.TotalSuccesses)
	}
}

func TestStateChangeCallbackPanicIsRecovered(t *testing.T) {
	called := make(chan struct{}, 1)
	cb, _ := newTestBreaker(Config{
		Name:        "panicky",
		MaxFailures: 1,
		Timeout:     time.Second,
		OnStateChange: func(name string, from, to State) {
			called <- struct{}{}
			panic("callback exploded")
		},
	})

	cb.Execute(context.Background(), fail)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("Expected state change callback to run")
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected open, got %s", cb.State())
	}
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "reset", MaxFailures: 1, Timeout: time.Hour})
	cb.Execute(context.Background(), fail)

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after reset, got %s", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Errorf("Expected request to pass after reset, got %v", err)
	}
}
