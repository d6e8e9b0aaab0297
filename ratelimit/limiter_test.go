package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jbelanger/exitbook/logging"
)

func TestEffectiveRPSFloor(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		want   float64
	}{
		{"per second only", Limits{RequestsPerSecond: 5}, 5},
		{"per minute floors", Limits{RequestsPerSecond: 5, RequestsPerMinute: 60}, 1},
		{"per hour floors", Limits{RequestsPerSecond: 5, RequestsPerHour: 3600}, 1},
		{"per minute only", Limits{RequestsPerMinute: 120}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.limits.EffectiveRPS(); got != tt.want {
				t.Errorf("EffectiveRPS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitTokenBudget(t *testing.T) {
	// Over any window the tokens taken must not exceed rps*window + burst.
	l := NewLimiter(Limits{RequestsPerSecond: 50, BurstLimit: 2}, logging.NewNopLogger())
	ctx := context.Background()

	start := time.Now()
	taken := 0
	for time.Since(start) < 200*time.Millisecond {
		if _, err := l.WaitToken(ctx, "k"); err != nil {
			t.Fatalf("WaitToken failed: %v", err)
		}
		taken++
	}
	window := time.Since(start).Seconds()
	budget := int(50*window) + 2 + 1 // +1 for the take in flight at the boundary
	if taken > budget {
		t.Errorf("took %d tokens in %.3fs, budget %d", taken, window, budget)
	}
}

func TestCanMakeRequestNonBlocking(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerSecond: 1, BurstLimit: 1}, nil)
	ctx := context.Background()

	if !l.CanMakeRequest("k") {
		t.Fatal("fresh bucket should have a token")
	}
	if _, err := l.WaitToken(ctx, "k"); err != nil {
		t.Fatalf("WaitToken failed: %v", err)
	}
	if l.CanMakeRequest("k") {
		t.Error("bucket should be empty immediately after take")
	}
}

func TestWaitTokenCancellation(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerSecond: 0.1, BurstLimit: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := l.WaitToken(ctx, "k"); err != nil {
		t.Fatalf("first take failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.WaitToken(ctx, "k")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestNoStarvation(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerSecond: 100, BurstLimit: 1}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	counts := make([]int, 4)
	stop := time.Now().Add(150 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for time.Now().Before(stop) {
				if _, err := l.WaitToken(ctx, "k"); err != nil {
					return
				}
				counts[i]++
			}
		}(i)
	}
	wg.Wait()

	for i, c := range counts {
		if c == 0 {
			t.Errorf("waiter %d starved", i)
		}
	}
}

func TestGetStatusAndReset(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerSecond: 2, BurstLimit: 4}, nil)
	st := l.GetStatus("k")
	if st.MaxTokens != 4 || st.EffectiveRPS != 2 {
		t.Errorf("status = %+v", st)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := l.WaitToken(ctx, "k"); err != nil {
			t.Fatalf("WaitToken failed: %v", err)
		}
	}
	if st := l.GetStatus("k"); st.Tokens >= 1 {
		t.Errorf("tokens after drain = %v, want < 1", st.Tokens)
	}

	l.Reset("k")
	if !l.CanMakeRequest("k") {
		t.Error("reset bucket should be full")
	}
}

func TestConfigurePerKey(t *testing.T) {
	l := NewLimiter(Limits{RequestsPerSecond: 1}, nil)
	l.Configure("fast", Limits{RequestsPerSecond: 100, BurstLimit: 10})

	if st := l.GetStatus("fast"); st.EffectiveRPS != 100 || st.MaxTokens != 10 {
		t.Errorf("configured status = %+v", st)
	}
	if st := l.GetStatus("other"); st.EffectiveRPS != 1 {
		t.Errorf("default status = %+v", st)
	}
}
