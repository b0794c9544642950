package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()
	b := Backoff{}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	t.Parallel()
	b := Backoff{MaxAttempts: 3}
	if b.Exhausted(3) || !b.Exhausted(4) {
		t.Error("attempt budget of 3 not honoured")
	}
	if (Backoff{MaxAttempts: -1}).Exhausted(1000) {
		t.Error("negative MaxAttempts should retry forever")
	}
	if !(Backoff{}).Exhausted(DefaultBackoffMaxAttempts + 1) {
		t.Error("default attempt budget not applied")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly")
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep = %v", err)
	}
}
