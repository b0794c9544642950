package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
	"github.com/MrWong99/voxmod/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxmod/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Text: "hey brian", ProviderName: "hf"}
	secondary := &sttmock.Provider{Text: "other"}

	fb := NewSTTFallback(primary, "hf", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	tr, err := fb.Transcribe(context.Background(), audio.Segment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "hey brian" || tr.Provider != "hf" {
		t.Errorf("transcript = %+v", tr)
	}
	if secondary.CallCount() != 0 {
		t.Error("secondary called although primary succeeded")
	}
	if fb.Name() != "hf" {
		t.Errorf("Name() = %q, want hf", fb.Name())
	}
}

func TestSTTFallback_OneAttemptPerSegment(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: &stt.StatusError{Provider: "hf", StatusCode: http.StatusBadGateway}}
	secondary := &sttmock.Provider{Text: "ban spammer", ProviderName: "openai"}

	fb := NewSTTFallback(primary, "hf", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fb.AddFallback("openai", secondary)

	// The failed segment is dropped, not re-sent to the fallback.
	if _, err := fb.Transcribe(context.Background(), audio.Segment{}); err == nil {
		t.Fatal("expected error for the failed segment")
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls = primary %d, secondary %d; want 1, 0", primary.CallCount(), secondary.CallCount())
	}

	if _, err := fb.Transcribe(context.Background(), audio.Segment{}); err == nil {
		t.Fatal("expected error for the second failed segment")
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times before the breaker opened", secondary.CallCount())
	}

	// Breaker is open now; the next segment goes straight to the fallback.
	tr, err := fb.Transcribe(context.Background(), audio.Segment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", tr.Provider)
	}
	if primary.CallCount() != 2 || secondary.CallCount() != 1 {
		t.Errorf("calls = primary %d, secondary %d; want 2, 1", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: &stt.StatusError{Provider: "hf", StatusCode: http.StatusBadRequest}}

	fb := NewSTTFallback(primary, "hf", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	for range 3 {
		var se *stt.StatusError
		if _, err := fb.Transcribe(context.Background(), audio.Segment{}); !errors.As(err, &se) {
			t.Fatalf("err = %v, want *stt.StatusError", err)
		}
	}
	if primary.CallCount() != 3 {
		t.Errorf("primary called %d times, want 3", primary.CallCount())
	}
	if fb.group.Breaker("hf").State() != StateClosed {
		t.Error("4xx response opened the breaker")
	}
}

func TestSTTFallback_ServerErrorsTrip(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: &stt.StatusError{Provider: "hf", StatusCode: http.StatusServiceUnavailable}}

	fb := NewSTTFallback(primary, "hf", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for range 2 {
		_, _ = fb.Transcribe(context.Background(), audio.Segment{})
	}
	for range 2 {
		if _, err := fb.Transcribe(context.Background(), audio.Segment{}); !errors.Is(err, ErrAllFailed) {
			t.Errorf("err = %v, want ErrAllFailed once the breaker is open", err)
		}
	}
	if primary.CallCount() != 2 {
		t.Errorf("primary called %d times, want 2", primary.CallCount())
	}
}
