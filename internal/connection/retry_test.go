package connection

import (
	"testing"
	"time"
)

func TestBackoffCoefficient(t *testing.T) {
	tests := []struct {
		attempt int
		want    float64
	}{
		{1, 1},
		{2, 4.0 / 3},
		{3, 5.0 / 3},
		{4, 2},
		{10, 2},
	}

	for _, tt := range tests {
		if got := backoffCoefficient(tt.attempt); got != tt.want {
			t.Errorf("backoffCoefficient(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelay_JitterBounds(t *testing.T) {
	base := 15 * time.Second

	if got := retryDelay(base, 1, 0); got != base {
		t.Errorf("retryDelay(no jitter) = %v, want %v", got, base)
	}
	if got, want := retryDelay(base, 1, 1), 12*time.Second; got != want {
		t.Errorf("retryDelay(full jitter) = %v, want %v", got, want)
	}
	if got, want := retryDelay(base, 5, 0), 30*time.Second; got != want {
		t.Errorf("retryDelay(capped) = %v, want %v", got, want)
	}
}

func TestRetryPolicy_Reset(t *testing.T) {
	p := &retryPolicy{base: 3 * time.Second, rand: func() float64 { return 0 }}

	first := p.next()
	second := p.next()
	if second <= first {
		t.Errorf("second delay %v should exceed first %v", second, first)
	}

	p.reset()
	if got := p.next(); got != first {
		t.Errorf("delay after reset = %v, want %v", got, first)
	}
}

func TestHostChooser(t *testing.T) {
	h := newHostChooser("primary", []string{"b", "a"})

	if got := h.reset(); got != "primary" {
		t.Errorf("reset() = %q, want %q", got, "primary")
	}
	if h.onFallback() {
		t.Error("primary must not count as fallback")
	}

	for _, want := range []string{"b", "a"} {
		got, ok := h.advance()
		if !ok || got != want {
			t.Errorf("advance() = %q, %v, want %q, true", got, ok, want)
		}
		if !h.onFallback() {
			t.Error("expected onFallback after advance")
		}
	}

	if _, ok := h.advance(); ok {
		t.Error("advance() past the last fallback should fail")
	}

	if got := h.reset(); got != "primary" {
		t.Errorf("reset() = %q, want %q", got, "primary")
	}
	if got, _ := h.advance(); got != "b" {
		t.Errorf("advance() after reset = %q, want %q", got, "b")
	}
}

func TestHostChooser_NoFallbacks(t *testing.T) {
	h := newHostChooser("primary", nil)
	if _, ok := h.advance(); ok {
		t.Error("advance() without fallbacks should fail")
	}
}

func TestStateStrings(t *testing.T) {
	if got := StateSuspended.String(); got != "suspended" {
		t.Errorf("String() = %q, want %q", got, "suspended")
	}
	if got := EventUpdate.String(); got != "update" {
		t.Errorf("String() = %q, want %q", got, "update")
	}
	if got := EventFor(StateConnected); got != EventConnected {
		t.Errorf("EventFor(connected) = %v, want %v", got, EventConnected)
	}
}
