package outbound

import (
	"testing"
	"time"
)

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{20, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, 0); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectPolicy_DelayJitter(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.5}

	if got := p.Delay(1, 0); got != 500*time.Millisecond {
		t.Errorf("Delay(1, 0) = %v, want 500ms", got)
	}
	if got := p.Delay(1, 0.5); got != time.Second {
		t.Errorf("Delay(1, 0.5) = %v, want 1s", got)
	}
	for _, r := range []float64{0, 0.3, 0.7, 0.99} {
		for attempt := 1; attempt <= 6; attempt++ {
			if got := p.Delay(attempt, r); got <= 0 || got > p.MaxDelay {
				t.Errorf("Delay(%d, %v) = %v, outside (0, %v]", attempt, r, got, p.MaxDelay)
			}
		}
	}
}
