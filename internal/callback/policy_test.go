package callback

import (
	"testing"
	"time"
)

func TestPolicyDelaysDouble(t *testing.T) {
	p := DefaultPolicy()

	if d := p.Delay(1); d != time.Second {
		t.Fatalf("delay after attempt 1: expected 1s, got %s", d)
	}
	if d := p.Delay(2); d != 2*time.Second {
		t.Fatalf("delay after attempt 2: expected 2s, got %s", d)
	}
	if d := p.Delay(3); d != 0 {
		t.Fatalf("no delay expected past the attempt budget, got %s", d)
	}
	if d := p.Delay(0); d != 0 {
		t.Fatalf("delay for attempt 0: expected 0, got %s", d)
	}
}

func TestPolicyCustomMultiplier(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, Multiplier: 3}

	if d := p.Delay(2); d != 300*time.Millisecond {
		t.Fatalf("expected 300ms, got %s", d)
	}
	if d := p.Delay(3); d != 900*time.Millisecond {
		t.Fatalf("expected 900ms, got %s", d)
	}
}
