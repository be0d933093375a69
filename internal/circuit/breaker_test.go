package circuit

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure("anthropic")
		if !b.IsAvailable("anthropic") {
			t.Fatalf("available after %d failures, want true", i+1)
		}
	}

	b.RecordFailure("anthropic")
	if b.IsAvailable("anthropic") {
		t.Error("available after threshold failures, want false")
	}
	if got := b.StateOf("anthropic"); got != StateOpen {
		t.Errorf("state = %s, want OPEN", got)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	b.RecordSuccess("openai")

	if !b.IsAvailable("openai") {
		t.Error("available after success, want true")
	}
	if got := b.Failures("openai"); got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}

	// Counter restarted: the next two failures should not open.
	b.RecordFailure("openai")
	b.RecordFailure("openai")
	if !b.IsAvailable("openai") {
		t.Error("circuit opened before threshold after reset")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("google")
	b.RecordFailure("google")
	if b.IsAvailable("google") {
		t.Fatal("available with open circuit, want false")
	}

	time.Sleep(30 * time.Millisecond)

	// Cooldown elapsed: the availability check itself moves to HALF_OPEN.
	if !b.IsAvailable("google") {
		t.Fatal("probe not allowed after cooldown")
	}
	if got := b.StateOf("google"); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	// A failed probe re-opens immediately, restarting the cooldown.
	b.RecordFailure("google")
	if got := b.StateOf("google"); got != StateOpen {
		t.Errorf("state after failed probe = %s, want OPEN", got)
	}
	if b.IsAvailable("google") {
		t.Error("available right after failed probe, want false")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(2, 10*time.Millisecond)

	b.RecordFailure("bedrock")
	b.RecordFailure("bedrock")
	time.Sleep(15 * time.Millisecond)

	if !b.IsAvailable("bedrock") {
		t.Fatal("probe not allowed after cooldown")
	}
	b.RecordSuccess("bedrock")

	if got := b.StateOf("bedrock"); got != StateClosed {
		t.Errorf("state = %s, want CLOSED", got)
	}
	if got := b.Failures("bedrock"); got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestOpenCircuits(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("anthropic")
	b.RecordSuccess("openai")

	open := b.OpenCircuits()
	if len(open) != 1 || open[0] != "anthropic" {
		t.Errorf("OpenCircuits() = %v, want [anthropic]", open)
	}

	b.Reset()
	if got := b.OpenCircuits(); len(got) != 0 {
		t.Errorf("OpenCircuits() after Reset = %v, want empty", got)
	}
}
