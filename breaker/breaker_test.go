package breaker

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestOpensAfterThreshold(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New(WithThreshold(2), WithCooldown(time.Second), WithClock(c.now))

	b.Failure()
	if b.State() != Closed {
		t.Fatalf("state = %s after 1 failure", b.State())
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("state = %s after 2 failures, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker allowed a call")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b := New(WithThreshold(2))
	b.Failure()
	b.Success()
	b.Failure()
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	var transitions []string
	b := New(WithThreshold(1), WithCooldown(5*time.Second), WithClock(c.now),
		OnStateChange(func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) }))

	b.Failure()
	c.advance(4 * time.Second)
	if b.Allow() {
		t.Fatal("allowed before cooldown")
	}
	c.advance(time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New(WithThreshold(1), WithCooldown(time.Second), WithClock(c.now))
	b.Failure()
	c.advance(time.Second)
	if b.State() != HalfOpen {
		t.Fatal("expected half-open")
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
}

