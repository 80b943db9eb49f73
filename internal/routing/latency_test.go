package routing_test

import (
	"testing"
	"time"

	"github.com/ashita-ai/furiwake/internal/routing"
)

func TestLatencyP50(t *testing.T) {
	l := routing.NewLatencyTracker()

	if _, ok := l.P50("k1"); ok {
		t.Fatal("expected no samples")
	}

	l.Observe("k1", 100*time.Millisecond)
	l.Observe("k1", 300*time.Millisecond)
	l.Observe("k1", 200*time.Millisecond)

	p50, ok := l.P50("k1")
	if !ok {
		t.Fatal("expected samples")
	}
	if p50 != 200*time.Millisecond {
		t.Fatalf("p50 = %v, want 200ms", p50)
	}
}

func TestLatencyRingEvictsOldSamples(t *testing.T) {
	l := routing.NewLatencyTracker()

	// Fill the ring with slow samples, then overwrite with fast ones.
	for range 64 {
		l.Observe("k1", time.Second)
	}
	for range 64 {
		l.Observe("k1", 10*time.Millisecond)
	}

	p50, ok := l.P50("k1")
	if !ok {
		t.Fatal("expected samples")
	}
	if p50 != 10*time.Millisecond {
		t.Fatalf("p50 = %v, want 10ms after full overwrite", p50)
	}
}

func TestLatencyForget(t *testing.T) {
	l := routing.NewLatencyTracker()
	l.Observe("k1", time.Second)
	l.Forget("k1")
	if _, ok := l.P50("k1"); ok {
		t.Fatal("expected samples gone after Forget")
	}
}

func TestBackoffDelayGrows(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		d := routing.BackoffDelay(base, attempt)
		min := base << (attempt - 1)
		max := min + base
		if d < min || d > max {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, min, max)
		}
	}
}

func TestParseWeights(t *testing.T) {
	w, err := routing.ParseWeights("cost=0.5,reliability=0.3,fairness=0.2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Cost != 0.5 || w.Reliability != 0.3 || w.Fairness != 0.2 || w.Speed != 0 {
		t.Fatalf("weights = %+v", w)
	}

	t.Run("normalized", func(t *testing.T) {
		w, err := routing.ParseWeights("cost=2,speed=2")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if w.Cost != 0.5 || w.Speed != 0.5 {
			t.Fatalf("weights = %+v", w)
		}
	})

	t.Run("rejects unknown objective", func(t *testing.T) {
		if _, err := routing.ParseWeights("price=1"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects composite as a component", func(t *testing.T) {
		if _, err := routing.ParseWeights("composite=1"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects zero sum", func(t *testing.T) {
		if _, err := routing.ParseWeights("cost=0"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		if _, err := routing.ParseWeights("cost"); err == nil {
			t.Fatal("expected error")
		}
	})
}
