package chatclient

import (
	"testing"
	"time"
)

func TestBackoffEscalatesToCap(t *testing.T) {
	b := NewBackoff(DefaultBaseDelay, DefaultMaxDelay)

	first := b.Next()
	if first < DefaultBaseDelay/2 || first > DefaultBaseDelay*3/2+time.Millisecond {
		t.Errorf("first delay = %v, want within jitter of %v", first, DefaultBaseDelay)
	}

	prev := first
	for i := 0; i < 40; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrank from %v", i, d, prev)
		}
		if d > DefaultMaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if prev != DefaultMaxDelay {
		t.Errorf("delay after many failures = %v, want %v", prev, DefaultMaxDelay)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()

	if d := b.Next(); d < 50*time.Millisecond || d > 151*time.Millisecond {
		t.Errorf("delay after reset = %v, want near base", d)
	}
}
