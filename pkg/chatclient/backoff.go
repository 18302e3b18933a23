package chatclient

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default reconnect delays.
const (
	DefaultBaseDelay = 3 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Backoff produces randomized reconnect delays that never shrink between
// consecutive failures and never exceed the cap. Reset returns it to the
// base delay.
type Backoff struct {
	mu   sync.Mutex
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	last time.Duration
}

// NewBackoff creates a backoff escalating from base to max.
func NewBackoff(base, max time.Duration) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.RandomizationFactor = 0.5
	exp.Multiplier = 2
	exp.MaxInterval = max
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{exp: exp, max: max}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	// Jitter must not undo escalation.
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset is called after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.exp.Reset()
	b.last = 0
	b.mu.Unlock()
}
