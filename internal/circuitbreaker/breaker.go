// Package circuitbreaker stops hammering a failing ledger RPC method.
// Each key (a contract method) trips independently.
package circuitbreaker

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "voucherescrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes by RPC method and target state.",
}, []string{"method", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long a circuit stays open before one probe is allowed.
	Cooldown time.Duration
	// Counts decides whether an error is a failure. Nil counts every error.
	Counts func(error) bool
}

type circuit struct {
	state    State
	failures int
	since    time.Time
	probing  bool
}

// Breaker holds one circuit per key.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker. Threshold defaults to 5 and Cooldown to 30s.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now, circuits: make(map[string]*circuit)}
}

// Do runs fn unless the circuit for key is open, and records its outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.admit(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err)
	return err
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.since) < b.cfg.Cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

func (b *Breaker) record(key string, err error) {
	failed := err != nil && (b.cfg.Counts == nil || b.cfg.Counts(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		if !failed {
			return
		}
		c = &circuit{state: StateClosed, since: b.now()}
		b.circuits[key] = c
	}
	c.probing = false

	if !failed {
		c.failures = 0
		b.move(key, c, StateClosed)
		return
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.cfg.Threshold {
		b.move(key, c, StateOpen)
	}
}

// Caller holds b.mu.
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	c.since = b.now()
	transitions.WithLabelValues(key, string(to)).Inc()
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// KeyState describes one circuit.
type KeyState struct {
	Key      string    `json:"method"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	Since    time.Time `json:"since"`
}

// Snapshot lists every circuit that has seen a failure, sorted by key.
func (b *Breaker) Snapshot() []KeyState {
	b.mu.Lock()
	out := make([]KeyState, 0, len(b.circuits))
	for k, c := range b.circuits {
		out = append(out, KeyState{Key: k, State: c.state, Failures: c.failures, Since: c.since})
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(a, b KeyState) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Open lists the keys whose circuit is currently open.
func (b *Breaker) Open() []string {
	var keys []string
	for _, ks := range b.Snapshot() {
		if ks.State == StateOpen {
			keys = append(keys, ks.Key)
		}
	}
	return keys
}
