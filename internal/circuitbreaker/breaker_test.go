package circuitbreaker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDial   = errors.New("dial tcp: connection refused")
	errRevert = errors.New("execution reverted")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(cfg)
	b.now = clk.now
	return b, clk
}

func fail(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(key, func() error { return errDial })
	}
}

func ok() error { return nil }

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, Cooldown: time.Minute})

	fail(b, "getListing", 2)
	assert.NoError(t, b.Do("getListing", ok), "below threshold")

	fail(b, "getListing", 3)
	calls := 0
	err := b.Do("getListing", func() error { calls++; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "open circuit must not call through")
	assert.Equal(t, StateOpen, b.State("getListing"))
}

func TestBreaker_CooldownAdmitsSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 2, Cooldown: time.Minute})
	fail(b, "admin", 2)

	clk.advance(59 * time.Second)
	assert.ErrorIs(t, b.Do("admin", ok), ErrOpen)

	clk.advance(time.Second)
	probe := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Do("admin", func() error { <-probe; return nil })
	}()
	require.Eventually(t, func() bool { return b.State("admin") == StateHalfOpen }, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Do("admin", ok), ErrOpen, "second call while probing")

	close(probe)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State("admin"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 1, Cooldown: time.Second})
	fail(b, "nextListingId", 1)
	clk.advance(time.Second)

	assert.ErrorIs(t, b.Do("nextListingId", func() error { return errDial }), errDial)
	assert.Equal(t, StateOpen, b.State("nextListingId"))
	assert.ErrorIs(t, b.Do("nextListingId", ok), ErrOpen, "cooldown restarts after a failed probe")
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, Cooldown: time.Minute})
	fail(b, "getListing", 2)
	require.NoError(t, b.Do("getListing", ok))
	fail(b, "getListing", 2)
	assert.Equal(t, StateClosed, b.State("getListing"))
}

func TestBreaker_CountsFilter(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Threshold: 1,
		Cooldown:  time.Minute,
		Counts:    func(err error) bool { return !errors.Is(err, errRevert) },
	})
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do("getListing", func() error { return errRevert }), errRevert)
	}
	assert.Equal(t, StateClosed, b.State("getListing"))
	assert.Empty(t, b.Snapshot(), "ignored errors create no circuit")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 1, Cooldown: time.Minute})
	fail(b, "getListing", 1)
	assert.ErrorIs(t, b.Do("getListing", ok), ErrOpen)
	assert.NoError(t, b.Do("admin", ok))
	assert.Equal(t, StateClosed, b.State("unknown"))
	assert.Equal(t, []string{"getListing"}, b.Open())
}

func TestBreaker_Snapshot(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 2, Cooldown: time.Minute})
	fail(b, "getListing", 2)
	fail(b, "admin", 1)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "admin", snap[0].Key)
	assert.Equal(t, StateClosed, snap[0].State)
	assert.Equal(t, 1, snap[0].Failures)
	assert.Equal(t, KeyState{Key: "getListing", State: StateOpen, Failures: 2, Since: clk.t}, snap[1])

	raw, err := json.Marshal(snap[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"method":"getListing","state":"open","failures":2`)
}

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, 5, b.cfg.Threshold)
	assert.Equal(t, 30*time.Second, b.cfg.Cooldown)
}
