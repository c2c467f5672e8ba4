package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

var errBoom = errors.New("boom")

func newFakeBreaker(cfg *Config) (*CircuitBreaker, *time.Time) {
	cb := New(cfg)
	now := time.Unix(1000, 0)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func fail(cb *CircuitBreaker) error    { return cb.Execute(func() error { return errBoom }) }
func succeed(cb *CircuitBreaker) error { return cb.Execute(func() error { return nil }) }

func TestTripsAtFailureThreshold(t *testing.T) {
	cb, _ := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: time.Minute, Window: time.Minute})

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}

	require.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenFailsFastWithoutInvoking(t *testing.T) {
	cb, _ := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 1, OpenTimeout: time.Minute, Window: time.Minute})
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked, "open circuit must not run the operation")
	assert.True(t, mesherr.HasCode(err, mesherr.CodeCircuitOpen))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Error(t, cb.Allow())
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	cb, now := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second, Window: time.Minute})
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(30 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Allow())

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is below the close threshold")

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())

	snap := cb.Snapshot()
	assert.Equal(t, 0, snap.FailureCount, "closing clears the failure record")
	assert.Equal(t, 0, snap.SuccessCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, now := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second, Window: time.Minute})
	require.Error(t, fail(cb))

	*now = now.Add(30 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// The reopen gets a fresh timeout.
	*now = now.Add(29 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	*now = now.Add(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	cb, now := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 3, OpenTimeout: time.Minute, Window: 10 * time.Second})

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	assert.Equal(t, StateClosed, cb.State())

	*now = now.Add(11 * time.Second)
	require.Error(t, fail(cb))
	assert.Equal(t, StateClosed, cb.State(), "stale failures fell out of the window")
	assert.Equal(t, 1, cb.Snapshot().FailureCount)
}

func TestSuccessDecrementsFailureCount(t *testing.T) {
	cb, _ := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 3, OpenTimeout: time.Minute, Window: time.Minute})

	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	assert.Equal(t, 2, cb.Snapshot().FailureCount)

	require.NoError(t, succeed(cb))
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, 0, cb.Snapshot().FailureCount, "failure count floors at zero")
}

func TestResetForcesClosed(t *testing.T) {
	cb, _ := newFakeBreaker(&Config{Name: "hook", FailureThreshold: 1, OpenTimeout: time.Hour, Window: time.Minute})
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
}

func TestOnStateChangeFires(t *testing.T) {
	type change struct{ from, to State }
	var changes []change

	cfg := &Config{
		Name:             "hook",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      10 * time.Second,
		Window:           time.Minute,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "hook", name)
			changes = append(changes, change{from, to})
		},
	}
	cb, now := newFakeBreaker(cfg)

	require.Error(t, fail(cb))
	*now = now.Add(10 * time.Second)
	require.NoError(t, succeed(cb))

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}

func TestDefaultsApplied(t *testing.T) {
	cb := New(nil)
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 2, cb.cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cb.cfg.OpenTimeout)
	assert.Equal(t, 60*time.Second, cb.cfg.Window)
}

func TestManagerCreatesPerTarget(t *testing.T) {
	m := NewManager(&Config{FailureThreshold: 1, OpenTimeout: time.Minute, Window: time.Minute})

	a := m.Get("hook-a")
	b := m.Get("hook-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("hook-a"))

	require.Error(t, a.Execute(func() error { return errBoom }))
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, StateClosed, b.State(), "breakers are independent per target")

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "OPEN", stats["hook-a"].State)
	assert.ElementsMatch(t, []string{"hook-a", "hook-b"}, m.List())

	m.Remove("hook-a")
	assert.Len(t, m.List(), 1)
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(&Config{Name: "hook", FailureThreshold: 1, OpenTimeout: time.Hour, Window: time.Minute})

	got, err := ExecuteWithFallback(cb, func() (string, error) {
		return "primary", nil
	}, func(error) (string, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", got)

	_, err = ExecuteWithFallback(cb, func() (string, error) {
		return "", errBoom
	}, func(e error) (string, error) {
		return "fallback", nil
	})
	require.NoError(t, err)

	// Now open: request must not run, fallback sees the circuit-open error.
	got, err = ExecuteWithFallback(cb, func() (string, error) {
		t.Fatal("request ran while circuit open")
		return "", nil
	}, func(e error) (string, error) {
		assert.True(t, mesherr.HasCode(e, mesherr.CodeCircuitOpen))
		return "fallback", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb := New(&Config{Name: "hook", FailureThreshold: 1, OpenTimeout: time.Hour, Window: time.Minute})

	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("kaboom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}
