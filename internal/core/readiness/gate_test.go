package readiness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guildstats/internal/adapters/sourcetest"
	"guildstats/internal/domain"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSource() *sourcetest.Source {
	return sourcetest.New(domain.Guild{ID: "1", Name: "Guild", MemberCount: 10})
}

func newGate(src domain.GuildStatsSource, timeout, cooldown time.Duration) *Gate {
	return NewGate(src, timeout, cooldown, logger.Nop(), metrics.New(nil))
}

func TestEnsure_SingleFlight(t *testing.T) {
	src := newSource().ConnectDelay(50 * time.Millisecond)
	gate := newGate(src, time.Second, 0)

	const callers = 25
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- gate.Ensure(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, src.ConnectCalls())
}

func TestEnsure_AlreadyReadySkipsConnect(t *testing.T) {
	src := newSource()
	src.SetReady(true)
	gate := newGate(src, time.Second, 0)

	require.NoError(t, gate.Ensure(context.Background()))
	require.NoError(t, gate.Ensure(context.Background()))
	assert.Equal(t, 0, src.ConnectCalls())
}

func TestEnsure_MemoizesReadiness(t *testing.T) {
	src := newSource()
	gate := newGate(src, time.Second, 0)

	require.NoError(t, gate.Ensure(context.Background()))
	require.NoError(t, gate.Ensure(context.Background()))
	assert.Equal(t, 1, src.ConnectCalls())
}

func TestEnsure_Timeout(t *testing.T) {
	src := newSource().NeverReady()
	m := metrics.New(nil)
	gate := NewGate(src, 50*time.Millisecond, time.Hour, logger.Nop(), m)

	start := time.Now()
	err := gate.Ensure(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	var connErr *domain.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "timeout", connErr.Reason)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReadinessAttempts.WithLabelValues("timeout")))
}

func TestEnsure_ConnectErrorIsConnectionError(t *testing.T) {
	authErr := errors.New("401 unauthorized")
	src := newSource().FailConnect(authErr)
	gate := newGate(src, time.Second, time.Hour)

	err := gate.Ensure(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, err, authErr)
}

func TestEnsure_CooldownThenRetry(t *testing.T) {
	src := newSource().FailConnect(errors.New("gateway down"))
	gate := newGate(src, time.Second, time.Minute)

	now := time.Now()
	gate.now = func() time.Time { return now }

	require.Error(t, gate.Ensure(context.Background()))
	require.Error(t, gate.Ensure(context.Background()))
	assert.Equal(t, 1, src.ConnectCalls(), "failure is cached during cooldown")

	now = now.Add(2 * time.Minute)
	src.FailConnect(nil)

	require.NoError(t, gate.Ensure(context.Background()))
	assert.Equal(t, 2, src.ConnectCalls())
}

func TestEnsure_AbandonedWaitKeepsSharedAttempt(t *testing.T) {
	src := newSource().ConnectDelay(100 * time.Millisecond)
	gate := newGate(src, time.Second, 0)

	shortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	patient := make(chan error, 1)
	go func() {
		patient <- gate.Ensure(context.Background())
	}()

	err := gate.Ensure(shortCtx)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case err := <-patient:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shared attempt did not complete")
	}
	assert.Equal(t, 1, src.ConnectCalls())
}

func TestOnFirstReady(t *testing.T) {
	src := newSource()
	gate := newGate(src, time.Second, 0)

	var before atomic.Int32
	gate.OnFirstReady(func() { before.Add(1) })

	require.NoError(t, gate.Ensure(context.Background()))
	require.NoError(t, gate.Ensure(context.Background()))
	assert.Equal(t, int32(1), before.Load())

	var after atomic.Int32
	gate.OnFirstReady(func() { after.Add(1) })
	assert.Equal(t, int32(1), after.Load())
}
