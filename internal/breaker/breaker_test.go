package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploitwatch/internal/incident"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := NewRegistry(cfg, WithClock(clock.Now))
	return reg.Get("src"), clock
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Config{ConsecutiveFailures: 3, WindowFailures: 100, Window: time.Hour, CooldownBase: time.Minute})

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	}
	assert.Equal(t, Open, b.State())

	var calls int
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, incident.ErrSourceUnavailable)
	assert.Zero(t, calls, "open breaker must not invoke the fetcher")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{ConsecutiveFailures: 3, WindowFailures: 100, Window: time.Hour, CooldownBase: time.Minute})

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	require.NoError(t, b.Execute(context.Background(), succeed))
	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.Health().ConsecutiveFailures)
}

func TestOpensOnRollingWindow(t *testing.T) {
	b, clock := newTestBreaker(t, Config{ConsecutiveFailures: 10, WindowFailures: 3, Window: time.Minute, CooldownBase: time.Minute})

	_ = b.Execute(context.Background(), fail)
	clock.Advance(10 * time.Second)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, Closed, b.State())

	clock.Advance(2 * time.Minute)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, Closed, b.State(), "old failures fall out of the window")

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenAfterCooldownClosesOnSuccess(t *testing.T) {
	b, clock := newTestBreaker(t, Config{ConsecutiveFailures: 1, WindowFailures: 10, Window: time.Hour, CooldownBase: time.Minute, CooldownMax: time.Hour})

	_ = b.Execute(context.Background(), fail)
	require.Equal(t, Open, b.State())

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), incident.ErrSourceUnavailable)

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Health().ConsecutiveFailures)
	assert.Equal(t, clock.Now(), b.Health().LastSuccess)
}

func TestFailedTrialBacksOffExponentially(t *testing.T) {
	b, clock := newTestBreaker(t, Config{ConsecutiveFailures: 1, WindowFailures: 10, Window: time.Hour, CooldownBase: time.Minute, CooldownMax: 3 * time.Minute})

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, time.Minute, b.Health().Cooldown)

	clock.Advance(time.Minute)
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 2*time.Minute, b.Health().Cooldown)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), incident.ErrSourceUnavailable)

	clock.Advance(time.Minute)
	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, 3*time.Minute, b.Health().Cooldown, "cool-down is capped")

	clock.Advance(3 * time.Minute)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, time.Minute, b.Health().Cooldown, "closing resets the backoff")
}

func TestHalfOpenAdmitsSingleTrialUnderConcurrency(t *testing.T) {
	b, clock := newTestBreaker(t, Config{ConsecutiveFailures: 1, WindowFailures: 10, Window: time.Hour, CooldownBase: time.Minute})

	_ = b.Execute(context.Background(), fail)
	clock.Advance(2 * time.Minute)

	release := make(chan struct{})
	var invoked atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := b.Execute(context.Background(), func(context.Context) error {
				invoked.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, incident.ErrSourceUnavailable) {
				rejected.Add(1)
			}
		}()
	}

	close(start)
	require.Eventually(t, func() bool { return invoked.Load() == 1 && rejected.Load() == 49 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, int32(49), rejected.Load())
	assert.Equal(t, Closed, b.State())
}

func TestLateSuccessFromClosedCallLeavesTrialInCharge(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, Config{ConsecutiveFailures: 1, WindowFailures: 10, Window: time.Hour, CooldownBase: time.Minute})

	lateStarted, lateRelease := make(chan struct{}), make(chan struct{})
	lateDone := make(chan error, 1)
	go func() {
		lateDone <- b.Execute(ctx, func(context.Context) error {
			close(lateStarted)
			<-lateRelease
			return nil
		})
	}()
	<-lateStarted

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	require.Equal(t, Open, b.State())
	clock.Advance(2 * time.Minute)

	trialStarted, trialRelease := make(chan struct{}), make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(ctx, func(context.Context) error {
			close(trialStarted)
			<-trialRelease
			return errBoom
		})
	}()
	<-trialStarted
	require.Equal(t, HalfOpen, b.State())

	close(lateRelease)
	require.NoError(t, <-lateDone)
	assert.Equal(t, HalfOpen, b.State(), "a call admitted before opening must not close the breaker")
	assert.ErrorIs(t, b.Execute(ctx, succeed), incident.ErrSourceUnavailable, "the trial is still in flight")

	close(trialRelease)
	require.ErrorIs(t, <-trialDone, errBoom)
	assert.Equal(t, Open, b.State())
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(t, Config{ConsecutiveFailures: 1, WindowFailures: 10, Window: time.Hour, CooldownBase: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Health().ConsecutiveFailures)
}

func TestDoKeepsPartialValue(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultConfig())

	got, err := Do(context.Background(), b, func(context.Context) ([]int, error) {
		return []int{1, 2}, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []int{1, 2}, got)
}

func TestRegistrySharesBreakersAndAppliesOverrides(t *testing.T) {
	var transitions []string
	reg := NewRegistry(DefaultConfig(), WithStateChange(func(source string, from, to State) {
		transitions = append(transitions, source+":"+from.String()+"->"+to.String())
	}))
	reg.Configure("flaky", Config{ConsecutiveFailures: 1})

	assert.Same(t, reg.Get("flaky"), reg.Get("flaky"))

	_ = reg.Get("flaky").Execute(context.Background(), fail)
	_ = reg.Get("steady").Execute(context.Background(), fail)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "flaky", snaps[0].Source)
	assert.Equal(t, Open, snaps[0].State)
	assert.Equal(t, Closed, snaps[1].State)
	assert.Equal(t, []string{"flaky:closed->open"}, transitions)
}
