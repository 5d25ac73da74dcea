package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(unbind, del time.Duration) (*Tracker, func()) {
	logger := logrus.NewEntry(logrus.New())
	tr := New(unbind, del, 20*time.Millisecond, logger)
	go tr.Run()
	return tr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	}
}

func TestRequireQueueCreatesActiveKey(t *testing.T) {
	tr, stop := newTestTracker(200*time.Millisecond, 200*time.Millisecond)
	defer stop()

	ctx := context.Background()
	gen, err := tr.RequireQueue(ctx, "42", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	state := <-sub
	status, ok := state.Status("42")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestGenerationIsMonotonic(t *testing.T) {
	tr, stop := newTestTracker(500*time.Millisecond, 500*time.Millisecond)
	defer stop()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	<-sub // initial empty state

	var lastGen uint64
	for i := 0; i < 5; i++ {
		gen, err := tr.RequireQueue(ctx, "a", 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, gen, lastGen)
		lastGen = gen
	}

	for i := 0; i < 5; i++ {
		state := <-sub
		assert.GreaterOrEqual(t, state.Generation, uint64(0))
	}
}

func TestRepeatedRequireWithoutTimeIsIdempotentOnStateShape(t *testing.T) {
	tr, stop := newTestTracker(time.Hour, time.Hour)
	defer stop()
	ctx := context.Background()

	_, err := tr.RequireQueue(ctx, "k", 0)
	require.NoError(t, err)
	_, err = tr.RequireQueue(ctx, "k", 0)
	require.NoError(t, err)
	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	first := <-sub
	require.Len(t, first.Targets, 1)
	status, ok := first.Status("k")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestIdleSpooldownTransitions(t *testing.T) {
	unbind := 40 * time.Millisecond
	del := 40 * time.Millisecond
	tr, stop := newTestTracker(unbind, del)
	defer stop()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	<-sub // initial

	_, err = tr.RequireQueue(ctx, "42", 0)
	require.NoError(t, err)

	// require publish
	state := <-sub
	status, ok := state.Status("42")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)

	// wait for unbind transition
	deadline := time.After(2 * time.Second)
	sawUnbound := false
	sawDeleted := false
	for !sawDeleted {
		select {
		case state := <-sub:
			status, ok := state.Status("42")
			if !ok {
				sawDeleted = true
				break
			}
			if status == StatusUnbound {
				sawUnbound = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for key to be deleted")
		}
	}
	assert.True(t, sawUnbound, "expected to observe Unbound before Deleted")
}

func TestRenewalCancelsSpooldown(t *testing.T) {
	unbind := 60 * time.Millisecond
	del := 60 * time.Millisecond
	tr, stop := newTestTracker(unbind, del)
	defer stop()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	<-sub

	_, err = tr.RequireQueue(ctx, "42", 0)
	require.NoError(t, err)
	<-sub // Active publish

	// Renew partway through the unbind window; this should push the
	// eventual delete further into the future than unbind+del from the
	// first require.
	time.Sleep(unbind / 2)
	_, err = tr.RequireQueue(ctx, "42", 0)
	require.NoError(t, err)
	<-sub // publish for the renewal

	renewedAt := time.Now()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sub:
			status, ok := state.Status("42")
			if !ok {
				elapsed := time.Since(renewedAt)
				// Must survive at least unbind+del from the renewal, minus
				// scheduler slack.
				assert.GreaterOrEqual(t, elapsed+30*time.Millisecond, unbind+del)
				return
			}
			_ = status
		case <-deadline:
			t.Fatal("timed out waiting for deletion")
		}
	}
}

func TestSubscriberDroppedWhenSlow(t *testing.T) {
	tr, stop := newTestTracker(10*time.Millisecond, 10*time.Millisecond)
	defer stop()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	<-sub // drain initial value; never read again, simulating a slow consumer

	for i := 0; i < subscriberBuffer+5; i++ {
		_, err := tr.RequireQueue(ctx, "spam", time.Duration(i)*time.Millisecond)
		require.NoError(t, err)
	}

	// The tracker must still be responsive for other callers even though
	// the slow subscriber above was dropped.
	gen, err := tr.RequireQueue(ctx, "other", 0)
	require.NoError(t, err)
	assert.Greater(t, gen, uint64(0))
}

func TestSeedStartsKeysUnboundAndSpoolsThemDown(t *testing.T) {
	unbind := 20 * time.Millisecond
	del := 20 * time.Millisecond
	tr, stop := newTestTracker(unbind, del)
	defer stop()
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	<-sub // initial

	require.NoError(t, tr.Seed(ctx, []string{"stale"}))

	state := <-sub
	status, ok := state.Status("stale")
	require.True(t, ok)
	assert.Equal(t, StatusUnbound, status, "seeded keys start Unbound, not Active")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sub:
			if _, ok := state.Status("stale"); !ok {
				return // deleted, as expected without a RequireQueue reclaiming it
			}
		case <-deadline:
			t.Fatal("timed out waiting for seeded key to be deleted")
		}
	}
}

func TestSeedLeavesAnAlreadyActiveKeyAlone(t *testing.T) {
	tr, stop := newTestTracker(200*time.Millisecond, 200*time.Millisecond)
	defer stop()
	ctx := context.Background()

	_, err := tr.RequireQueue(ctx, "42", 0)
	require.NoError(t, err)

	require.NoError(t, tr.Seed(ctx, []string{"42"}))

	sub, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	state := <-sub
	status, ok := state.Status("42")
	require.True(t, ok)
	assert.Equal(t, StatusActive, status, "seeding must not downgrade a key the tracker already wants")
}
