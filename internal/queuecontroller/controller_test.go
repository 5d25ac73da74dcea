package queuecontroller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osrd-project/osrdyne/internal/apperrors"
	"github.com/osrd-project/osrdyne/internal/broker"
	"github.com/osrd-project/osrdyne/internal/tracker"
)

type fakeOps struct {
	mu       sync.Mutex
	prefix   string
	declared map[string]bool
	bound    map[string]bool
	deleted  map[string]bool
	refuse   map[string]bool // keys that refuse delete
	initial  []broker.Queue
}

func newFakeOps(prefix string) *fakeOps {
	return &fakeOps{
		prefix:   prefix,
		declared: map[string]bool{},
		bound:    map[string]bool{},
		deleted:  map[string]bool{},
		refuse:   map[string]bool{},
	}
}

func (f *fakeOps) Prefix() string { return f.prefix }

func (f *fakeOps) ListQueues(_ context.Context) ([]broker.Queue, error) {
	return f.initial, nil
}

func (f *fakeOps) DeclareRequestQueue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[key] = true
	return nil
}

func (f *fakeOps) BindRequestQueue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[key] = true
	return nil
}

func (f *fakeOps) UnbindRequestQueue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[key] = false
	return nil
}

func (f *fakeOps) DeleteRequestQueue(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[key] {
		return apperrors.QueueNotEmpty(key)
	}
	f.deleted[key] = true
	delete(f.declared, key)
	return nil
}

func (f *fakeOps) SetExchangePolicy(_ context.Context) error { return nil }
func (f *fakeOps) SetQueuePolicy(_ context.Context) error    { return nil }
func (f *fakeOps) RemoveQueuePolicy(_ context.Context) error { return nil }

func (f *fakeOps) isBound(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[key]
}

func waitForKeyStatus(t *testing.T, sub <-chan QueuesState, key string, want ObservedStatus) QueuesState {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sub:
			if obs, ok := state.Status(key); ok && obs.Status == want {
				return state
			}
		case <-deadline:
			t.Fatalf("timed out waiting for key %q to reach status %v", key, want)
		}
	}
}

func TestControllerActivatesNewTargetKey(t *testing.T) {
	ops := newFakeOps("pool-req-")
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	<-sub // initial empty snapshot

	trackerCh <- tracker.TargetState{Generation: 1, Targets: map[string]tracker.QueueStatus{"alpha": tracker.StatusActive}}

	state := waitForKeyStatus(t, sub, "alpha", ObservedActive)
	assert.Equal(t, uint64(1), state.TargetGeneration)
	assert.True(t, ops.isBound("alpha"))
}

func TestControllerUnbindsThenDeletesRemovedKey(t *testing.T) {
	ops := newFakeOps("pool-req-")
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	<-sub

	trackerCh <- tracker.TargetState{Generation: 1, Targets: map[string]tracker.QueueStatus{"beta": tracker.StatusActive}}
	waitForKeyStatus(t, sub, "beta", ObservedActive)

	trackerCh <- tracker.TargetState{Generation: 2, Targets: map[string]tracker.QueueStatus{}}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sub:
			if _, ok := state.Status("beta"); !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for key to be removed from observed state")
		}
	}
}

func TestControllerReportsDeleteRefused(t *testing.T) {
	ops := newFakeOps("pool-req-")
	ops.refuse["gamma"] = true
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	<-sub

	trackerCh <- tracker.TargetState{Generation: 1, Targets: map[string]tracker.QueueStatus{"gamma": tracker.StatusActive}}
	waitForKeyStatus(t, sub, "gamma", ObservedActive)

	trackerCh <- tracker.TargetState{Generation: 2, Targets: map[string]tracker.QueueStatus{}}

	waitForKeyStatus(t, sub, "gamma", ObservedDeleteRefused)
}

func TestControllerStartupAssumesUnboundForExistingQueues(t *testing.T) {
	ops := newFakeOps("pool-req-")
	ops.initial = []broker.Queue{{Name: "pool-req-deadbeef", Vhost: "/"}}
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	initial := <-sub
	obs, ok := initial.Status("deadbeef")
	require.True(t, ok)
	assert.Equal(t, ObservedUnbound, obs.Status)
}

func TestControllerStartupDecodesPercentEncodedQueueSuffixes(t *testing.T) {
	ops := newFakeOps("pool-req-")
	ops.initial = []broker.Queue{{Name: "pool-req-infra%2F1", Vhost: "/"}}
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	initial := <-sub
	obs, ok := initial.Status("infra/1")
	require.True(t, ok)
	assert.Equal(t, ObservedUnbound, obs.Status)
}

func TestControllerSweepRetriesADeleteThatEarlierRefused(t *testing.T) {
	ops := newFakeOps("pool-req-")
	ops.refuse["delta"] = true
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	<-sub

	trackerCh <- tracker.TargetState{Generation: 1, Targets: map[string]tracker.QueueStatus{"delta": tracker.StatusActive}}
	waitForKeyStatus(t, sub, "delta", ObservedActive)

	trackerCh <- tracker.TargetState{Generation: 2, Targets: map[string]tracker.QueueStatus{}}
	waitForKeyStatus(t, sub, "delta", ObservedDeleteRefused)

	// The queue has since drained; clear the refusal and force a sweep
	// instead of waiting for another target change to retry the delete.
	ops.mu.Lock()
	ops.refuse["delta"] = false
	ops.mu.Unlock()

	require.NoError(t, ctrl.TriggerSweep(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sub:
			if _, ok := state.Status("delta"); !ok {
				ops.mu.Lock()
				assert.True(t, ops.deleted["delta"])
				ops.mu.Unlock()
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for swept delete to complete")
		}
	}
}

func TestControllerStopClosesSubscribers(t *testing.T) {
	ops := newFakeOps("pool-req-")
	trackerCh := make(chan tracker.TargetState, 4)
	ctrl := New(ops, trackerCh, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	sub, err := ctrl.Subscribe(context.Background())
	require.NoError(t, err)
	<-sub

	require.NoError(t, ctrl.Stop(context.Background()))

	_, stillOpen := <-sub
	assert.False(t, stillOpen)
}
