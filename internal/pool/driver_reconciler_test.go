package pool

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osrd-project/osrdyne/internal/driver"
	"github.com/osrd-project/osrdyne/internal/resilience"
	"github.com/osrd-project/osrdyne/internal/tracker"
)

func TestDriverReconcilerCreatesAndDestroysWorkers(t *testing.T) {
	d := driver.NewNoopDriver()
	r := newDriverReconciler(d, resilience.DefaultRetryConfig(), logrus.NewEntry(logrus.New()))

	trackerCh := make(chan tracker.TargetState, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.run(ctx, trackerCh)

	trackerCh <- tracker.TargetState{Generation: 1, Targets: map[string]tracker.QueueStatus{"a": tracker.StatusActive}}

	require.Eventually(t, func() bool {
		_, ok := r.workerFor("a")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	trackerCh <- tracker.TargetState{Generation: 2, Targets: map[string]tracker.QueueStatus{}}

	require.Eventually(t, func() bool {
		_, ok := r.workerFor("a")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	list, err := d.ListCorePools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
