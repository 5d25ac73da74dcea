package pool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/driver"
	"github.com/osrd-project/osrdyne/internal/resilience"
	"github.com/osrd-project/osrdyne/internal/tracker"
)

// driverReconciler is the sibling of queuecontroller.Controller that keeps
// the worker lifecycle driver in sync with the tracker's TargetState: it
// creates a worker for every key the tracker wants (Active or Unbound — a
// key mid-spooldown still needs its worker, only its queue binding
// changes) and destroys the worker for every key the tracker drops.
// spec.md §4.7 describes worker_status as combining the tracker's target,
// the controller's observed status, and "the driver's list" — this
// reconciler is what keeps that list current.
type driverReconciler struct {
	d          driver.Driver
	retryCfg   resilience.RetryConfig
	logger     *logrus.Entry
	mu         sync.RWMutex
	workers    map[string]uuid.UUID
	lastTarget map[string]struct{}
	onError    func()
}

// OnError registers a hook invoked on every failed driver operation, so
// callers can wire a metrics counter without this package depending on the
// metrics package.
func (r *driverReconciler) OnError(hook func()) {
	r.onError = hook
}

func newDriverReconciler(d driver.Driver, retryCfg resilience.RetryConfig, logger *logrus.Entry) *driverReconciler {
	return &driverReconciler{
		d:          d,
		retryCfg:   retryCfg,
		logger:     logger,
		workers:    make(map[string]uuid.UUID),
		lastTarget: make(map[string]struct{}),
	}
}

func (r *driverReconciler) workerFor(key string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.workers[key]
	return id, ok
}

// run consumes tracker target snapshots and reconciles the driver's worker
// inventory against them until ctx is canceled or trackerCh closes.
func (r *driverReconciler) run(ctx context.Context, trackerCh <-chan tracker.TargetState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ts, ok := <-trackerCh:
			if !ok {
				return
			}
			r.reconcile(ctx, ts)
		}
	}
}

func (r *driverReconciler) reconcile(ctx context.Context, ts tracker.TargetState) {
	wanted := make(map[string]struct{}, len(ts.Targets))
	for key := range ts.Targets {
		wanted[key] = struct{}{}
	}

	for key := range wanted {
		if _, exists := r.workerFor(key); exists {
			continue
		}
		go r.createWorker(ctx, key)
	}

	r.mu.RLock()
	var toRemove []string
	for key := range r.workers {
		if _, stillWanted := wanted[key]; !stillWanted {
			toRemove = append(toRemove, key)
		}
	}
	r.mu.RUnlock()

	for _, key := range toRemove {
		go r.destroyWorker(ctx, key)
	}
}

func (r *driverReconciler) createWorker(ctx context.Context, key string) {
	var id uuid.UUID
	err := resilience.Retry(ctx, r.retryCfg, func() error {
		created, createErr := r.d.GetOrCreateCorePool(ctx, key)
		if createErr != nil {
			return createErr
		}
		id = created
		return nil
	})
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Error("failed to create worker after retries")
		if r.onError != nil {
			r.onError()
		}
		return
	}
	r.mu.Lock()
	r.workers[key] = id
	r.mu.Unlock()
}

func (r *driverReconciler) destroyWorker(ctx context.Context, key string) {
	err := resilience.Retry(ctx, r.retryCfg, func() error {
		return r.d.DestroyCorePool(ctx, key)
	})
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("failed to destroy worker after retries")
		if r.onError != nil {
			r.onError()
		}
		return
	}
	r.mu.Lock()
	delete(r.workers, key)
	r.mu.Unlock()
}
