package queuecontroller

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osrd-project/osrdyne/internal/apperrors"
	"github.com/osrd-project/osrdyne/internal/keycodec"
	"github.com/osrd-project/osrdyne/internal/tracker"
)

const subscriberBuffer = 8

type subscribeMsg struct {
	respond chan (<-chan QueuesState)
}

type stopMsg struct {
	respond chan struct{}
}

type sweepMsg struct {
	respond chan struct{}
}

type taskResult struct {
	key    string
	status ObservedStatus
	err    error
}

// Controller is the actor implementing spec.md §4.5: it owns the set of
// in-flight per-key reconciliation tasks and publishes QueuesState on every
// observed change.
type Controller struct {
	ops       BrokerOps
	trackerCh <-chan tracker.TargetState
	logger    *logrus.Entry

	inbox chan any
}

// New constructs a Controller. Callers must invoke Run in its own goroutine
// before calling Subscribe, TriggerSweep, or Stop. Callers cannot set a
// key's status directly: queue changes follow the tracker feed, and
// TriggerSweep only re-applies the last target received from it.
func New(ops BrokerOps, trackerCh <-chan tracker.TargetState, logger *logrus.Entry) *Controller {
	return &Controller{
		ops:       ops,
		trackerCh: trackerCh,
		logger:    logger,
		inbox:     make(chan any, 16),
	}
}

// Subscribe returns a channel of QueuesState snapshots, starting with the
// current state.
func (c *Controller) Subscribe(ctx context.Context) (<-chan QueuesState, error) {
	respond := make(chan (<-chan QueuesState), 1)
	select {
	case c.inbox <- subscribeMsg{respond: respond}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ch := <-respond:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop requests orderly shutdown: every in-flight per-key task is canceled
// (best-effort, per spec.md §5 "Cancellation") and every subscriber channel
// is closed.
func (c *Controller) Stop(ctx context.Context) error {
	respond := make(chan struct{})
	select {
	case c.inbox <- stopMsg{respond: respond}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-respond:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerSweep forces a full reconciliation pass against the last-seen
// target state, re-spawning a per-key task for any key whose observed
// status has drifted from its desired status (spec.md §4.5 "periodic
// consistency sweep" — catches a queue deleted or bound out-of-band).
func (c *Controller) TriggerSweep(ctx context.Context) error {
	respond := make(chan struct{})
	select {
	case c.inbox <- sweepMsg{respond: respond}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-respond:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the actor loop. It must be started in its own goroutine and runs
// until Stop is called.
func (c *Controller) Run(ctx context.Context) {
	state := QueuesState{Keys: make(map[string]KeyObservation)}
	lastTarget := tracker.TargetState{Targets: make(map[string]tracker.QueueStatus)}

	cancels := make(map[string]context.CancelFunc)
	var wg sync.WaitGroup
	results := make(chan taskResult, 32)
	subscribers := make([]chan QueuesState, 0, 4)

	publish := func() {
		snapshot := state.clone()
		live := subscribers[:0]
		for _, sub := range subscribers {
			select {
			case sub <- snapshot:
				live = append(live, sub)
			default:
				c.logger.Warn("queue controller subscriber too slow, dropping")
				close(sub)
			}
		}
		subscribers = live
	}

	spawn := func(key string, target ObservedStatus) {
		if cancel, ok := cancels[key]; ok {
			cancel()
		}
		taskCtx, cancel := context.WithCancel(ctx)
		cancels[key] = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runUpdateTask(taskCtx, c.ops, key, target)
			select {
			case results <- taskResult{key: key, status: target, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	sweep := func() {
		for key := range mergedKeysFromState(lastTarget, state) {
			desired := desiredFromTarget(lastTarget, key)
			observed := ObservedNone
			if obs, ok := state.Keys[key]; ok {
				observed = obs.Status
			}
			if observed != desired {
				spawn(key, desired)
			}
		}
	}

	c.startupReconcile(ctx, &state, lastTarget, spawn)
	publish()

	for {
		select {
		case ts, ok := <-c.trackerCh:
			if !ok {
				c.trackerCh = nil
				continue
			}
			state.TargetGeneration = ts.Generation
			for key := range mergedKeys(lastTarget, ts) {
				oldDesired := desiredFromTarget(lastTarget, key)
				newDesired := desiredFromTarget(ts, key)
				if oldDesired != newDesired {
					spawn(key, newDesired)
				}
			}
			lastTarget = ts
			publish()

		case res := <-results:
			delete(cancels, res.key)
			if res.err != nil {
				if de, ok := res.err.(*apperrors.DispatchError); ok && de.Code == apperrors.CodeQueueNotEmpty {
					state.Keys[res.key] = KeyObservation{Status: ObservedDeleteRefused, Err: de.Error()}
					publish()
					continue
				}
				c.logger.WithError(res.err).WithField("key", res.key).Warn("per-key reconciliation task failed")
				continue
			}
			if res.status == ObservedNone {
				delete(state.Keys, res.key)
			} else {
				state.Keys[res.key] = KeyObservation{Status: res.status}
			}
			publish()

		case msg := <-c.inbox:
			switch m := msg.(type) {
			case subscribeMsg:
				sub := make(chan QueuesState, subscriberBuffer)
				sub <- state.clone()
				subscribers = append(subscribers, sub)
				m.respond <- sub
			case sweepMsg:
				sweep()
				m.respond <- struct{}{}
			case stopMsg:
				for _, cancel := range cancels {
					cancel()
				}
				wg.Wait()
				for _, sub := range subscribers {
					close(sub)
				}
				m.respond <- struct{}{}
				return
			}
		}
	}
}

// startupReconcile implements spec.md §4.5 "Startup": list queues and
// assume Unbound for every decoded key matching the prefix. The tracker is
// seeded with the same keys (see pool.Start / tracker.Seed) so a key that
// the real TargetState never re-claims spools down through the normal
// unbind_delay+delete_delay path instead of being orphaned forever.
func (c *Controller) startupReconcile(ctx context.Context, state *QueuesState, _ tracker.TargetState, spawn func(string, ObservedStatus)) {
	keys, err := ObservedKeys(ctx, c.ops, c.logger)
	if err != nil {
		c.logger.WithError(err).Error("startup queue listing failed, starting with empty observed state")
		return
	}
	for _, key := range keys {
		state.Keys[key] = KeyObservation{Status: ObservedUnbound}
	}
}

// ObservedKeys lists the broker's queues, keeps the ones owned by this
// pool's request-queue prefix, and decodes each name's suffix back into its
// raw key (spec.md §4.5 "Startup", original parse_key -> Key::decode).
// Queues whose suffix fails to decode are logged and skipped rather than
// treated as a fatal listing error.
func ObservedKeys(ctx context.Context, ops BrokerOps, logger *logrus.Entry) ([]string, error) {
	queues, err := ops.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	prefix := ops.Prefix()
	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		if prefix != "" && !strings.HasPrefix(q.Name, prefix) {
			continue
		}
		suffix := strings.TrimPrefix(q.Name, prefix)
		if suffix == q.Name {
			continue // no recognizable prefix; not ours
		}
		decoded, err := keycodec.Decode(suffix)
		if err != nil {
			logger.WithError(err).WithField("queue", q.Name).Warn("skipping queue with malformed key suffix")
			continue
		}
		keys = append(keys, string(decoded))
	}
	return keys, nil
}

func mergedKeys(a, b tracker.TargetState) map[string]struct{} {
	out := make(map[string]struct{}, len(a.Targets)+len(b.Targets))
	for k := range a.Targets {
		out[k] = struct{}{}
	}
	for k := range b.Targets {
		out[k] = struct{}{}
	}
	return out
}

func mergedKeysFromState(target tracker.TargetState, state QueuesState) map[string]struct{} {
	out := make(map[string]struct{}, len(target.Targets)+len(state.Keys))
	for k := range target.Targets {
		out[k] = struct{}{}
	}
	for k := range state.Keys {
		out[k] = struct{}{}
	}
	return out
}
