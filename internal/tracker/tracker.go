// Package tracker implements the target tracker actor (spec.md §4.2): the
// single source of truth for "what state ought each key's queue be in right
// now", computed from a stream of require-queue events and the passage of
// time.
//
// The tracker is a single-threaded actor: one inbound mailbox, one timer,
// no shared mutable state crosses its goroutine boundary. All output is by
// message reply or by a per-subscriber channel carrying TargetState
// snapshots.
package tracker

import (
	"container/heap"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// QueueStatus is the total ordering Active < Unbound (spec.md §3). The
// implicit third state, Deleted, is represented by the key's absence from a
// TargetState.
type QueueStatus int

const (
	StatusActive QueueStatus = iota
	StatusUnbound
)

func (s QueueStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusUnbound:
		return "Unbound"
	default:
		return "Unknown"
	}
}

// TargetState is the tracker's sole output: an ordered mapping of Key to
// QueueStatus plus a monotonic GenerationId (spec.md §3).
type TargetState struct {
	Generation uint64
	Targets    map[string]QueueStatus
}

// Status returns the status of key and whether it is present.
func (s TargetState) Status(key string) (QueueStatus, bool) {
	st, ok := s.Targets[key]
	return st, ok
}

func (s TargetState) clone() TargetState {
	cp := make(map[string]QueueStatus, len(s.Targets))
	for k, v := range s.Targets {
		cp[k] = v
	}
	return TargetState{Generation: s.Generation, Targets: cp}
}

// queueRecord is the tracker-internal per-key bookkeeping (spec.md §3
// QueueRecord).
type queueRecord struct {
	key           string
	scheduleStart time.Time
	status        QueueStatus
	// version invalidates stale heap entries scheduled before the most
	// recent RequireQueue for this key.
	version uint64
}

func (r *queueRecord) unboundAt(unbindDelay time.Duration) time.Time {
	return r.scheduleStart.Add(unbindDelay)
}

func (r *queueRecord) deletedAt(unbindDelay, deleteDelay time.Duration) time.Time {
	return r.unboundAt(unbindDelay).Add(deleteDelay)
}

// Tracker is the target tracker actor. Construct with New and start its
// loop with Run; interact with RequireQueue, Subscribe, and Stop, all of
// which are safe to call concurrently from any goroutine.
type Tracker struct {
	unbindDelay      time.Duration
	deleteDelay      time.Duration
	timeoutAllowance time.Duration

	logger *logrus.Entry

	inbox chan any
}

type requireQueueMsg struct {
	key     string
	extra   time.Duration
	respond chan uint64
}

type subscribeMsg struct {
	respond chan (<-chan TargetState)
}

type stopMsg struct {
	respond chan struct{}
}

type seedMsg struct {
	keys    []string
	respond chan struct{}
}

// subscriberBuffer is how many updates a slow subscriber may lag by before
// the tracker drops it, per spec.md §4.2 failure semantics.
const subscriberBuffer = 8

// New constructs a Tracker. Call Run in its own goroutine to start the
// actor loop.
func New(unbindDelay, deleteDelay, timeoutAllowance time.Duration, logger *logrus.Entry) *Tracker {
	if timeoutAllowance <= 0 {
		timeoutAllowance = time.Second
	}
	return &Tracker{
		unbindDelay:      unbindDelay,
		deleteDelay:      deleteDelay,
		timeoutAllowance: timeoutAllowance,
		logger:           logger,
		inbox:            make(chan any),
	}
}

// RequireQueue marks key as needed for at least extra beyond the default
// lifetime, returning the resulting GenerationId (spec.md §4.2).
func (t *Tracker) RequireQueue(ctx context.Context, key string, extra time.Duration) (uint64, error) {
	respond := make(chan uint64, 1)
	msg := requireQueueMsg{key: key, extra: extra, respond: respond}
	select {
	case t.inbox <- msg:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case gen := <-respond:
		return gen, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Seed registers keys observed at startup (e.g. request queues left behind
// by a prior process incarnation) as already Unbound, so that unless a
// RequireQueue reclaims one it spools down through the normal
// unbind_delay+delete_delay path instead of lingering forever (spec.md §4.5
// "Startup", original TargetTracker::new(initial_time, initial_worker_ids,
// ...)). Keys already present in the tracker are left untouched.
func (t *Tracker) Seed(ctx context.Context, keys []string) error {
	respond := make(chan struct{})
	msg := seedMsg{keys: keys, respond: respond}
	select {
	case t.inbox <- msg:
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

// Subscribe returns a channel carrying the current TargetState followed by
// every subsequent update. The channel is closed if the tracker stops.
func (t *Tracker) Subscribe(ctx context.Context) (<-chan TargetState, error) {
	respond := make(chan (<-chan TargetState), 1)
	msg := subscribeMsg{respond: respond}
	select {
	case t.inbox <- msg:
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

// Stop shuts the tracker down: it closes every subscriber channel and
// returns. Messages not yet received from the inbox are not processed.
func (t *Tracker) Stop(ctx context.Context) error {
	respond := make(chan struct{})
	msg := stopMsg{respond: respond}
	select {
	case t.inbox <- msg:
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

// Run executes the tracker's actor loop until Stop is called. It must run
// in its own goroutine.
func (t *Tracker) Run() {
	records := make(map[string]*queueRecord)
	sched := newScheduleHeap()
	var subscribers []chan TargetState
	var generation uint64

	publish := func() {
		state := t.snapshot(records, generation)
		for i := 0; i < len(subscribers); {
			sub := subscribers[i]
			select {
			case sub <- state.clone():
				i++
			default:
				close(sub)
				subscribers = append(subscribers[:i], subscribers[i+1:]...)
			}
		}
	}

	for {
		var timerC <-chan time.Time
		if sched.Len() > 0 {
			d := time.Until(sched.Peek().deadline) + t.timeoutAllowance
			if d < 0 {
				d = 0
			}
			timerC = time.After(d)
		}

		select {
		case raw := <-t.inbox:
			switch msg := raw.(type) {
			case requireQueueMsg:
				generation = t.applyRequire(records, sched, msg.key, msg.extra, generation)
				msg.respond <- generation
				publish()

			case subscribeMsg:
				ch := make(chan TargetState, subscriberBuffer)
				ch <- t.snapshot(records, generation).clone()
				subscribers = append(subscribers, ch)
				msg.respond <- ch

			case seedMsg:
				if t.applySeed(records, sched, msg.keys) {
					generation++
					publish()
				}
				msg.respond <- struct{}{}

			case stopMsg:
				for _, sub := range subscribers {
					close(sub)
				}
				msg.respond <- struct{}{}
				return
			}

		case <-timerC:
			now := time.Now()
			mutated := false
			for sched.Len() > 0 && !sched.Peek().deadline.After(now) {
				entry := heap.Pop(sched).(*scheduleEntry)
				rec, ok := records[entry.key]
				if !ok || rec.version != entry.version {
					continue // stale entry, superseded by a later RequireQueue
				}
				if t.applyTransition(records, sched, rec, now) {
					generation++
					mutated = true
				}
			}
			if mutated {
				publish()
			}
		}
	}
}

func (t *Tracker) snapshot(records map[string]*queueRecord, generation uint64) TargetState {
	targets := make(map[string]QueueStatus, len(records))
	for k, r := range records {
		targets[k] = r.status
	}
	return TargetState{Generation: generation, Targets: targets}
}

// applyRequire implements spec.md §4.2's RequireQueue algorithm.
func (t *Tracker) applyRequire(records map[string]*queueRecord, sched *scheduleHeap, key string, extra time.Duration, generation uint64) uint64 {
	now := time.Now()
	rec, exists := records[key]
	if !exists {
		rec = &queueRecord{key: key}
		records[key] = rec
	}
	rec.scheduleStart = now.Add(extra)
	rec.status = StatusActive
	rec.version++

	heap.Push(sched, &scheduleEntry{
		key:      key,
		deadline: rec.unboundAt(t.unbindDelay),
		version:  rec.version,
	})

	return generation + 1
}

// applySeed inserts a queueRecord already in StatusUnbound for every key not
// already tracked, with scheduleStart = now, so its deletedAt deadline lies
// unbind_delay+delete_delay ahead. It returns true if any record was added.
func (t *Tracker) applySeed(records map[string]*queueRecord, sched *scheduleHeap, keys []string) bool {
	mutated := false
	now := time.Now()
	for _, key := range keys {
		if _, exists := records[key]; exists {
			continue
		}
		rec := &queueRecord{
			key:           key,
			scheduleStart: now,
			status:        StatusUnbound,
			version:       1,
		}
		records[key] = rec
		heap.Push(sched, &scheduleEntry{
			key:      key,
			deadline: rec.deletedAt(t.unbindDelay, t.deleteDelay),
			version:  rec.version,
		})
		mutated = true
	}
	return mutated
}

// applyTransition recomputes rec's expected status from its scheduleStart
// and walks it forward one step, per spec.md §4.2's timer algorithm. It
// returns true if a mutation occurred.
func (t *Tracker) applyTransition(records map[string]*queueRecord, sched *scheduleHeap, rec *queueRecord, now time.Time) bool {
	deletedAt := rec.deletedAt(t.unbindDelay, t.deleteDelay)
	if !now.Before(deletedAt) {
		delete(records, rec.key)
		return true
	}

	unboundAt := rec.unboundAt(t.unbindDelay)
	if !now.Before(unboundAt) {
		mutated := rec.status != StatusUnbound
		rec.status = StatusUnbound
		rec.version++
		heap.Push(sched, &scheduleEntry{key: rec.key, deadline: deletedAt, version: rec.version})
		return mutated
	}

	// Should not normally be reached (the entry fired for unboundAt), but
	// reschedule defensively rather than drop the key silently.
	rec.version++
	heap.Push(sched, &scheduleEntry{key: rec.key, deadline: unboundAt, version: rec.version})
	return false
}
