// Package queuecontroller reconciles concrete broker state — per-key
// request queues — against the target tracker's published TargetState
// (spec.md §4.5). It is the only component allowed to declare, bind,
// unbind, or delete request queues.
package queuecontroller

import "github.com/osrd-project/osrdyne/internal/tracker"

// ObservedStatus is the queue controller's view of one key's broker-side
// reconciliation state.
type ObservedStatus int

const (
	ObservedNone ObservedStatus = iota
	ObservedUnbound
	ObservedActive
	ObservedDeleteRefused
)

func (s ObservedStatus) String() string {
	switch s {
	case ObservedUnbound:
		return "Unbound"
	case ObservedActive:
		return "Active"
	case ObservedDeleteRefused:
		return "DeleteRefused"
	default:
		return "None"
	}
}

// KeyObservation is one key's entry in a published QueuesState.
type KeyObservation struct {
	Status ObservedStatus
	Err    string // non-empty when Status == ObservedDeleteRefused
}

// QueuesState is the controller's observed view, published on every change.
// TargetGeneration is the latest tracker generation the controller has
// received and begun applying; the per-key tasks it spawned may still be
// running, so readiness is read from Keys — the orphan processor waits for
// TargetGeneration >= the generation RequireQueue returned it and for its
// key to be Active (spec.md §4.6 "Orphan processor", step 3).
type QueuesState struct {
	TargetGeneration uint64
	Keys             map[string]KeyObservation
}

func (s QueuesState) clone() QueuesState {
	out := QueuesState{TargetGeneration: s.TargetGeneration, Keys: make(map[string]KeyObservation, len(s.Keys))}
	for k, v := range s.Keys {
		out.Keys[k] = v
	}
	return out
}

// Status looks up one key's observation.
func (s QueuesState) Status(key string) (KeyObservation, bool) {
	obs, ok := s.Keys[key]
	return obs, ok
}

// desiredFromTarget maps a tracker QueueStatus (spec.md §4.2) to the
// controller's update-task target status (spec.md §4.5 "{Active, Unbound,
// None}"). A key absent from TargetState maps to None (delete).
func desiredFromTarget(ts tracker.TargetState, key string) ObservedStatus {
	status, ok := ts.Status(key)
	if !ok {
		return ObservedNone
	}
	if status == tracker.StatusActive {
		return ObservedActive
	}
	return ObservedUnbound
}
