package pool

// WorkerStatus is the pool facade's combined view of one key, synthesized
// from the tracker's target, the queue controller's observed state, and the
// driver's live worker inventory (spec.md §4.7 "worker_status(key)").
type WorkerStatus int

const (
	// Unscheduled: the tracker has no target for this key at all.
	Unscheduled WorkerStatus = iota
	// Started: a worker exists (or is being created) but its request queue
	// is not yet bound.
	Started
	// Ready: the worker exists and its request queue is bound and active.
	Ready
	// Error: the controller reported DeleteRefused for this key. A failed
	// worker creation is not reported as Error; the key stays Started.
	Error
)

func (s WorkerStatus) String() string {
	switch s {
	case Started:
		return "Started"
	case Ready:
		return "Ready"
	case Error:
		return "Error"
	default:
		return "Unscheduled"
	}
}

// APIStatus is the two-value vocabulary the status HTTP endpoint exposes
// (spec.md §6 "{status: Loading|Ready}"); Unscheduled keys are omitted by
// the handler entirely rather than reported as a status value.
type APIStatus string

const (
	APIStatusLoading APIStatus = "Loading"
	APIStatusReady   APIStatus = "Ready"
)

// ToAPIStatus collapses the four-value internal status into the two-value
// status the HTTP API exposes. Error is surfaced as Loading: a caller
// polling for readiness should keep waiting or fall back to its own
// request timeout, not branch on an internal reconciliation detail.
func (s WorkerStatus) ToAPIStatus() APIStatus {
	if s == Ready {
		return APIStatusReady
	}
	return APIStatusLoading
}
