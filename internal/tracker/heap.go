package tracker

import "time"

// scheduleEntry is one pending (key, deadline) pair in the tracker's
// min-heap, coalescing per-key timers into a single timer armed to the
// earliest deadline (spec.md §9 "Timers with coalescing"). version ties the
// entry to the queueRecord state it was computed from, so a superseding
// RequireQueue invalidates it without needing to search and remove it from
// the heap.
type scheduleEntry struct {
	key      string
	deadline time.Time
	version  uint64
	index    int
}

type scheduleHeap []*scheduleEntry

func newScheduleHeap() *scheduleHeap {
	h := make(scheduleHeap, 0)
	return &h
}

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x any) {
	entry := x.(*scheduleEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// Peek returns the earliest entry without removing it. Callers must ensure
// Len() > 0.
func (h *scheduleHeap) Peek() *scheduleEntry {
	return (*h)[0]
}
