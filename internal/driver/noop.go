package driver

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// NoopDriver accepts all operations and stores workers purely in memory.
// Used for integration tests (spec.md §4.3 "Noop backend").
type NoopDriver struct {
	mu      sync.Mutex
	workers map[string]WorkerInfo // key -> info
}

// NewNoopDriver constructs an empty NoopDriver.
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{workers: make(map[string]WorkerInfo)}
}

func (d *NoopDriver) GetOrCreateCorePool(_ context.Context, key string) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info, ok := d.workers[key]; ok {
		return info.WorkerID, nil
	}
	id := uuid.New()
	d.workers[key] = WorkerInfo{ExternalID: "noop-" + id.String(), WorkerID: id, Key: key}
	return id, nil
}

func (d *NoopDriver) DestroyCorePool(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, key)
	return nil
}

func (d *NoopDriver) ListCorePools(_ context.Context) ([]WorkerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]WorkerInfo, 0, len(d.workers))
	for _, info := range d.workers {
		out = append(out, info)
	}
	return out, nil
}

var _ Driver = (*NoopDriver)(nil)
