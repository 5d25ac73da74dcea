// Package driver implements the polymorphic worker lifecycle abstraction of
// spec.md §4.3: create, inventory, and tear down one core worker per active
// key, backed by Docker, Kubernetes, or an in-memory noop implementation
// used in integration tests.
package driver

import (
	"context"

	"github.com/google/uuid"

	"github.com/osrd-project/osrdyne/internal/apperrors"
)

// Label keys every worker created by the Docker backend carries (spec.md
// §4.3 "Label discipline"); the Kubernetes backend uses its own label keys
// (see kubernetes.go) with the same ManagedByValue. Listing filters on the
// managed-by label only; workers lacking it are invisible to the
// dispatcher, guaranteeing cohabitation with other workloads on the same
// runtime.
const (
	LabelManagedBy = "managed_by"
	LabelWorkerID  = "worker_id"
	LabelKey       = "key"

	// ManagedByValue is the fixed value of LabelManagedBy for every worker
	// this dispatcher creates.
	ManagedByValue = "osrdyne"
)

// WorkerInfo describes one worker discovered by ListCorePools.
type WorkerInfo struct {
	ExternalID string
	WorkerID   uuid.UUID
	Key        string
}

// Driver is the polymorphic interface over container runtimes spec.md §4.3
// requires: exactly three operations, all idempotent with respect to the
// key they operate on.
type Driver interface {
	// GetOrCreateCorePool returns the UUID of the worker already labeled
	// for key, or creates one and returns its new UUID. The existing
	// worker's health is not checked: a stopped or failing worker is
	// returned as is.
	GetOrCreateCorePool(ctx context.Context, key string) (uuid.UUID, error)

	// DestroyCorePool removes every worker labeled with key. A missing
	// worker is not an error.
	DestroyCorePool(ctx context.Context, key string) error

	// ListCorePools returns every worker currently alive whose labels
	// claim this dispatcher as manager.
	ListCorePools(ctx context.Context) ([]WorkerInfo, error)
}

// BackendError reports a failed backend operation (list, pull, create,
// start, remove, or delete) for a key, surfaced to callers as
// apperrors.CodeDriverBackend per spec.md §7 — callers retry with backoff.
func BackendError(op, key string, cause error) error {
	return apperrors.Wrap(apperrors.CodeDriverBackend, "driver backend error during "+op+" for key "+key, cause)
}
