package queuecontroller

import "context"

// runUpdateTask implements spec.md §4.5 "Per-key update task" for one key
// and one target status. Broker operations are idempotent, so an abort
// mid-operation (via ctx cancellation from a superseding task) at worst
// leaves a transient observable inconsistency that the superseding task
// resolves.
func runUpdateTask(ctx context.Context, ops BrokerOps, key string, target ObservedStatus) error {
	switch target {
	case ObservedActive:
		if err := ops.DeclareRequestQueue(ctx, key); err != nil {
			return err
		}
		return ops.BindRequestQueue(ctx, key)

	case ObservedUnbound:
		if err := ops.DeclareRequestQueue(ctx, key); err != nil {
			return err
		}
		return ops.UnbindRequestQueue(ctx, key)

	case ObservedNone:
		if err := ops.UnbindRequestQueue(ctx, key); err != nil {
			return err
		}
		return ops.DeleteRequestQueue(ctx, key)

	default:
		return nil
	}
}
