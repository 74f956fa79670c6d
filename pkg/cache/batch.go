package cache

import (
	"context"
	"errors"
)

// BatchDeleter is implemented by stores that can remove many keys of one
// namespace in a single round trip.
type BatchDeleter interface {
	DeleteMulti(ctx context.Context, namespace string, keys []string) error
}

// DeleteKeys removes keys from namespace, using the store's native batch
// delete when available and falling back to one Delete per key otherwise.
// Every key is attempted; the errors of failed deletes are joined.
func DeleteKeys(ctx context.Context, store Store, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	if bd, ok := store.(BatchDeleter); ok {
		return bd.DeleteMulti(ctx, namespace, keys)
	}

	var errs []error
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := store.Delete(ctx, namespace, key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
