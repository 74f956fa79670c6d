package generation

import (
	"context"
	"fmt"

	"cache-intercept/pkg/cache"
)

// TrimPolicy bounds a generation by entry count. When a generation holds more
// than Cap entries, the oldest are deleted (by insertion order) until Floor remain.
// There is no access-based weighting.
type TrimPolicy struct {
	Cap   int
	Floor int
}

// DefaultTrimPolicy returns the runtime generation bound: cap 100, floor 50.
func DefaultTrimPolicy() TrimPolicy {
	return TrimPolicy{Cap: 100, Floor: 50}
}

// Validate checks that 0 <= Floor <= Cap. A zero Cap disables trimming.
func (p TrimPolicy) Validate() error {
	if p.Cap < 0 || p.Floor < 0 {
		return fmt.Errorf("generation: trim cap and floor must not be negative")
	}
	if p.Cap > 0 && p.Floor > p.Cap {
		return fmt.Errorf("generation: trim floor %d exceeds cap %d", p.Floor, p.Cap)
	}
	return nil
}

// Trim enforces the policy on one namespace and returns how many entries it deleted.
func (p TrimPolicy) Trim(ctx context.Context, store cache.Store, namespace string) (int, error) {
	if p.Cap <= 0 {
		return 0, nil
	}

	keys, err := store.Keys(ctx, namespace)
	if err != nil {
		return 0, fmt.Errorf("generation: list %s: %w", namespace, err)
	}
	if len(keys) <= p.Cap {
		return 0, nil
	}

	floor := p.Floor
	if floor > p.Cap {
		floor = p.Cap
	}
	victims := keys[:len(keys)-floor]
	if err := cache.DeleteKeys(ctx, store, namespace, victims); err != nil {
		return 0, fmt.Errorf("generation: trim %s: %w", namespace, err)
	}
	return len(victims), nil
}
