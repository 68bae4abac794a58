package pool

import (
	"context"
)

// Selector implements health-aware round robin over the credential set. The
// cursor is a single shared monotonically increasing integer in the store,
// so rotation is even across replicas in the long run. Because membership of
// the selectable set shifts as credentials flip healthy/unhealthy, the
// cursor-to-credential mapping is not stable across calls; only eventual
// even distribution is promised, never determinism.
type Selector struct {
	store Store
}

func NewSelector(store Store) *Selector {
	return &Selector{store: store}
}

// Pick advances the shared cursor and indexes into the selectable set. When
// the healthy subset is empty the full set is used instead: availability
// wins over isolation in the degenerate all-unhealthy case.
func (s *Selector) Pick(ctx context.Context, all, healthy []Credential) (Credential, error) {
	selectable := healthy
	if len(selectable) == 0 {
		selectable = all
	}
	if len(selectable) == 0 {
		return Credential{}, ErrNoCredentials
	}

	cursor, err := s.store.Incr(ctx, cursorKey)
	if err != nil {
		return Credential{}, err
	}
	return selectable[int((cursor-1)%int64(len(selectable)))], nil
}
