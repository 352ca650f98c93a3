// Package ads selects which creative to show next during a delivery pause.
package ads

import (
	"context"

	"previewbot/internal/storage"
)

// Store is the slice of storage the rotation needs.
type Store interface {
	ActiveCreatives(ctx context.Context, catalogCode string) ([]storage.Creative, error)
}

// Rotation hands out creatives round-robin per subscriber. The pointer lives
// in the subscriber's session so rotation position survives restarts.
type Rotation struct {
	store Store
}

func New(store Store) *Rotation {
	return &Rotation{store: store}
}

// Pick returns the creative at pointer mod inventory size and the pointer
// advanced by one. The pointer only ever grows; the modulo at read time is
// what wraps it, so a shrinking inventory never strands a subscriber. With
// no active creatives it returns (nil, pointer, nil): a pause without
// inventory degrades to a plain wait, never an error.
func (r *Rotation) Pick(ctx context.Context, catalogCode string, pointer int) (*storage.Creative, int, error) {
	creatives, err := r.store.ActiveCreatives(ctx, catalogCode)
	if err != nil {
		return nil, pointer, err
	}
	if len(creatives) == 0 {
		return nil, pointer, nil
	}
	if pointer < 0 {
		pointer = 0
	}
	c := creatives[pointer%len(creatives)]
	return &c, pointer + 1, nil
}
