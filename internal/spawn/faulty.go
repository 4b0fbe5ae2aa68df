package spawn

import (
	"context"

	"github.com/nibzard/procpool/internal/task"
)

// FaultySpawner fails the units listed in FailAt and delegates the rest.
type FaultySpawner struct {
	Spawner Spawner
	FailAt  map[int]error
}

// NewFaultySpawner fails each of indices with ErrInjected.
func NewFaultySpawner(inner Spawner, indices ...int) *FaultySpawner {
	failAt := make(map[int]error, len(indices))
	for _, idx := range indices {
		failAt[idx] = ErrInjected
	}
	return &FaultySpawner{Spawner: inner, FailAt: failAt}
}

// Spawn fails configured indices before reaching the inner spawner.
func (f *FaultySpawner) Spawn(ctx context.Context, unit task.WorkUnit) (Handle, error) {
	if err, ok := f.FailAt[unit.Index]; ok {
		if err == nil {
			err = ErrInjected
		}
		return nil, &SpawnError{Index: unit.Index, Err: err}
	}
	return f.Spawner.Spawn(ctx, unit)
}
