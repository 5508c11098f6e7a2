package engine

import (
	"context"
	"sync"

	"branchdb/src/dberrors"
	"branchdb/src/layout"

	"golang.org/x/sync/semaphore"
)

// MutationSection serializes the schema-mutating operations of a branch.
// Holders of different branches make progress independently, and a caller
// waiting for a busy branch gives up when its context ends.
type MutationSection struct {
	mu     sync.Mutex
	states map[layout.BranchKey]*sectionState
}

type sectionState struct {
	sema    *semaphore.Weighted
	waitCnt int
}

func NewMutationSection() *MutationSection {
	return &MutationSection{
		states: make(map[layout.BranchKey]*sectionState),
	}
}

// Lock enters the section of key. It fails with Timeout when ctx ends first.
func (m *MutationSection) Lock(ctx context.Context, key layout.BranchKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		state = &sectionState{sema: semaphore.NewWeighted(1)}
		m.states[key] = state
	}
	if state.sema.TryAcquire(1) {
		return nil
	}
	state.waitCnt++
	m.mu.Unlock()
	err := state.sema.Acquire(ctx, 1)
	m.mu.Lock()
	state.waitCnt--
	if err != nil {
		if state.waitCnt == 0 && state.sema.TryAcquire(1) {
			// Nobody holds or wants the section any more.
			delete(m.states, key)
		}
		return dberrors.FromContext(err)
	}
	return nil
}

// Unlock leaves the section of key.
func (m *MutationSection) Unlock(key layout.BranchKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[key]
	state.sema.Release(1)
	if state.waitCnt == 0 {
		delete(m.states, key)
	}
}
