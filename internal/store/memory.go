package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fentz26/flotilla/internal/models"
)

// Memory is a non-durable expected-state store for tests and throwaway
// coordinators.
type Memory struct {
	mu     sync.RWMutex
	states map[string]models.ExpectedSlotStatus
	err    error
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]models.ExpectedSlotStatus)}
}

// SetUnavailable makes every call fail with err until called with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Ping reports the injected failure, if any.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// GetAllExpectedStates returns every recorded expected state ordered by slot id.
func (m *Memory) GetAllExpectedStates(ctx context.Context) ([]models.ExpectedSlotStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	states := make([]models.ExpectedSlotStatus, 0, len(m.states))
	for _, e := range m.states {
		states = append(states, e)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].SlotID < states[j].SlotID })
	return states, nil
}

// SetExpectedStates records all states, or none on error.
func (m *Memory) SetExpectedStates(ctx context.Context, states []models.ExpectedSlotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	for _, e := range states {
		if e.SlotID == "" {
			return fmt.Errorf("expected state has no slot id")
		}
	}
	for _, e := range states {
		m.states[e.SlotID] = e
	}
	return nil
}

// DeleteExpectedStates removes the expected state of the given slots.
func (m *Memory) DeleteExpectedStates(ctx context.Context, slotIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	for _, id := range slotIDs {
		delete(m.states, id)
	}
	return nil
}
