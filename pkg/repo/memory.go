package repo

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Repository. It keeps insertion order; List ignores
// OrderBy and honours Desc by reversing that order.
type Memory[T any, ID comparable] struct {
	mu    sync.RWMutex
	idOf  func(T) ID
	order []ID
	items map[ID]T
}

// NewMemory returns an empty in-memory repository keyed by idOf.
func NewMemory[T any, ID comparable](idOf func(T) ID) *Memory[T, ID] {
	return &Memory[T, ID]{idOf: idOf, items: map[ID]T{}}
}

var _ Repository[any, string] = (*Memory[any, string])(nil)

func (m *Memory[T, ID]) Get(_ context.Context, id ID) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%v: %w", id, ErrNotFound)
	}
	return v, nil
}

func (m *Memory[T, ID]) List(_ context.Context, opts ListOpts) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.order)
	var out []T
	for i := opts.Offset; i < n && len(out) < opts.limit(); i++ {
		j := i
		if opts.Desc {
			j = n - 1 - i
		}
		out = append(out, m.items[m.order[j]])
	}
	return out, nil
}

func (m *Memory[T, ID]) Create(_ context.Context, entity T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.idOf(entity)
	if _, ok := m.items[id]; !ok {
		m.order = append(m.order, id)
	}
	m.items[id] = entity
	return entity, nil
}

func (m *Memory[T, ID]) Update(_ context.Context, entity T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.idOf(entity)
	if _, ok := m.items[id]; !ok {
		var zero T
		return zero, fmt.Errorf("%v: %w", id, ErrNotFound)
	}
	m.items[id] = entity
	return entity, nil
}

func (m *Memory[T, ID]) Delete(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return nil
	}
	delete(m.items, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
