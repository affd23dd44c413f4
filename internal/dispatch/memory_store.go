package dispatch

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory DeliveryStore for tests and demo mode.
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewMemoryStore creates a new in-memory delivery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

func (m *MemoryStore) Create(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Delivery{}
	for _, d := range m.deliveries {
		if d.TransactionID == transactionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
