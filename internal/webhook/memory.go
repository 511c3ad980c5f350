package webhook

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/djinnbot/djinnbot/internal/common/errors"
)

// MemoryRepository is the in-memory Repository used by tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*Event
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string]*Event)}
}

func (m *MemoryRepository) CreateEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = copyEvent(e)
	return nil
}

func (m *MemoryRepository) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, apperrors.NotFound("webhook event", id)
	}
	return copyEvent(e), nil
}

func (m *MemoryRepository) GetByDeliveryID(ctx context.Context, deliveryID string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.DeliveryID == deliveryID {
			return copyEvent(e), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) MarkProcessed(ctx context.Context, id string, processedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return apperrors.NotFound("webhook event", id)
	}
	e.Processed = true
	e.ProcessingError = ""
	e.ProcessedAt = &processedAt
	return nil
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return apperrors.NotFound("webhook event", id)
	}
	e.Processed = false
	e.ProcessingError = processingError
	return nil
}

func (m *MemoryRepository) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 500
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if !e.Processed && e.Verified {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEvent(e *Event) *Event {
	c := *e
	return &c
}
