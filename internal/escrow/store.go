package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

type Store interface {
	// SaveOrder inserts o unless an order with the same id exists, and
	// returns the stored order either way.
	SaveOrder(ctx context.Context, o Order) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	// CreateHold inserts h unless the order already has a hold.
	CreateHold(ctx context.Context, h Hold) (stored *Hold, created bool, err error)
	GetHold(ctx context.Context, orderID string) (*Hold, error)
	// CommitResolution sets the resolution of a held hold whose resolution is
	// still none, and returns the hold as stored afterwards.
	CommitResolution(ctx context.Context, orderID string, res Resolution, reason RefundReason) (*Hold, error)
	// MarkResolved moves a held hold to its terminal status.
	MarkResolved(ctx context.Context, orderID string, status HoldStatus, at time.Time) (*Hold, error)
	ListUnresolved(ctx context.Context, limit int) ([]Hold, error)
	Counts(ctx context.Context) (map[HoldStatus]int64, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	holds  map[string]Hold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order), holds: make(map[string]Hold)}
}

func (s *MemoryStore) SaveOrder(_ context.Context, o Order) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[o.ID]; ok {
		return &existing, nil
	}
	s.orders[o.ID] = o
	return &o, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return &o, nil
}

func (s *MemoryStore) CreateHold(_ context.Context, h Hold) (*Hold, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.holds[h.OrderID]; ok {
		return &existing, false, nil
	}
	s.holds[h.OrderID] = h
	return &h, true, nil
}

func (s *MemoryStore) GetHold(_ context.Context, orderID string) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[orderID]
	if !ok {
		return nil, apperr.NotFound("escrow hold", orderID)
	}
	return &h, nil
}

func (s *MemoryStore) CommitResolution(_ context.Context, orderID string, res Resolution, reason RefundReason) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[orderID]
	if !ok {
		return nil, apperr.NotFound("escrow hold", orderID)
	}
	if h.Status == StatusHeld && h.Resolution == ResolutionNone {
		h.Resolution = res
		h.RefundReason = reason
		s.holds[orderID] = h
	}
	return &h, nil
}

func (s *MemoryStore) MarkResolved(_ context.Context, orderID string, status HoldStatus, at time.Time) (*Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[orderID]
	if !ok {
		return nil, apperr.NotFound("escrow hold", orderID)
	}
	if h.Status == StatusHeld {
		h.Status = status
		h.ResolvedAt = &at
		s.holds[orderID] = h
	}
	return &h, nil
}

func (s *MemoryStore) ListUnresolved(_ context.Context, limit int) ([]Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Hold
	for _, h := range s.holds {
		if h.Status == StatusHeld && h.Resolution != ResolutionNone {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeldAt.Before(out[j].HeldAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Counts(_ context.Context) (map[HoldStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[HoldStatus]int64{}
	for _, h := range s.holds {
		out[h.Status]++
	}
	return out, nil
}
