package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sudo-init-do/settlement/internal/clock"
)

type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

type Record struct {
	Key         string     `json:"key"`
	Status      Status     `json:"status"`
	Result      []byte     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Token       string     `json:"token,omitempty"`
}

// ErrClaimLost means the claim expired and another holder took the key over.
var ErrClaimLost = errors.New("idempotency claim lost")

// Store holds idempotency claims. Claim is atomic: exactly one caller gets
// claimed=true for a key until the record expires or is released; the others
// get the current record. The token names the holder: Complete fails with
// ErrClaimLost and Release does nothing when the key is held under another
// token.
type Store interface {
	Claim(ctx context.Context, key, token string, lease time.Duration) (existing *Record, claimed bool, err error)
	Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{records: make(map[string]Record), clock: clk}
}

func (s *MemoryStore) Claim(_ context.Context, key, token string, lease time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if r, ok := s.records[key]; ok && now.Before(r.ExpiresAt) {
		return &r, false, nil
	}
	s.records[key] = Record{Key: key, Status: StatusInFlight, CreatedAt: now, ExpiresAt: now.Add(lease), Token: token}
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, token string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	r, ok := s.records[key]
	if ok && (r.Token != token || r.Status != StatusInFlight) {
		return ErrClaimLost
	}
	r.Key = key
	r.Status = StatusCompleted
	r.Result = append([]byte(nil), result...)
	r.CompletedAt = &now
	r.ExpiresAt = now.Add(ttl)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	s.records[key] = r
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok && r.Status == StatusInFlight && r.Token == token {
		delete(s.records, key)
	}
	return nil
}
