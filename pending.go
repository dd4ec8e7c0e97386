package gatehouse

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingToken is the record behind one short-lived first-factor proof.
type PendingToken struct {
	UserID    string
	IssuedAt  int64
	ExpiresAt int64
}

// PendingTokenStore holds pending-login tokens between first-factor success
// and second-factor completion. Consume must delete the record on its first
// call regardless of what the caller subsequently does with it, so a leaked
// token cannot be retried.
//
// The in-memory implementation suits single-instance deployments; the Redis
// implementation shares tokens across replicas.
type PendingTokenStore interface {
	Save(ctx context.Context, token string, record PendingToken, ttl time.Duration) error
	Consume(ctx context.Context, token string) (*PendingToken, error)
}

func newPendingTokenID() string {
	// Two UUIDs: the token doubles as a bearer credential, so a single
	// 122-bit value is below the margin we want against online guessing.
	return uuid.NewString() + uuid.NewString()
}

// MemoryPendingTokenStore is a mutex-guarded map with lazy expiry plus a
// periodic sweep for memory bounding.
type MemoryPendingTokenStore struct {
	mu      sync.Mutex
	records map[string]PendingToken
	clock   Clock
}

// NewMemoryPendingTokenStore creates an empty store. A nil clock falls back
// to the system clock.
func NewMemoryPendingTokenStore(clock Clock) *MemoryPendingTokenStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryPendingTokenStore{
		records: make(map[string]PendingToken),
		clock:   clock,
	}
}

func (s *MemoryPendingTokenStore) Save(_ context.Context, token string, record PendingToken, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[token] = record
	return nil
}

// Consume removes and returns the record. Expired and unknown tokens both
// yield ErrPendingTokenInvalid; an expired record is deleted on observation.
func (s *MemoryPendingTokenStore) Consume(_ context.Context, token string) (*PendingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[token]
	if !ok {
		return nil, ErrPendingTokenInvalid
	}
	delete(s.records, token)

	if s.clock.Now().Unix() > record.ExpiresAt {
		return nil, ErrPendingTokenInvalid
	}
	return &record, nil
}

// Sweep drops expired records. Called by the engine janitor.
func (s *MemoryPendingTokenStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Unix()
	for token, record := range s.records {
		if cutoff > record.ExpiresAt {
			delete(s.records, token)
		}
	}
}

// Len reports the live record count. Test hook.
func (s *MemoryPendingTokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
