// internal/oracle/oracle.go
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "SynthLedger/internal/math"
)

// ErrPriceNotAvailable means the price for (identifier, time) has not
// resolved yet. Callers poll and retry; a request may stay pending
// indefinitely.
var ErrPriceNotAvailable = errors.New("oracle: price not available")

// Adapter is the engine's view of the price oracle. RequestPrice is
// idempotent per (identifier, time).
type Adapter interface {
	RequestPrice(identifier string, t time.Time) error
	HasPrice(identifier string, t time.Time) bool
	GetPrice(identifier string, t time.Time) (fpmath.Unsigned, error)
}

type requestKey struct {
	identifier string
	unix       int64
}

// Store is an in-memory price oracle. Resolutions arrive via Push,
// either from a feed subscriber in production or directly in tests.
type Store struct {
	mu       sync.RWMutex
	pending  map[requestKey]struct{}
	resolved map[requestKey]fpmath.Unsigned
}

func NewStore() *Store {
	return &Store{
		pending:  make(map[requestKey]struct{}),
		resolved: make(map[requestKey]fpmath.Unsigned),
	}
}

func (s *Store) RequestPrice(identifier string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := requestKey{identifier: identifier, unix: t.Unix()}
	if _, ok := s.resolved[k]; ok {
		return nil
	}
	s.pending[k] = struct{}{}
	return nil
}

func (s *Store) HasPrice(identifier string, t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.resolved[requestKey{identifier: identifier, unix: t.Unix()}]
	return ok
}

func (s *Store) GetPrice(identifier string, t time.Time) (fpmath.Unsigned, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k := requestKey{identifier: identifier, unix: t.Unix()}
	price, ok := s.resolved[k]
	if !ok {
		return fpmath.Unsigned{}, fmt.Errorf("%w: %s@%d", ErrPriceNotAvailable, identifier, t.Unix())
	}
	return price, nil
}

// Push records a resolved price and clears any pending request.
// Re-pushing the same key overwrites, which only matters in tests.
func (s *Store) Push(identifier string, t time.Time, price fpmath.Unsigned) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := requestKey{identifier: identifier, unix: t.Unix()}
	delete(s.pending, k)
	s.resolved[k] = price
}

// PendingRequests lists unresolved (identifier, time) pairs, for
// operational visibility.
func (s *Store) PendingRequests() []PendingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PendingRequest, 0, len(s.pending))
	for k := range s.pending {
		out = append(out, PendingRequest{Identifier: k.identifier, Time: time.Unix(k.unix, 0).UTC()})
	}
	return out
}

type PendingRequest struct {
	Identifier string    `json:"identifier"`
	Time       time.Time `json:"time"`
}
