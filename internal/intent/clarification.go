package intent

import (
	"sync"
	"time"
)

// PendingClarification is an open question waiting for the user's reply.
type PendingClarification struct {
	UserID          string
	OriginalMessage string
	Original        *Classification
	PossibleIntents []string
	// Attempts counts replies that did not resolve the ambiguity.
	Attempts  int
	CreatedAt time.Time
}

// ClarificationStore holds at most one pending clarification per user.
// Entries older than the timeout are invisible to Get and removed by Cleanup.
type ClarificationStore struct {
	mu      sync.Mutex
	pending map[string]*PendingClarification
	timeout time.Duration
	now     func() time.Time
}

func NewClarificationStore(timeout time.Duration) *ClarificationStore {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ClarificationStore{
		pending: make(map[string]*PendingClarification),
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *ClarificationStore) Get(userID string) (*PendingClarification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[userID]
	if !ok {
		return nil, false
	}
	if s.now().Sub(p.CreatedAt) > s.timeout {
		delete(s.pending, userID)
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (s *ClarificationStore) Put(p *PendingClarification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	cp := *p
	s.pending[p.UserID] = &cp
}

func (s *ClarificationStore) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
}

// Cleanup removes expired entries and returns how many were removed.
func (s *ClarificationStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, p := range s.pending {
		if now.Sub(p.CreatedAt) > s.timeout {
			delete(s.pending, id)
			n++
		}
	}
	return n
}

func (s *ClarificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
