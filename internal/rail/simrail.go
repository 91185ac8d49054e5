package rail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimRail is a deterministic in-memory rail adapter used by tests and
// local runs. It never actually moves money; it just tracks reservations
// and lets the caller script faults for coordinator-recovery tests.
type SimRail struct {
	name     string
	priority int

	mu           sync.Mutex
	prepared     map[string]decimal.Decimal
	committed    map[string]bool
	rejectNext   bool
	failCommitNext bool
	indeterminateNext bool
	healthy      bool
}

// NewSimRail constructs a SimRail, healthy by default.
func NewSimRail(name string, priority int) *SimRail {
	return &SimRail{
		name:      name,
		priority:  priority,
		prepared:  make(map[string]decimal.Decimal),
		committed: make(map[string]bool),
		healthy:   true,
	}
}

func (s *SimRail) Name() string  { return s.name }
func (s *SimRail) Priority() int { return s.priority }

// SetHealthy lets tests flip a rail unhealthy to exercise fallthrough.
func (s *SimRail) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// RejectNextPrepare scripts the next Prepare call to reject cleanly.
func (s *SimRail) RejectNextPrepare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = true
}

// FailNextCommit scripts the next Commit call to return CommitFailed.
func (s *SimRail) FailNextCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommitNext = true
}

// IndeterminateNextCommit scripts the next Commit call to return
// CommitIndeterminate, as if the call timed out mid-flight.
func (s *SimRail) IndeterminateNextCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indeterminateNext = true
}

func tokenKey(settlementID uuid.UUID) string { return settlementID.String() }

func (s *SimRail) Prepare(ctx context.Context, settlementID, account uuid.UUID, amount decimal.Decimal) (Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNext {
		s.rejectNext = false
		return Token{}, false, nil
	}

	key := tokenKey(settlementID)
	s.prepared[key] = amount
	return Token{RailName: s.name, Value: key}, true, nil
}

func (s *SimRail) Commit(ctx context.Context, token Token) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prepared[token.Value]; !ok {
		return CommitFailed, fmt.Errorf("simrail %s: no prepared reservation for token %q", s.name, token.Value)
	}

	if s.failCommitNext {
		s.failCommitNext = false
		return CommitFailed, nil
	}
	if s.indeterminateNext {
		s.indeterminateNext = false
		// The rail itself resolves to committed moments later; Status
		// reflects that even though this call returns indeterminate.
		s.committed[token.Value] = true
		return CommitIndeterminate, nil
	}

	s.committed[token.Value] = true
	return CommitCommitted, nil
}

func (s *SimRail) Rollback(ctx context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prepared, token.Value)
	delete(s.committed, token.Value)
	return nil
}

func (s *SimRail) Status(ctx context.Context, settlementID uuid.UUID) (CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey(settlementID)
	if s.committed[key] {
		return CommitCommitted, nil
	}
	if _, prepared := s.prepared[key]; prepared {
		return CommitIndeterminate, nil
	}
	return CommitFailed, nil
}

func (s *SimRail) Health(ctx context.Context) (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{Up: s.healthy, LatencyMS: 5, CheckedAt: time.Now()}, nil
}
