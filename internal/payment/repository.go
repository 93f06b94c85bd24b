package payment

import (
	"context"
	"sync"
	"time"
)

// Store defines persistence for payments and user balances.
type Store interface {
	// GetUser returns the user or ErrUserNotFound.
	GetUser(ctx context.Context, id int64) (*User, error)

	// CreatePending inserts a new pending payment and sets its ID and CreatedAt.
	// Returns a KindConflict *Error wrapping ErrDuplicateSessionID if the
	// session ID is already recorded and ErrUserNotFound if the user does
	// not exist.
	CreatePending(ctx context.Context, p *Payment) error

	// GetBySessionID returns the payment for a session or ErrPaymentNotFound.
	GetBySessionID(ctx context.Context, sessionID string) (*Payment, error)

	// CompleteAndCredit moves the payment for sessionID from pending to
	// completed and adds its amount to the owner's balance, both or neither.
	// The transition is conditional on the payment still being pending.
	// Returns ErrPaymentNotFound when no payment exists and a KindConflict
	// *Error wrapping ErrAlreadyCompleted when the condition did not hold.
	CompleteAndCredit(ctx context.Context, sessionID string) (*Payment, error)
}

// InMemoryStore implements Store with in-memory maps. A single mutex plays the
// role of the database's row-level serialization.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]*User
	payments  map[int64]*Payment
	bySession map[string]int64
	nextUser  int64
	nextPay   int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[int64]*User),
		payments:  make(map[int64]*Payment),
		bySession: make(map[string]int64),
	}
}

// InsertUser adds a user. A zero ID is assigned the next sequence value.
func (s *InMemoryStore) InsertUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == 0 {
		s.nextUser++
		u.ID = s.nextUser
	} else if u.ID > s.nextUser {
		s.nextUser = u.ID
	}

	copied := *u
	s.users[u.ID] = &copied
	return nil
}

// GetUser returns a copy of the user.
func (s *InMemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// CreatePending inserts a pending payment.
func (s *InMemoryStore) CreatePending(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.UserID]; !ok {
		return ErrUserNotFound
	}
	if _, exists := s.bySession[p.ExternalSessionID]; exists {
		return newError(KindConflict, opCreatePending, ErrDuplicateSessionID)
	}

	s.nextPay++
	p.ID = s.nextPay
	p.Status = StatusPending
	p.CreatedAt = time.Now().UTC()
	p.CompletedAt = nil

	copied := *p
	s.payments[p.ID] = &copied
	s.bySession[p.ExternalSessionID] = p.ID
	return nil
}

// GetBySessionID returns a copy of the payment for the session.
func (s *InMemoryStore) GetBySessionID(ctx context.Context, sessionID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	copied := *s.payments[id]
	return &copied, nil
}

// CompleteAndCredit performs the pending to completed transition and credit.
func (s *InMemoryStore) CompleteAndCredit(ctx context.Context, sessionID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := s.payments[id]
	if p.Status != StatusPending {
		return nil, newError(KindConflict, opCompleteAndCredit, ErrAlreadyCompleted)
	}
	u, ok := s.users[p.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	now := time.Now().UTC()
	p.Status = StatusCompleted
	p.CompletedAt = &now
	u.Balance += p.Amount

	copied := *p
	return &copied, nil
}
