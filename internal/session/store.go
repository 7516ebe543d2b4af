// Package session keeps one authenticated CAS session per user in process memory.
//
// The Store owns every Account. An Account's (verifier, session) pair is only read or
// replaced through a Locked handle, so all work on one user is serialized while different
// users proceed in parallel. The store-wide mutex is held only while an Account is looked
// up or created.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/credential"
	"github.com/ParleSec/casproxy/internal/logger"
)

var ErrEmptyIdentifier = errors.New("empty account identifier")

// SessionFactory builds a fresh, unauthenticated session.
type SessionFactory func() (*cas.Session, error)

// Store is a concurrency-safe map from user identifier to Account.
type Store struct {
	mu         sync.Mutex
	accounts   map[string]*Account
	newSession SessionFactory
	logger     *logger.Logger
}

// NewStore creates an empty store. newSession is used for every session the store hands out.
func NewStore(newSession SessionFactory, log *logger.Logger) *Store {
	return &Store{
		accounts:   make(map[string]*Account),
		newSession: newSession,
		logger:     log.With("component", "session_store"),
	}
}

// GetOrCreate returns the Account for identifier, creating it with an empty verifier and a
// new session if it does not exist yet. Concurrent first calls create exactly one Account.
func (s *Store) GetOrCreate(identifier string) (*Account, error) {
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[identifier]; ok {
		return a, nil
	}

	sess, err := s.newSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", identifier, err)
	}

	a := newAccount(identifier, s.newSession)
	a.state.Store(&state{session: sess})
	s.accounts[identifier] = a

	s.logger.Debug("account created", "identifier", identifier, "session", sess.ID())
	return a, nil
}

// Acquire returns the Account for identifier locked for exclusive use. The caller must call
// Unlock on the returned handle.
func (s *Store) Acquire(ctx context.Context, identifier string) (*Locked, error) {
	for {
		a, err := s.GetOrCreate(identifier)
		if err != nil {
			return nil, err
		}

		l, err := a.Lock(ctx)
		if err != nil {
			return nil, err
		}
		if !a.removed {
			return l, nil
		}
		// forgotten while we waited, the store now holds (or will create) a new one
		l.Unlock()
	}
}

// Get returns the Account for identifier without creating it.
func (s *Store) Get(identifier string) (*Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[identifier]
	return a, ok
}

// Len returns the number of cached accounts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.accounts)
}

// Forget drops the Account for identifier once no attempt is in flight on it.
func (s *Store) Forget(ctx context.Context, identifier string) error {
	a, ok := s.Get(identifier)
	if !ok {
		return nil
	}

	l, err := a.Lock(ctx)
	if err != nil {
		return err
	}
	defer l.Unlock()

	s.mu.Lock()
	if s.accounts[identifier] == a {
		delete(s.accounts, identifier)
	}
	s.mu.Unlock()

	a.removed = true
	s.logger.Info("account forgotten", "identifier", identifier)
	return nil
}

type state struct {
	verifier *credential.Verifier
	session  *cas.Session
}

// Account is the cached state of one user. Its fields are reachable only through Locked.
type Account struct {
	identifier string
	createdAt  time.Time
	newSession SessionFactory

	// sem is a context-aware mutex
	sem   chan struct{}
	state atomic.Pointer[state]

	// guarded by sem
	removed bool
}

func newAccount(identifier string, newSession SessionFactory) *Account {
	return &Account{
		identifier: identifier,
		createdAt:  time.Now(),
		newSession: newSession,
		sem:        make(chan struct{}, 1),
	}
}

// Identifier returns the user handle.
func (a *Account) Identifier() string {
	return a.identifier
}

// CreatedAt returns when the account entered the store.
func (a *Account) CreatedAt() time.Time {
	return a.createdAt
}

// HasVerifier reports whether a password verifier has been committed.
func (a *Account) HasVerifier() bool {
	return a.state.Load().verifier != nil
}

// Lock waits for exclusive use of the account or until ctx is done.
func (a *Account) Lock(ctx context.Context) (*Locked, error) {
	select {
	case a.sem <- struct{}{}:
		return &Locked{account: a}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Locked is an exclusive handle on an Account.
type Locked struct {
	account  *Account
	released bool
}

// Identifier returns the user handle.
func (l *Locked) Identifier() string {
	return l.account.identifier
}

// Verifier returns the committed password verifier, or nil before the first successful login.
func (l *Locked) Verifier() *credential.Verifier {
	return l.account.state.Load().verifier
}

// Session returns the committed session.
func (l *Locked) Session() *cas.Session {
	return l.account.state.Load().session
}

// NewSession builds an isolated candidate session. It is not visible until committed.
func (l *Locked) NewSession() (*cas.Session, error) {
	return l.account.newSession()
}

// Commit replaces the verifier and session together.
func (l *Locked) Commit(v *credential.Verifier, sess *cas.Session) {
	l.account.state.Store(&state{verifier: v, session: sess})
}

// Unlock releases the account. Calling it more than once is a no-op.
func (l *Locked) Unlock() {
	if l.released {
		return
	}
	l.released = true
	<-l.account.sem
}
