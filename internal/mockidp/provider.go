// Package mockidp is an in-memory stand-in for the CAS portal and the TIS service behind it.
// It serves the same pages and JSON shapes the proxy consumes, counts every upstream call and
// exposes switches for password rotation, session expiry, probe outages and markup drift.
package mockidp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ParleSec/casproxy/pkg/models"
)

const (
	// TGTCookie carries the CAS ticket-granting ticket.
	TGTCookie = "CASTGC"
	// TISCookie carries the TIS application session.
	TISCookie = "TISSESSION"

	executionTTL = 5 * time.Minute
	issuer       = "mock-cas"
)

var (
	ErrUnknownUser      = errors.New("user not found")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidExecution = errors.New("invalid execution token")
)

// Stats counts the upstream calls the mock has served.
type Stats struct {
	LoginPages     int64
	Probes         int64
	PasswordLogins int64
	Bridges        int64
	TISRequests    int64
}

type ticketGrant struct {
	username  string
	expiresAt time.Time
}

// MockCAS provides a mock CAS portal and TIS service for development and tests
type MockCAS struct {
	students   map[string]*Student
	offerings  []*Offering
	grants     map[string]ticketGrant // CASTGC value
	tickets    map[string]string      // service ticket -> username
	tisSession map[string]string      // TISSESSION value -> username
	executions map[string]time.Time   // spent execution jti
	signingKey []byte
	sessionTTL time.Duration
	mu         sync.RWMutex

	loginPages     atomic.Int64
	probes         atomic.Int64
	passwordLogins atomic.Int64
	bridges        atomic.Int64
	tisRequests    atomic.Int64

	markupDrift  atomic.Bool
	failProbes   atomic.Int64
	loginLatency atomic.Int64
}

// New creates a mock seeded with the demo students and offerings.
func New() *MockCAS {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("mockidp: failed to generate signing key: %v", err))
	}

	m := &MockCAS{
		students:   make(map[string]*Student),
		grants:     make(map[string]ticketGrant),
		tickets:    make(map[string]string),
		tisSession: make(map[string]string),
		executions: make(map[string]time.Time),
		signingKey: key,
		sessionTTL: 8 * time.Hour,
	}
	m.initDemoData()
	return m
}

// LoginURL returns the CAS login endpoint for a mock served at base.
func LoginURL(base string) string {
	return base + "/cas/login"
}

// TISBaseURL returns the TIS root for a mock served at base.
func TISBaseURL(base string) string {
	return base + "/tis"
}

// ServiceURL returns the CAS login URL that bridges into TIS.
func ServiceURL(base string) string {
	return LoginURL(base) + "?service=" + url.QueryEscape(TISBaseURL(base)+"/cas")
}

// CatalogueURL returns the public catalogue page.
func CatalogueURL(base string) string {
	return base + "/catalogue"
}

// AddStudent registers a student with an empty record.
func (m *MockCAS) AddStudent(username, password string) *Student {
	s := &Student{
		Username: username,
		Password: password,
		Info:     models.BasicInfo{ID: username, SID: username, Name: username},
		Selected: make(map[string]uint32),
	}

	m.mu.Lock()
	m.students[username] = s
	m.mu.Unlock()
	return s
}

// SetPassword changes a student's password. Existing sessions stay valid, as they do on CAS.
func (m *MockCAS) SetPassword(username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.students[username]
	if !ok {
		return ErrUnknownUser
	}
	s.Password = password
	return nil
}

// ValidateCredentials checks a username/password pair
func (m *MockCAS) ValidateCredentials(username, password string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[username]
	if !ok {
		return ErrUnknownUser
	}
	if s.Password != password {
		return ErrInvalidPassword
	}
	return nil
}

// ExpireSessions invalidates every ticket-granting ticket and TIS session.
func (m *MockCAS) ExpireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grants = make(map[string]ticketGrant)
	m.tisSession = make(map[string]string)
}

// SetMarkupDrift makes the login page omit the execution input.
func (m *MockCAS) SetMarkupDrift(on bool) {
	m.markupDrift.Store(on)
}

// FailProbes makes the next n session probes answer 503.
func (m *MockCAS) FailProbes(n int) {
	m.failProbes.Store(int64(n))
}

// SetLoginLatency delays every password login by d.
func (m *MockCAS) SetLoginLatency(d time.Duration) {
	m.loginLatency.Store(int64(d))
}

// Stats returns a snapshot of the call counters.
func (m *MockCAS) Stats() Stats {
	return Stats{
		LoginPages:     m.loginPages.Load(),
		Probes:         m.probes.Load(),
		PasswordLogins: m.passwordLogins.Load(),
		Bridges:        m.bridges.Load(),
		TISRequests:    m.tisRequests.Load(),
	}
}

// ResetStats zeroes the call counters.
func (m *MockCAS) ResetStats() {
	m.loginPages.Store(0)
	m.probes.Store(0)
	m.passwordLogins.Store(0)
	m.bridges.Store(0)
	m.tisRequests.Store(0)
}

// IssueExecution creates a signed, single-use execution token
func (m *MockCAS) IssueExecution() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(executionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
}

// ConsumeExecution validates an execution token and marks it spent.
func (m *MockCAS) ConsumeExecution(token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExecution, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, spent := m.executions[claims.ID]; spent {
		return fmt.Errorf("%w: already used", ErrInvalidExecution)
	}
	m.executions[claims.ID] = claims.ExpiresAt.Time
	return nil
}

// CreateGrant starts an authenticated CAS session and returns its cookie value.
func (m *MockCAS) CreateGrant(username string) string {
	id := "TGT-" + uuid.NewString()

	m.mu.Lock()
	m.grants[id] = ticketGrant{username: username, expiresAt: time.Now().Add(m.sessionTTL)}
	m.mu.Unlock()

	return id
}

// GrantUser returns the user behind a CASTGC value, if it is still valid.
func (m *MockCAS) GrantUser(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok || g.expiresAt.Before(time.Now()) {
		return "", false
	}
	return g.username, true
}

// IssueServiceTicket creates a one-time ticket for username.
func (m *MockCAS) IssueServiceTicket(username string) string {
	st := "ST-" + uuid.NewString()

	m.mu.Lock()
	m.tickets[st] = username
	m.mu.Unlock()

	return st
}

// RedeemServiceTicket consumes st and opens a TIS session, returning its cookie value.
func (m *MockCAS) RedeemServiceTicket(st string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	username, ok := m.tickets[st]
	if !ok {
		return "", false
	}
	delete(m.tickets, st)

	id := uuid.NewString()
	m.tisSession[id] = username
	return id, true
}

// TISUser returns the user behind a TISSESSION value.
func (m *MockCAS) TISUser(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	username, ok := m.tisSession[id]
	return username, ok
}

// CleanupExecutions forgets spent execution tokens that have expired anyway.
func (m *MockCAS) CleanupExecutions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, exp := range m.executions {
		if exp.Before(now) {
			delete(m.executions, id)
		}
	}
}
