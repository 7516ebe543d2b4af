package cas

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// Session is a cookie-carrying connection to the identity provider bound to one identity.
// A Session is owned by exactly one account and is not shared.
type Session struct {
	id        string
	userAgent string
	client    *http.Client
	createdAt time.Time

	// unix nanos of the last successful password login, 0 if none
	authenticatedAt atomic.Int64
}

// SessionOptions configures new sessions.
type SessionOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Transport is optional; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// NewSession builds an empty session with its own cookie jar.
func NewSession(opts SessionOptions) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Session{
		id:        uuid.NewString(),
		userAgent: opts.UserAgent,
		createdAt: time.Now(),
		client: &http.Client{
			Jar:       jar,
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
	}, nil
}

// ID identifies the session in logs. It is not a credential.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns when the session was built.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// AuthenticatedAt returns the time of the last successful password login on this session.
func (s *Session) AuthenticatedAt() (time.Time, bool) {
	n := s.authenticatedAt.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

func (s *Session) markAuthenticated() {
	s.authenticatedAt.Store(time.Now().UnixNano())
}

// Do sends req with the session's cookies and User-Agent.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	return s.client.Do(req)
}
