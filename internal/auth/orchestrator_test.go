package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/credential"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/internal/session"
)

const testIterations = 32

type mockIdP struct {
	mock.Mock
}

func (m *mockIdP) FetchToken(ctx context.Context, sess *cas.Session) (string, error) {
	args := m.Called(ctx, sess)
	return args.String(0), args.Error(1)
}

func (m *mockIdP) Probe(ctx context.Context, sess *cas.Session) (bool, error) {
	args := m.Called(ctx, sess)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdP) Authenticate(ctx context.Context, sess *cas.Session, username, password, token string) (bool, error) {
	args := m.Called(ctx, sess, username, password, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdP) BridgeService(ctx context.Context, sess *cas.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *mockIdP, *session.Store) {
	t.Helper()
	idp := &mockIdP{}
	store := session.NewStore(func() (*cas.Session, error) {
		return cas.NewSession(cas.SessionOptions{Timeout: time.Second})
	}, logger.Nop())
	o := NewOrchestrator(idp, store, credential.NewHasher(testIterations), logger.Nop())
	return o, idp, store
}

// snapshot returns the committed pair for username.
func snapshot(t *testing.T, store *session.Store, username string) (*credential.Verifier, *cas.Session) {
	t.Helper()
	l, err := store.Acquire(context.Background(), username)
	require.NoError(t, err)
	defer l.Unlock()
	return l.Verifier(), l.Session()
}

func expectLogin(idp *mockIdP, sess interface{}, password string, ok bool) {
	idp.On("FetchToken", mock.Anything, sess).Return("tok", nil).Once()
	idp.On("Authenticate", mock.Anything, sess, "alice", password, "tok").Return(ok, nil).Once()
}

func TestAuthenticate_InvalidInput(t *testing.T) {
	o, idp, store := newTestOrchestrator(t)
	ctx := context.Background()

	assert.ErrorIs(t, o.Authenticate(ctx, "", "pw"), ErrInvalidInput)
	assert.ErrorIs(t, o.Authenticate(ctx, "alice", ""), ErrInvalidInput)
	assert.Equal(t, 0, store.Len())
	idp.AssertExpectations(t)
}

func TestAuthenticate_FirstLoginCommitsVerifier(t *testing.T) {
	o, idp, store := newTestOrchestrator(t)
	expectLogin(idp, mock.Anything, "pw1", true)

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))

	v, sess := snapshot(t, store, "alice")
	require.NotNil(t, v)
	assert.True(t, v.Matches("pw1"))
	assert.NotNil(t, sess)
	idp.AssertExpectations(t)
	idp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)
}

func TestAuthenticate_FirstLoginRejected(t *testing.T) {
	o, idp, store := newTestOrchestrator(t)
	expectLogin(idp, mock.Anything, "bad", false)

	err := o.Authenticate(context.Background(), "alice", "bad")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrStaleCredential)

	v, _ := snapshot(t, store, "alice")
	assert.Nil(t, v)
	idp.AssertExpectations(t)
}

func TestAuthenticate_FirstLoginTransportErrorIsTerminal(t *testing.T) {
	o, idp, store := newTestOrchestrator(t)
	transport := &cas.TransportError{Op: http.MethodGet, URL: "http://cas/login", Err: context.DeadlineExceeded}
	idp.On("FetchToken", mock.Anything, mock.Anything).Return("", transport).Once()

	err := o.Authenticate(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, cas.ErrTransport)
	assert.NotErrorIs(t, err, ErrAuthFailed)

	v, _ := snapshot(t, store, "alice")
	assert.Nil(t, v)
	idp.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthenticate_ProtocolDriftIsTerminal(t *testing.T) {
	o, idp, _ := newTestOrchestrator(t)
	idp.On("FetchToken", mock.Anything, mock.Anything).Return("", cas.ErrTokenNotFound).Once()

	err := o.Authenticate(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, cas.ErrProtocolDrift)
	assert.NotErrorIs(t, err, ErrAuthFailed)
}

// primed logs alice in with pw1 and clears the mock's recorded calls.
func primed(t *testing.T) (*Orchestrator, *mockIdP, *session.Store, *cas.Session) {
	t.Helper()
	o, idp, store := newTestOrchestrator(t)
	expectLogin(idp, mock.Anything, "pw1", true)
	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))

	_, sess := snapshot(t, store, "alice")
	idp.ExpectedCalls = nil
	idp.Calls = nil
	return o, idp, store, sess
}

func TestAuthenticate_MatchingVerifierLiveSession(t *testing.T) {
	o, idp, store, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(true, nil).Once()

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))

	idp.AssertNumberOfCalls(t, "Probe", 1)
	idp.AssertNotCalled(t, "FetchToken", mock.Anything, mock.Anything)
	idp.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, after := snapshot(t, store, "alice")
	assert.Same(t, sess, after)
}

func TestAuthenticate_MatchingVerifierDeadSessionReauthenticates(t *testing.T) {
	o, idp, store, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(false, nil).Once()
	expectLogin(idp, sess, "pw1", true)

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))
	idp.AssertExpectations(t)

	v, after := snapshot(t, store, "alice")
	assert.Same(t, sess, after, "re-authentication happens on the cached session")
	assert.True(t, v.Matches("pw1"))
}

func TestAuthenticate_ProbeTransportFailureFallsBackOnce(t *testing.T) {
	o, idp, _, sess := primed(t)
	transport := &cas.TransportError{Op: http.MethodPost, URL: "http://cas/login", Err: context.DeadlineExceeded}
	idp.On("Probe", mock.Anything, sess).Return(false, transport).Once()
	expectLogin(idp, sess, "pw1", true)

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))

	idp.AssertNumberOfCalls(t, "Probe", 1)
	idp.AssertNumberOfCalls(t, "FetchToken", 1)
	idp.AssertNumberOfCalls(t, "Authenticate", 1)
}

func TestAuthenticate_ProbeDriftFallsBack(t *testing.T) {
	o, idp, _, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(false, cas.ErrProtocolDrift).Once()
	expectLogin(idp, sess, "pw1", true)

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw1"))
	idp.AssertExpectations(t)
}

func TestAuthenticate_StaleCredential(t *testing.T) {
	o, idp, store, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(false, nil).Once()
	expectLogin(idp, sess, "pw1", false)

	err := o.Authenticate(context.Background(), "alice", "pw1")
	assert.ErrorIs(t, err, ErrStaleCredential)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, "login failed, has the password been changed?", err.Error())

	v, after := snapshot(t, store, "alice")
	assert.True(t, v.Matches("pw1"), "verifier is kept")
	assert.Same(t, sess, after)
}

func TestAuthenticate_MismatchedPasswordUsesCandidate(t *testing.T) {
	o, idp, store, sess := primed(t)
	candidate := mock.MatchedBy(func(s *cas.Session) bool { return s != sess })
	expectLogin(idp, candidate, "pw2", true)

	require.NoError(t, o.Authenticate(context.Background(), "alice", "pw2"))
	idp.AssertExpectations(t)
	idp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything)

	v, after := snapshot(t, store, "alice")
	assert.NotSame(t, sess, after)
	assert.True(t, v.Matches("pw2"))
	assert.False(t, v.Matches("pw1"))
}

func TestAuthenticate_MismatchedPasswordRejectedKeepsPair(t *testing.T) {
	o, idp, store, sess := primed(t)
	candidate := mock.MatchedBy(func(s *cas.Session) bool { return s != sess })
	expectLogin(idp, candidate, "wrong", false)

	err := o.Authenticate(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrStaleCredential)

	v, after := snapshot(t, store, "alice")
	assert.Same(t, sess, after)
	assert.True(t, v.Matches("pw1"))
}

func TestAuthenticate_MismatchedPasswordTransportErrorKeepsPair(t *testing.T) {
	o, idp, store, sess := primed(t)
	candidate := mock.MatchedBy(func(s *cas.Session) bool { return s != sess })
	idp.On("FetchToken", mock.Anything, candidate).Return("tok", nil).Once()
	idp.On("Authenticate", mock.Anything, candidate, "alice", "pw2", "tok").
		Return(false, &cas.TransportError{Op: http.MethodPost, URL: "x", Err: context.DeadlineExceeded}).Once()

	err := o.Authenticate(context.Background(), "alice", "pw2")
	assert.ErrorIs(t, err, cas.ErrTransport)

	v, after := snapshot(t, store, "alice")
	assert.Same(t, sess, after)
	assert.True(t, v.Matches("pw1"))
}

func TestAuthenticate_CanceledContext(t *testing.T) {
	o, idp, store := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, o.Authenticate(ctx, "alice", "pw1"), context.Canceled)
	assert.Equal(t, 0, store.Len())
	idp.AssertExpectations(t)
}

func TestService_BridgesAndRunsCallback(t *testing.T) {
	o, idp, _, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(true, nil).Once()
	idp.On("BridgeService", mock.Anything, sess).Return(nil).Once()

	called := false
	err := o.Service(context.Background(), "alice", "pw1", func(ctx context.Context, d Doer) error {
		called = true
		_, isSession := d.(*cas.Session)
		assert.False(t, isSession, "callback must not receive the session itself")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	idp.AssertExpectations(t)
}

func TestService_AuthFailureSkipsBridge(t *testing.T) {
	o, idp, _ := newTestOrchestrator(t)
	expectLogin(idp, mock.Anything, "bad", false)

	err := o.Service(context.Background(), "alice", "bad", func(context.Context, Doer) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrAuthFailed)
	idp.AssertNotCalled(t, "BridgeService", mock.Anything, mock.Anything)
}

func TestService_BridgeFailure(t *testing.T) {
	o, idp, _, sess := primed(t)
	idp.On("Probe", mock.Anything, sess).Return(true, nil).Once()
	idp.On("BridgeService", mock.Anything, sess).
		Return(&cas.TransportError{Op: http.MethodGet, URL: "x", Err: assert.AnError}).Once()

	err := o.Service(context.Background(), "alice", "pw1", func(context.Context, Doer) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, cas.ErrTransport)
}

func TestForget(t *testing.T) {
	o, _, store, _ := primed(t)
	require.Equal(t, 1, o.Accounts())

	require.NoError(t, o.Forget(context.Background(), "alice"))
	assert.Equal(t, 0, store.Len())
}
