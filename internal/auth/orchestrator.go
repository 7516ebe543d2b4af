// Package auth decides, per request, whether a user's cached CAS session can be reused or a
// full password login is needed, and commits the outcome to the session store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ParleSec/casproxy/internal/cas"
	"github.com/ParleSec/casproxy/internal/credential"
	"github.com/ParleSec/casproxy/internal/logger"
	"github.com/ParleSec/casproxy/internal/session"
)

// IdentityProvider is the subset of the CAS client the orchestrator drives.
type IdentityProvider interface {
	FetchToken(ctx context.Context, sess *cas.Session) (string, error)
	Probe(ctx context.Context, sess *cas.Session) (bool, error)
	Authenticate(ctx context.Context, sess *cas.Session, username, password, token string) (bool, error)
	BridgeService(ctx context.Context, sess *cas.Session) error
}

var _ IdentityProvider = (*cas.Client)(nil)

// Doer executes an HTTP request on the user's authenticated session.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServiceFunc runs downstream calls once the session has been bridged into the service.
type ServiceFunc func(ctx context.Context, d Doer) error

// Orchestrator implements the login decision over a session.Store.
type Orchestrator struct {
	idp    IdentityProvider
	store  *session.Store
	hasher *credential.Hasher
	logger *logger.Logger
}

// NewOrchestrator creates a new login orchestrator
func NewOrchestrator(idp IdentityProvider, store *session.Store, hasher *credential.Hasher, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		idp:    idp,
		store:  store,
		hasher: hasher,
		logger: log.With("component", "auth"),
	}
}

// Authenticate ensures the user's cached session is authenticated for password.
//
// With no cached verifier a full login runs on the account's session. With a matching
// verifier the session is probed first and only re-authenticated if the probe fails. With a
// mismatching verifier a full login runs on a fresh session that replaces the cached pair
// only on success.
func (o *Orchestrator) Authenticate(ctx context.Context, username, password string) error {
	l, err := o.acquire(ctx, username, password)
	if err != nil {
		return err
	}
	defer l.Unlock()

	return o.authenticate(ctx, l, password)
}

// Service authenticates, bridges the session into the downstream service and runs fn with
// the account still held, so no other request for the same user interleaves.
func (o *Orchestrator) Service(ctx context.Context, username, password string, fn ServiceFunc) error {
	l, err := o.acquire(ctx, username, password)
	if err != nil {
		return err
	}
	defer l.Unlock()

	if err := o.authenticate(ctx, l, password); err != nil {
		return err
	}

	sess := l.Session()
	if err := o.idp.BridgeService(ctx, sess); err != nil {
		o.logger.Warn("service bridge failed", "username", username, "error", err)
		return fmt.Errorf("failed to bridge session into service: %w", err)
	}
	return fn(ctx, sessionDoer{sess: sess})
}

// Accounts returns how many users have a cached entry.
func (o *Orchestrator) Accounts() int {
	return o.store.Len()
}

// Forget drops a user's cached verifier and session.
func (o *Orchestrator) Forget(ctx context.Context, username string) error {
	return o.store.Forget(ctx, username)
}

func (o *Orchestrator) acquire(ctx context.Context, username, password string) (*session.Locked, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l, err := o.store.Acquire(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire account: %w", err)
	}
	return l, nil
}

func (o *Orchestrator) authenticate(ctx context.Context, l *session.Locked, password string) error {
	username := l.Identifier()
	verifier := l.Verifier()

	switch {
	case verifier == nil:
		sess := l.Session()
		if err := o.login(ctx, sess, username, password); err != nil {
			return err
		}
		return o.commit(l, password, sess)

	case verifier.Matches(password):
		sess := l.Session()
		ok, err := o.idp.Probe(ctx, sess)
		switch {
		case err != nil:
			o.logProbeFailure(username, err)
		case ok:
			o.logger.Debug("cached session reused", "username", username, "session", sess.ID())
			return nil
		}

		if err := o.login(ctx, sess, username, password); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				o.logger.Warn("cached password rejected", "username", username)
				return ErrStaleCredential
			}
			return err
		}
		return nil

	default:
		candidate, err := l.NewSession()
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if err := o.login(ctx, candidate, username, password); err != nil {
			return err
		}
		return o.commit(l, password, candidate)
	}
}

// login runs the full token fetch and password submission on sess.
func (o *Orchestrator) login(ctx context.Context, sess *cas.Session, username, password string) error {
	token, err := o.idp.FetchToken(ctx, sess)
	if err != nil {
		o.logUpstreamError("failed to fetch login token", username, err)
		return fmt.Errorf("failed to fetch login token: %w", err)
	}

	ok, err := o.idp.Authenticate(ctx, sess, username, password, token)
	if err != nil {
		o.logUpstreamError("password login failed", username, err)
		return fmt.Errorf("failed to submit login: %w", err)
	}
	if !ok {
		o.logger.Info("credentials rejected", "username", username)
		return ErrAuthFailed
	}

	o.logger.Info("password login succeeded", "username", username, "session", sess.ID())
	return nil
}

func (o *Orchestrator) commit(l *session.Locked, password string, sess *cas.Session) error {
	v, err := o.hasher.New(password)
	if err != nil {
		return fmt.Errorf("failed to derive verifier: %w", err)
	}
	l.Commit(v, sess)
	return nil
}

func (o *Orchestrator) logProbeFailure(username string, err error) {
	if errors.Is(err, cas.ErrProtocolDrift) {
		o.logger.Error("session probe failed, re-authenticating", "username", username, "error", err)
		return
	}
	o.logger.Warn("session probe failed, re-authenticating", "username", username, "error", err)
}

func (o *Orchestrator) logUpstreamError(msg, username string, err error) {
	if errors.Is(err, cas.ErrProtocolDrift) {
		o.logger.Error(msg, "username", username, "error", err)
		return
	}
	o.logger.Warn(msg, "username", username, "error", err)
}

// sessionDoer exposes only Do, so callers cannot reach into the session's state.
type sessionDoer struct {
	sess *cas.Session
}

func (d sessionDoer) Do(req *http.Request) (*http.Response, error) {
	return d.sess.Do(req)
}
