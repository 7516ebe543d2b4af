package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ParleSec/casproxy/internal/logger"
)

const (
	// SuccessMarker is the literal the login endpoint renders once a session is authenticated.
	SuccessMarker = "Log In Successful"

	defaultLocale   = "en"
	maxResponseBody = 2 << 20
)

// Browser-style headers sent with the service bridge request.
var bridgeHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "zh-cn",
	"Accept-Encoding": "gzip, deflate, br",
}

// Config holds the identity provider endpoints and transport settings.
type Config struct {
	// LoginURL is the CAS login page and form endpoint.
	LoginURL string
	// ServiceURL is the login URL with the downstream service parameter set.
	ServiceURL string
	// ServiceReferer is sent as Referer on the service bridge request.
	ServiceReferer string
	UserAgent      string
	// Timeout bounds each upstream request.
	Timeout time.Duration
	// Transport is optional and shared by every session the client builds.
	Transport http.RoundTripper
}

// Client talks to the CAS identity provider on behalf of a Session.
type Client struct {
	cfg     Config
	scraper TokenScraper
	logger  *logger.Logger
}

// NewClient creates a new CAS client
func NewClient(cfg Config, scraper TokenScraper, log *logger.Logger) *Client {
	if scraper == nil {
		scraper = NewTokenScraper()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		scraper: scraper,
		logger:  log.With("component", "cas"),
	}
}

// NewSession builds an unauthenticated session configured for this identity provider.
func (c *Client) NewSession() (*Session, error) {
	return NewSession(SessionOptions{
		UserAgent: c.cfg.UserAgent,
		Timeout:   c.cfg.Timeout,
		Transport: c.cfg.Transport,
	})
}

// FetchToken loads the login page on sess and scrapes the execution token from it.
func (c *Client) FetchToken(ctx context.Context, sess *Session) (string, error) {
	body, _, err := c.do(ctx, sess, http.MethodGet, c.cfg.LoginURL, nil, nil)
	if err != nil {
		return "", err
	}

	token, err := c.scraper.Extract(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	return token, nil
}

// Probe reports whether sess is still authenticated. It submits a locale-only form and
// relies entirely on the session's cookies.
func (c *Client) Probe(ctx context.Context, sess *Session) (bool, error) {
	form := url.Values{"locale": {defaultLocale}}

	body, _, err := c.do(ctx, sess, http.MethodPost, c.cfg.LoginURL, form, nil)
	if err != nil {
		return false, err
	}

	ok := bytes.Contains(body, []byte(SuccessMarker))
	c.logger.Debug("session probe finished", "session", sess.ID(), "authenticated", ok)
	return ok, nil
}

// Authenticate submits the username/password form. On success the session's cookie jar holds
// the new authenticated state. A false result with a nil error means the upstream rejected
// the credentials or the token.
func (c *Client) Authenticate(ctx context.Context, sess *Session, username, password, token string) (bool, error) {
	form := url.Values{
		"username":  {username},
		"password":  {password},
		"execution": {token},
		"_eventId":  {"submit"},
		"locale":    {defaultLocale},
	}

	body, _, err := c.do(ctx, sess, http.MethodPost, c.cfg.LoginURL, form, nil)
	if err != nil {
		return false, err
	}

	ok := bytes.Contains(body, []byte(SuccessMarker))
	if ok {
		sess.markAuthenticated()
	}
	c.logger.Debug("password login finished", "session", sess.ID(), "username", username, "authenticated", ok)
	return ok, nil
}

// BridgeService follows the service-ticket redirect so the downstream service trusts sess.
func (c *Client) BridgeService(ctx context.Context, sess *Session) error {
	headers := make(map[string]string, len(bridgeHeaders)+1)
	for k, v := range bridgeHeaders {
		headers[k] = v
	}
	if c.cfg.ServiceReferer != "" {
		headers["Referer"] = c.cfg.ServiceReferer
	}

	_, status, err := c.do(ctx, sess, http.MethodGet, c.cfg.ServiceURL, nil, headers)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return transportError(http.MethodGet, c.cfg.ServiceURL, fmt.Errorf("unexpected status %d", status))
	}
	c.logger.Debug("service bridge finished", "session", sess.ID())
	return nil
}

func (c *Client) do(ctx context.Context, sess *Session, method, target string, form url.Values, headers map[string]string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sess.Do(req)
	if err != nil {
		return nil, 0, transportError(method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, transportError(method, target, fmt.Errorf("failed to read response: %w", err))
	}

	// CAS answers a rejected login with 401 and the login page, which is a valid negative
	// result. Anything 5xx means the upstream itself is unhealthy.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, resp.StatusCode, transportError(method, target, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return data, resp.StatusCode, nil
}
