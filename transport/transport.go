// Package transport is the authenticated HTTP channel to a portal
// instance. It wraps retryablehttp with the portal's conventions: all
// paths are relative to <base>/webapi, the NSSESSIONID cookie and the
// "at" access-token header are carried on every request, and transient
// failures (read timeouts, 5xx) are retried within the per-request
// timeout before being reported as ServerUnavailableErr.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServerUnavailableErr is returned when the portal did not produce a
// usable response within the allotted time: connection failures,
// request timeouts and 5xx responses that survived the retry budget.
var ServerUnavailableErr = errors.New("server unavailable")

const (
	defaultTimeout   = 5 * time.Second
	defaultUserAgent = "NetSchoolGo/1.0"

	retryMax     = 3
	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 2 * time.Second
)

// StatusError is a non-2xx portal response. The body is kept so callers
// can surface the portal's own message (e.g. the 409 login rejection).
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// IsUnauthorized reports whether err is a 401 from the portal.
func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// Session is a mutable HTTP session against one portal instance.
// Safe for concurrent use; the keep-alive scheduler and foreground
// calls share one instance.
type Session struct {
	base   string // <origin>/webapi
	origin string // scheme://host[:port]
	client *retryablehttp.Client
	jar    *cookiejar.Jar

	mu      sync.RWMutex
	headers map[string]string
	timeout time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Session) {
		hc.Jar = s.jar
		s.client.HTTPClient = hc
	}
}

// New builds a Session for the portal at baseURL. The "/webapi" suffix
// is appended if not already present.
func New(baseURL string, opts ...Option) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "[transport.New] parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("[transport.New] unsupported scheme %q", u.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "[transport.New] cookie jar")
	}

	origin := u.Scheme + "://" + u.Host
	base := strings.TrimSuffix(u.String(), "/webapi") + "/webapi"

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = retryLogger{}
	rc.HTTPClient.Jar = jar

	s := &Session{
		base:   base,
		origin: origin,
		client: rc,
		jar:    jar,
		headers: map[string]string{
			"User-Agent": defaultUserAgent,
			"Referer":    origin,
		},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// retryLogger routes retryablehttp's chatter to zerolog at debug level.
type retryLogger struct{}

func (retryLogger) Printf(format string, args ...any) {
	log.Debug().Str("component", "transport").Msgf(format, args...)
}

var _ retryablehttp.Logger = retryLogger{}

// BaseURL returns the webapi base, e.g. "https://sgo.example.ru/webapi".
func (s *Session) BaseURL() string { return s.base }

// Origin returns the portal origin without the webapi suffix.
func (s *Session) Origin() string { return s.origin }

// Timeout returns the default per-request timeout.
func (s *Session) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// SetHeader sets a default header carried on every request.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[key] = value
}

// RemoveHeader removes a default header.
func (s *Session) RemoveHeader(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.headers, key)
}

// SetCookie stores a cookie for the portal host.
func (s *Session) SetCookie(name, value string) {
	u, err := url.Parse(s.origin)
	if err != nil {
		return
	}
	s.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

// Cookies returns the cookies currently held for the portal host.
func (s *Session) Cookies() []*http.Cookie {
	u, err := url.Parse(s.origin)
	if err != nil {
		return nil
	}
	return s.jar.Cookies(u)
}

// ClearCookies drops all portal cookies. Used on logout.
func (s *Session) ClearCookies() {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	s.jar = jar
	s.client.HTTPClient.Jar = jar
}

// Get performs a GET on a webapi path and returns the raw body.
func (s *Session) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	body, _, err := s.do(ctx, http.MethodGet, path, query, "", nil)
	return body, err
}

// GetWithHeader performs a GET and also returns the response headers;
// some login paths deliver the access token in an "at" header.
func (s *Session) GetWithHeader(ctx context.Context, path string, query url.Values) ([]byte, http.Header, error) {
	return s.do(ctx, http.MethodGet, path, query, "", nil)
}

// GetJSON performs a GET and decodes the JSON body into out.
func (s *Session) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := s.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "[Session.GetJSON] decode %s", path)
	}
	return nil
}

// PostForm performs a form-encoded POST and decodes the JSON response
// into out when out is non-nil.
func (s *Session) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	body, _, err := s.do(ctx, http.MethodPost, path, nil,
		"application/x-www-form-urlencoded; charset=UTF-8",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	return decodeInto(path, body, out)
}

// PostJSON performs a JSON POST and decodes the JSON response into out
// when out is non-nil.
func (s *Session) PostJSON(ctx context.Context, path string, query url.Values, payload, out any) error {
	var rd io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "[Session.PostJSON] encode %s", path)
		}
		rd = bytes.NewReader(raw)
	}
	body, _, err := s.do(ctx, http.MethodPost, path, query, "application/json", rd)
	if err != nil {
		return err
	}
	return decodeInto(path, body, out)
}

func decodeInto(path string, body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "[transport] decode %s", path)
	}
	return nil
}

func (s *Session) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) ([]byte, http.Header, error) {
	target := s.base + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[Session.do] build %s %s", method, path)
	}
	s.mu.RLock()
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.mu.RUnlock()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errors.Wrapf(ServerUnavailableErr, "%s %s: %v", method, path, ctx.Err())
		}
		return nil, nil, errors.Wrapf(ServerUnavailableErr, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrapf(ServerUnavailableErr, "%s %s: read body: %v", method, path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		// Retries exhausted.
		return nil, nil, errors.Wrapf(ServerUnavailableErr, "%s %s: status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, Body: raw}
	}
	return raw, resp.Header, nil
}
