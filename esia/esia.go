// Package esia drives the delegated-login exchange with the
// government identity provider (ESIA) on behalf of a portal client:
// the crosslogin redirect chain, password and QR entry, second-factor
// resolution, and the final assertion-for-session exchange with the
// portal. The package owns a dedicated HTTP client because the
// provider requires manual redirect handling and legacy TLS settings
// that must not leak into the portal transport.
package esia

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netschool-go/netschool/prompt"
)

var (
	// ESIAErr covers provider-side failures distinct from bad portal
	// credentials: consent denial, provider outage, QR expiry,
	// unexpected protocol steps.
	ESIAErr = errors.New("identity provider error")

	// MFAErr is returned when a second-factor challenge cannot be
	// resolved: attempts exhausted, deadline passed, or the method is
	// not supported.
	MFAErr = errors.New("second factor not resolved")
)

const (
	defaultESIABase = "https://esia.gosuslugi.ru"

	// Bounded redirect chains; the provider is known to bounce through
	// several hosts before landing.
	crossloginMaxHops = 20
	callbackMaxHops   = 15

	defaultRequestTimeout = 30 * time.Second

	esiaUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/120.0.0.0 Safari/537.36"
)

// Flow is one delegated-login attempt against a portal instance. A
// Flow is single-use: it accumulates provider cookies while stepping
// through the exchange and hands the final session material back to
// the caller.
type Flow struct {
	origin   string // portal origin, e.g. https://sgo.example.ru
	esiaBase string
	esiaHost string
	hc       *http.Client
	jar      *cookiejar.Jar
	prompt   prompt.Provider
	nowTime  func() time.Time
	timeout  time.Duration
	logger   zerolog.Logger
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithESIABase points the flow at a different provider base URL
// (tests use a local fake).
func WithESIABase(base string) FlowOption {
	return func(f *Flow) {
		f.esiaBase = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient replaces the provider HTTP client (tests).
func WithHTTPClient(hc *http.Client) FlowOption {
	return func(f *Flow) {
		f.hc = hc
	}
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) FlowOption {
	return func(f *Flow) {
		f.nowTime = nowFunc
	}
}

// WithRequestTimeout bounds a single provider request/response
// exchange.
func WithRequestTimeout(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFlow prepares a delegated-login attempt for the portal at origin.
func NewFlow(origin string, p prompt.Provider, options ...FlowOption) (*Flow, error) {
	if origin == "" {
		return nil, errors.New("[NewFlow] portal origin is required")
	}
	if p == nil {
		p = prompt.NonInteractive{}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFlow] cookie jar")
	}

	f := &Flow{
		origin:   strings.TrimRight(origin, "/"),
		esiaBase: defaultESIABase,
		jar:      jar,
		prompt:   p,
		nowTime:  time.Now,
		timeout:  defaultRequestTimeout,
		logger:   log.With().Str("component", "esia").Str("attempt", uuid.NewString()).Logger(),
	}
	for _, opt := range options {
		opt(f)
	}

	if f.hc == nil {
		// The provider still negotiates pre-1.3 TLS with weakened
		// cipher requirements; redirects are followed manually so
		// intermediate Set-Cookie headers are never lost.
		f.hc = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, //nolint:gosec
					MaxVersion:         tls.VersionTLS12,
				},
			},
		}
	}
	f.hc.Jar = jar
	f.hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	f.hc.Timeout = 0 // per-request deadlines via ctx; the QR stream outlives any fixed value

	if u, err := url.Parse(f.esiaBase); err == nil {
		f.esiaHost = u.Host
	}
	return f, nil
}

// step is one decoded provider response. The provider is loose about
// key names, so lookups go through helpers instead of a fixed struct.
type step map[string]any

func (s step) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := s[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s step) section(key string) step {
	if m, ok := s[key].(map[string]any); ok {
		return step(m)
	}
	return step{}
}

func (s step) action() string { return s.str("action") }

func (s step) failed() string { return s.str("failed") }

// redirectURL digs the post-login redirect out of whichever key the
// provider chose this time.
func (s step) redirectURL() string {
	if u := s.str("redirect_url", "redirectUrl", "redirectURL", "url", "redirect"); u != "" {
		return u
	}
	return s.section("data").str("redirect_url", "redirectUrl", "redirectURL", "url")
}

func (s step) intOr(key string, fallback int) int {
	if v, ok := s[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func (s step) truncated() string {
	raw, err := json.Marshal(map[string]any(s))
	if err != nil {
		return "<unencodable>"
	}
	if len(raw) > 500 {
		raw = raw[:500]
	}
	return string(raw)
}

func (f *Flow) apiHeaders() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Origin", f.esiaBase)
	h.Set("Referer", f.esiaBase+"/login/")
	h.Set("User-Agent", esiaUserAgent)
	return h
}

// request performs one provider exchange within the flow's request
// timeout and returns status, body and headers.
func (f *Flow) request(ctx context.Context, method, target string, headers http.Header, body []byte) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[Flow.request] build %s %s", method, target)
	}
	req.Header.Set("User-Agent", esiaUserAgent)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[Flow.request] %s %s", method, target)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "[Flow.request] %s %s: read body", method, target)
	}
	return resp, raw, nil
}

func (f *Flow) postJSON(ctx context.Context, target string, payload any) (step, int, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, 0, errors.Wrap(err, "[Flow.postJSON] encode")
		}
	}
	resp, raw, err := f.request(ctx, http.MethodPost, target, f.apiHeaders(), body)
	if err != nil {
		return nil, 0, err
	}
	return decodeStep(raw), resp.StatusCode, nil
}

func (f *Flow) getJSON(ctx context.Context, target string) (step, int, error) {
	resp, raw, err := f.request(ctx, http.MethodGet, target, f.apiHeaders(), nil)
	if err != nil {
		return nil, 0, err
	}
	return decodeStep(raw), resp.StatusCode, nil
}

func decodeStep(raw []byte) step {
	var s step
	if err := json.Unmarshal(raw, &s); err != nil {
		return step{}
	}
	return s
}

// Crosslogin walks the portal's SSO redirect chain until it lands on
// the provider's login page. Every intermediate Set-Cookie is kept.
func (f *Flow) Crosslogin(ctx context.Context) error {
	// Prime the portal session cookie first.
	if _, _, err := f.request(ctx, http.MethodGet, f.origin+"/webapi/logindata", nil, nil); err != nil {
		return errors.Wrap(err, "[Flow.Crosslogin] logindata")
	}

	target := f.origin + "/webapi/sso/esia/crosslogin"
	for hop := 0; hop < crossloginMaxHops; hop++ {
		resp, _, err := f.request(ctx, http.MethodGet, target, nil, nil)
		if err != nil {
			return errors.Wrap(err, "[Flow.Crosslogin] hop")
		}
		if !isRedirect(resp.StatusCode) {
			if !f.isProviderURL(target) {
				return errors.Wrapf(ESIAErr, "crosslogin ended off-provider at %s", target)
			}
			f.logger.Debug().Str("url", target).Msg("crosslogin chain complete")
			return nil
		}
		next, err := resolveLocation(target, resp.Header.Get("Location"))
		if err != nil {
			return errors.Wrap(err, "[Flow.Crosslogin] resolve redirect")
		}
		target = next
	}
	return errors.Wrap(ESIAErr, "crosslogin redirect chain too long")
}

func (f *Flow) isProviderURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Host == f.esiaHost
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(current, location string) (string, error) {
	if location == "" {
		return "", errors.New("redirect without location")
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location, nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

// PasswordLogin submits provider credentials and returns the first
// protocol step. Credential rejections are reported as ESIAErr with
// the provider's reason.
func (f *Flow) PasswordLogin(ctx context.Context, login, password string) (step, error) {
	s, _, err := f.postJSON(ctx, f.esiaBase+"/aas/oauth2/api/login", map[string]string{
		"login":    login,
		"password": password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[Flow.PasswordLogin] submit")
	}
	if code := s.failed(); code != "" {
		return nil, errors.Wrapf(ESIAErr, "login rejected: %s", describeFailure(code))
	}
	return s, nil
}

var failureReasons = map[string]string{
	"INVALID_PASSWORD":  "invalid password",
	"INVALID_LOGIN":     "invalid login",
	"ACCOUNT_LOCKED":    "account locked",
	"ACCOUNT_NOT_FOUND": "account not found",
	"CAPTCHA_REQUIRED":  "captcha required (too many attempts)",
}

func describeFailure(code string) string {
	if msg, ok := failureReasons[code]; ok {
		return msg
	}
	return code
}

// ResolveLogin turns a protocol step into the callback redirect URL,
// resolving MFA, anomaly checks and interstitial steps on the way.
func (f *Flow) ResolveLogin(ctx context.Context, s step) (string, error) {
	if u := s.redirectURL(); u != "" {
		return u, nil
	}

	switch s.action() {
	case "ENTER_MFA":
		return f.resolveMFA(ctx, s)
	case "SOLVE_ANOMALY_REACTION":
		return f.resolveAnomaly(ctx, s)
	case "DONE":
		return "", errors.Wrap(ESIAErr, "provider reported DONE without a redirect url")
	case "MAX_QUIZ", "CHANGE_PASSWORD":
		return f.resolveInterstitials(ctx, s)
	}
	return "", errors.Wrapf(ESIAErr, "unexpected provider response: %s", s.truncated())
}

var loginStateRe = regexp.MustCompile(`loginState=([a-f0-9-]+)`)

// CallbackToLoginState follows the provider's callback chain back to
// the portal and extracts the loginState correlation id.
func (f *Flow) CallbackToLoginState(ctx context.Context, redirectURL string) (string, error) {
	var loginState string
	target := redirectURL
	for hop := 0; hop < callbackMaxHops; hop++ {
		resp, _, err := f.request(ctx, http.MethodGet, target, nil, nil)
		if err != nil {
			return "", errors.Wrap(err, "[Flow.CallbackToLoginState] hop")
		}
		if m := loginStateRe.FindStringSubmatch(target + resp.Header.Get("Location")); m != nil {
			loginState = m[1]
		}
		if !isRedirect(resp.StatusCode) {
			break
		}
		next, err := resolveLocation(target, resp.Header.Get("Location"))
		if err != nil {
			return "", errors.Wrap(err, "[Flow.CallbackToLoginState] resolve redirect")
		}
		target = next
	}

	if loginState == "" {
		return "", errors.Wrap(ESIAErr, "callback chain produced no loginState")
	}
	return loginState, nil
}

// PortalCookies returns the cookies the flow accumulated for the
// portal origin, for transfer into the authenticated transport.
func (f *Flow) PortalCookies() []*http.Cookie {
	u, err := url.Parse(f.origin)
	if err != nil {
		return nil
	}
	return f.jar.Cookies(u)
}
