// Package netschool is a client for the «Сетевой город» school portal.
// It authenticates with portal credentials or through the government
// identity provider (password or QR, with second-factor support),
// keeps the session alive against the portal's idle timeout, can
// persist and restore sessions across restarts, and exposes the
// portal's diary, announcements, mail and school-directory data.
package netschool

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/netschool-go/netschool/models"
	"github.com/netschool-go/netschool/prompt"
	"github.com/netschool-go/netschool/regions"
	"github.com/netschool-go/netschool/session"
	"github.com/netschool-go/netschool/transport"
)

// Client is a portal client bound to one instance and at most one
// authenticated session. One login attempt may be in flight at a time;
// all authenticated calls read the same Session the background
// keep-alive refreshes.
type Client struct {
	http      *transport.Session
	sess      *session.Session
	keepAlive *session.KeepAlive
	prompt    prompt.Provider
	nowTime   func() time.Time

	esiaBase string
	esiaHTTP *http.Client

	timeout    time.Duration
	httpClient *http.Client

	keepAliveInterval time.Duration
	loginInFlight     atomic.Bool

	assignmentTypes models.AssignmentTypes
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds a single portal request/response exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client used for portal requests
// (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPromptProvider supplies the capability used for interactive
// input: provider credentials, second-factor codes, organization
// choices. The default fails fast instead of blocking on stdin.
func WithPromptProvider(p prompt.Provider) Option {
	return func(c *Client) {
		if p != nil {
			c.prompt = p
		}
	}
}

// WithKeepAliveInterval sets the heartbeat cadence for new sessions.
// Zero disables background pinging.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Client) {
		c.keepAliveInterval = d
	}
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// WithESIABase points delegated logins at a different identity
// provider base URL (tests use a local fake).
func WithESIABase(base string) Option {
	return func(c *Client) {
		c.esiaBase = base
	}
}

// WithESIAHTTPClient replaces the HTTP client used for provider
// exchanges (tests).
func WithESIAHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.esiaHTTP = hc
	}
}

// New builds a Client for the portal at urlOrRegion: either a full
// base URL ("https://sgo.example.ru") or a region name resolvable
// through the regions directory.
func New(urlOrRegion string, options ...Option) (*Client, error) {
	baseURL, err := resolveBaseURL(urlOrRegion)
	if err != nil {
		return nil, err
	}

	c := &Client{
		sess:              session.New(),
		prompt:            prompt.NonInteractive{},
		nowTime:           time.Now,
		keepAliveInterval: session.DefaultKeepAliveInterval,
	}

	for _, opt := range options {
		opt(c)
	}

	var topts []transport.Option
	if c.timeout > 0 {
		topts = append(topts, transport.WithTimeout(c.timeout))
	}
	if c.httpClient != nil {
		topts = append(topts, transport.WithHTTPClient(c.httpClient))
	}
	c.http, err = transport.New(baseURL, topts...)
	if err != nil {
		return nil, err
	}

	c.keepAlive, err = session.NewKeepAlive(
		c.sess, c.heartbeat, c.keepAliveInterval,
		session.WithKeepAliveNowTime(c.nowTime),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func resolveBaseURL(urlOrRegion string) (string, error) {
	if strings.HasPrefix(urlOrRegion, "http://") || strings.HasPrefix(urlOrRegion, "https://") {
		return urlOrRegion, nil
	}
	if url, ok := regions.GetURL(urlOrRegion); ok {
		return url, nil
	}
	return "", errors.Errorf("[netschool.New] cannot resolve %q to a portal url; pass the server url explicitly", urlOrRegion)
}

// Session exposes the current session state (read-only use expected).
func (c *Client) Session() *session.Session { return c.sess }

// beginLogin claims the single login slot. The returned release must
// run when the attempt finishes, successful or not.
func (c *Client) beginLogin() (func(), error) {
	if !c.loginInFlight.CompareAndSwap(false, true) {
		return nil, LoginInProgressErr
	}
	return func() { c.loginInFlight.Store(false) }, nil
}

// heartbeat is the keep-alive probe: a cheap authenticated request
// that resets the portal's idle timer.
func (c *Client) heartbeat(ctx context.Context) error {
	_, err := c.http.Get(ctx, "context", nil)
	if transport.IsUnauthorized(err) {
		return errors.Wrap(session.SessionExpiredErr, "heartbeat rejected")
	}
	return err
}

// startKeepAlive arms the scheduler for a freshly established session.
func (c *Client) startKeepAlive() {
	c.keepAlive.SetInterval(c.keepAliveInterval)
	if c.keepAliveInterval > 0 {
		c.keepAlive.Start()
	}
}

// SetKeepAliveInterval changes the heartbeat cadence at runtime. Zero
// disables background pinging without touching session validity; a
// non-zero value takes effect from the next scheduling decision.
func (c *Client) SetKeepAliveInterval(d time.Duration) {
	c.keepAliveInterval = d
	c.keepAlive.SetInterval(d)
	if d > 0 && c.sess.Active() {
		c.keepAlive.Start()
	}
}

// Logout stops the keep-alive scheduler, invalidates the portal
// session and clears all authentication material. Calling it with no
// session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	c.keepAlive.Stop()

	if c.sess.AccessToken() != "" {
		err := c.http.PostForm(ctx, "auth/logout", nil, nil)
		if err != nil && !transport.IsUnauthorized(err) {
			log.Warn().Err(err).Msg("portal logout failed, clearing session anyway")
		}
	}

	c.sess.Clear()
	c.http.RemoveHeader("at")
	c.http.ClearCookies()
	return nil
}

// finishLogin loads the post-authentication context shared by every
// strategy: current school year and the assignment-kind dictionary.
func (c *Client) finishLogin(ctx context.Context, id *session.Identity) error {
	var year struct {
		ID int `json:"id"`
	}
	if err := c.http.GetJSON(ctx, "years/current", nil, &year); err != nil {
		return errors.Wrap(err, "[Client.finishLogin] years/current")
	}
	id.YearID = year.ID

	if id.SchoolID <= 0 {
		var portalCtx struct {
			SchoolID int `json:"schoolId"`
		}
		if err := c.http.GetJSON(ctx, "context", nil, &portalCtx); err == nil {
			id.SchoolID = portalCtx.SchoolID
		}
	}

	return errors.Wrap(c.loadAssignmentTypes(ctx), "[Client.finishLogin] assignment types")
}

// initStudent runs the authenticated probe every strategy converges
// on and resolves the active student.
func (c *Client) initStudent(ctx context.Context) (int, error) {
	var info struct {
		CurrentStudentID int `json:"currentStudentId"`
		Students         []struct {
			StudentID int `json:"studentId"`
		} `json:"students"`
	}
	if err := c.http.GetJSON(ctx, "student/diary/init", nil, &info); err != nil {
		return 0, err
	}
	if info.CurrentStudentID < 0 || info.CurrentStudentID >= len(info.Students) {
		return 0, errors.Wrap(LoginErr, "portal returned no student context")
	}
	return info.Students[info.CurrentStudentID].StudentID, nil
}

// establish publishes the session after a successful strategy run and
// arms the keep-alive scheduler.
func (c *Client) establish(token string, id session.Identity) error {
	cookies := make([]session.Cookie, 0)
	for _, ck := range c.http.Cookies() {
		cookies = append(cookies, session.Cookie{Name: ck.Name, Value: ck.Value})
	}
	if err := c.sess.Establish(token, cookies, id, c.nowTime()); err != nil {
		return err
	}
	c.startKeepAlive()
	log.Info().Int("school", id.SchoolID).Int("student", id.StudentID).Msg("session established")
	return nil
}
