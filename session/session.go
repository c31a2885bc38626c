// Package session holds the authenticated identity of a portal client:
// the access token, the transport cookies that accompany it, the
// identity fields resolved during login, and the freshness bookkeeping
// used by the keep-alive scheduler and the export/import codec.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SessionExpiredErr is returned when the portal rejects previously
// issued credentials as no longer valid.
var SessionExpiredErr = errors.New("session expired")

// Cookie is one transport cookie carried on authenticated requests.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Identity are the portal-side identifiers resolved during login.
// StudentID is zero for accounts without a student context.
type Identity struct {
	UserID    int
	SchoolID  int
	StudentID int
	YearID    int
}

// Session is the authenticated identity held by the client.
//
// The access token and the cookie set are populated together in
// Establish and cleared together in Clear; a Session is never
// observable with only one of the two. Expired is monotone: it moves
// from false to true once and only Clear resets it.
type Session struct {
	mu sync.RWMutex

	accessToken string
	cookies     []Cookie
	identity    Identity

	issuedAt        time.Time
	lastRefreshedAt time.Time
	expired         bool
}

// New returns an empty, unauthenticated Session.
func New() *Session {
	return &Session{}
}

// Establish populates the session in one step. Both the token and the
// cookie set must be present.
func (s *Session) Establish(token string, cookies []Cookie, id Identity, now time.Time) error {
	if token == "" {
		return errors.New("[Session.Establish] empty access token")
	}
	if len(cookies) == 0 {
		return errors.New("[Session.Establish] empty cookie set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
	s.cookies = append([]Cookie(nil), cookies...)
	s.identity = id
	s.issuedAt = now
	s.lastRefreshedAt = now
	s.expired = false
	return nil
}

// Clear drops all authentication material. Idempotent.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	s.cookies = nil
	s.identity = Identity{}
	s.issuedAt = time.Time{}
	s.lastRefreshedAt = time.Time{}
	s.expired = false
}

// Active reports whether the session holds authentication material
// that has not been flagged as expired.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken != "" && !s.expired
}

// AccessToken returns the bearer credential, empty when logged out.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Cookies returns a copy of the transport cookies.
func (s *Session) Cookies() []Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Cookie(nil), s.cookies...)
}

// Identity returns the resolved portal identifiers.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetIdentity replaces the identity fields, e.g. after a late school
// resolution on a token login.
func (s *Session) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// IssuedAt returns the time the session was established.
func (s *Session) IssuedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuedAt
}

// LastRefreshedAt returns the time of the last successful heartbeat.
func (s *Session) LastRefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefreshedAt
}

// MarkRefreshed records a successful heartbeat.
func (s *Session) MarkRefreshed(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefreshedAt = now
}

// MarkExpired flags the session as rejected by the portal. Monotone;
// once set it stays set until Clear.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = true
}

// Expired reports whether the portal has rejected this session.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}
