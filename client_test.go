package netschool_test

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	netschool "github.com/netschool-go/netschool"
)

const (
	testSalt     = "4821337"
	testUser     = "ivanov"
	testPassword = "secret"
	testToken    = "portal-token-1"
)

// fakePortal is a minimal portal instance: salted-hash login, the
// post-login init endpoints and a few data endpoints.
type fakePortal struct {
	mux *http.ServeMux
	srv *httptest.Server

	loginCalls     atomic.Int32
	logoutCalls    atomic.Int32
	heartbeatCalls atomic.Int32

	rejectAuth atomic.Bool // when set, authenticated endpoints answer 401

	mu            sync.Mutex
	searchResults []map[string]any
	getDataHook   http.HandlerFunc
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	p := &fakePortal{mux: http.NewServeMux()}
	p.srv = httptest.NewServer(p.mux)
	t.Cleanup(p.srv.Close)

	p.mux.HandleFunc("/webapi/logindata", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "NSSESSIONID", Value: "ns-1", Path: "/"})
		p.writeJSON(w, map[string]any{"version": "5.0"})
	})
	p.mux.HandleFunc("/webapi/auth/getdata", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		hook := p.getDataHook
		p.mu.Unlock()
		if hook != nil {
			hook(w, r)
			return
		}
		p.writeJSON(w, map[string]any{"salt": testSalt, "lt": "987654", "ver": "112233"})
	})
	p.searchResults = []map[string]any{
		{"id": 12, "name": "МБОУ СОШ №5 (г. Самара)", "shortName": "СОШ №5", "addressString": "ул. Ленина, 1"},
	}
	p.mux.HandleFunc("/webapi/schools/search", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		results := p.searchResults
		p.mu.Unlock()
		p.writeJSON(w, results)
	})
	p.mux.HandleFunc("/webapi/login", func(w http.ResponseWriter, r *http.Request) {
		p.loginCalls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1", r.PostForm.Get("loginType"))
		require.Equal(t, "12", r.PostForm.Get("scid"))
		require.Equal(t, "987654", r.PostForm.Get("lt"), "getdata fields must be echoed back")

		pw2 := saltedHash(testPassword, testSalt)
		if r.PostForm.Get("un") != testUser || r.PostForm.Get("pw2") != pw2 ||
			r.PostForm.Get("pw") != pw2[:len(testPassword)] {
			w.WriteHeader(http.StatusConflict)
			p.writeJSON(w, map[string]any{"message": "Неверный логин или пароль"})
			return
		}
		p.writeJSON(w, map[string]any{"at": testToken})
	})
	p.mux.HandleFunc("/webapi/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		p.logoutCalls.Add(1)
		p.writeJSON(w, map[string]any{})
	})

	p.authed("/webapi/student/diary/init", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "NSSESSIONID", Value: "ns-1", Path: "/"})
		w.Header().Set("at", testToken)
		p.writeJSON(w, map[string]any{
			"currentStudentId": 0,
			"students":         []map[string]any{{"studentId": 77}},
		})
	})
	p.authed("/webapi/years/current", func(w http.ResponseWriter, r *http.Request) {
		p.writeJSON(w, map[string]any{"id": 2024})
	})
	p.authed("/webapi/context", func(w http.ResponseWriter, r *http.Request) {
		p.heartbeatCalls.Add(1)
		p.writeJSON(w, map[string]any{"schoolId": 12})
	})
	p.authed("/webapi/grade/assignment/types", func(w http.ResponseWriter, r *http.Request) {
		p.writeJSON(w, []map[string]any{{"id": 3, "name": "Домашнее задание", "abbr": "ДЗ"}})
	})
	return p
}

func (p *fakePortal) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// authed wraps a handler with the 401 switch.
func (p *fakePortal) authed(path string, fn http.HandlerFunc) {
	p.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if p.rejectAuth.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fn(w, r)
	})
}

func saltedHash(password, salt string) string {
	inner := md5.Sum([]byte(password)) //nolint:gosec
	outer := md5.Sum([]byte(salt + hex.EncodeToString(inner[:])))
	return hex.EncodeToString(outer[:])
}

func newClient(t *testing.T, p *fakePortal, options ...netschool.Option) *netschool.Client {
	t.Helper()
	options = append([]netschool.Option{netschool.WithKeepAliveInterval(0)}, options...)
	c, err := netschool.New(p.srv.URL, options...)
	require.NoError(t, err)
	return c
}

func TestNew_ResolvesRegionNames(t *testing.T) {
	_, err := netschool.New("Самарская область")
	require.NoError(t, err)

	_, err = netschool.New("не регион")
	require.Error(t, err)
}

func TestLogin_HappyPath(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)

	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "СОШ №5"))

	sess := c.Session()
	require.True(t, sess.Active())
	require.Equal(t, testToken, sess.AccessToken())

	id := sess.Identity()
	require.Equal(t, 12, id.SchoolID)
	require.Equal(t, 77, id.StudentID)
	require.Equal(t, 2024, id.YearID)
	require.NotEmpty(t, sess.Cookies())
	require.Equal(t, int32(1), p.loginCalls.Load())
}

func TestLogin_NumericSchoolIDSkipsSearch(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)

	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))
	require.Equal(t, 12, c.Session().Identity().SchoolID)
}

func TestLogin_WrongPassword(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)

	err := c.Login(context.Background(), testUser, "wrong-password", "12")
	require.ErrorIs(t, err, netschool.LoginErr)
	require.Contains(t, err.Error(), "Неверный логин или пароль")
	require.False(t, c.Session().Active())
}

func TestLogin_AmbiguousSchool(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)

	// Two plausible hits, neither an exact name.
	p.mu.Lock()
	p.searchResults = []map[string]any{
		{"id": 12, "name": "МБОУ СОШ №5 (г. Самара)", "shortName": "СОШ №5"},
		{"id": 13, "name": "МБОУ СОШ №55 (г. Самара)", "shortName": "СОШ №55"},
	}
	p.mu.Unlock()

	err := c.Login(context.Background(), testUser, testPassword, "СОШ")
	require.ErrorIs(t, err, netschool.SchoolNotFoundErr)
}

func TestLogin_OneInFlightAtATime(t *testing.T) {
	p := newFakePortal(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	p.mu.Lock()
	p.getDataHook = func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		p.mu.Lock()
		p.getDataHook = nil
		p.mu.Unlock()
		p.writeJSON(w, map[string]any{"salt": testSalt, "lt": "987654"})
	}
	p.mu.Unlock()

	c := newClient(t, p)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Login(context.Background(), testUser, testPassword, "12") }()
	<-entered

	err := c.Login(context.Background(), testUser, testPassword, "12")
	require.ErrorIs(t, err, netschool.LoginInProgressErr)

	close(release)
	require.NoError(t, <-errCh)

	// The slot is free again after the attempt finished.
	require.NoError(t, c.Logout(context.Background()))
	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))
}

func TestLogout_ClearsSessionAndTolerates401(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)
	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))

	require.NoError(t, c.Logout(context.Background()))
	require.False(t, c.Session().Active())
	require.Empty(t, c.Session().AccessToken())
	require.Equal(t, int32(1), p.logoutCalls.Load())

	// Logged out already; a second logout stays quiet.
	require.NoError(t, c.Logout(context.Background()))
	require.Equal(t, int32(1), p.logoutCalls.Load())
}

func TestKeepAlive_HeartbeatsAndStopOnLogout(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p, netschool.WithKeepAliveInterval(20*time.Millisecond))

	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))

	waitFor(t, func() bool { return p.heartbeatCalls.Load() >= 2 }, "expected heartbeats after login")

	require.NoError(t, c.Logout(context.Background()))
	seen := p.heartbeatCalls.Load()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, seen, p.heartbeatCalls.Load(), "no heartbeats after logout")
}

func TestKeepAlive_ExpiryStopsHeartbeats(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p, netschool.WithKeepAliveInterval(20*time.Millisecond))

	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))
	p.rejectAuth.Store(true)

	waitFor(t, func() bool { return c.Session().Expired() }, "expected the session to expire")
	seen := p.heartbeatCalls.Load()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, seen, p.heartbeatCalls.Load(), "no heartbeats to an expired session")
}

func TestSetKeepAliveInterval_Runtime(t *testing.T) {
	p := newFakePortal(t)
	c := newClient(t, p)

	require.NoError(t, c.Login(context.Background(), testUser, testPassword, "12"))
	require.Zero(t, p.heartbeatCalls.Load())

	c.SetKeepAliveInterval(20 * time.Millisecond)
	waitFor(t, func() bool { return p.heartbeatCalls.Load() >= 1 }, "expected heartbeats after enabling")

	c.SetKeepAliveInterval(0)
	seen := p.heartbeatCalls.Load()
	time.Sleep(80 * time.Millisecond)
	require.LessOrEqual(t, p.heartbeatCalls.Load(), seen+1, "at most the in-flight heartbeat after disabling")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, msg)
}
