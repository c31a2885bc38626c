package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/netschool-go/netschool/transport"
)

func newSession(t *testing.T, srv *httptest.Server, opts ...transport.Option) *transport.Session {
	t.Helper()
	s, err := transport.New(srv.URL, opts...)
	require.NoError(t, err)
	return s
}

func TestNew_AppendsWebAPISuffix(t *testing.T) {
	s, err := transport.New("https://sgo.example.ru")
	require.NoError(t, err)
	require.Equal(t, "https://sgo.example.ru/webapi", s.BaseURL())
	require.Equal(t, "https://sgo.example.ru", s.Origin())

	s, err = transport.New("https://sgo.example.ru/webapi/")
	require.NoError(t, err)
	require.Equal(t, "https://sgo.example.ru/webapi", s.BaseURL())
}

func TestNew_RejectsBadURLs(t *testing.T) {
	_, err := transport.New("ftp://sgo.example.ru")
	require.Error(t, err)

	_, err = transport.New("://broken")
	require.Error(t, err)
}

func TestGet_CarriesDefaultHeaders(t *testing.T) {
	var gotAT, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAT = r.Header.Get("at")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	s.SetHeader("at", "token-1")

	body, err := s.Get(context.Background(), "context", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(body))
	require.Equal(t, "token-1", gotAT)
	require.NotEmpty(t, gotUA)

	s.RemoveHeader("at")
	_, err = s.Get(context.Background(), "context", nil)
	require.NoError(t, err)
	require.Empty(t, gotAT)
}

func TestGet_RetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`"pong"`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	body, err := s.Get(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Equal(t, `"pong"`, string(body))
	require.Equal(t, int32(3), calls.Load())
}

func TestGet_ServerErrorsBecomeServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newSession(t, srv)
	_, err := s.Get(context.Background(), "ping", nil)
	require.ErrorIs(t, err, transport.ServerUnavailableErr)
}

func TestGet_TimeoutBecomesServerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	s := newSession(t, srv, transport.WithTimeout(50*time.Millisecond))
	_, err := s.Get(context.Background(), "slow", nil)
	require.ErrorIs(t, err, transport.ServerUnavailableErr)
}

func TestGet_ClientErrorsKeepTheirStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"expired"}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	_, err := s.Get(context.Background(), "context", nil)
	require.True(t, transport.IsUnauthorized(err))
	require.True(t, transport.IsStatus(err, http.StatusUnauthorized))
	require.False(t, transport.IsStatus(err, http.StatusConflict))

	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	require.JSONEq(t, `{"message":"expired"}`, string(se.Body))
}

func TestCookies_SetAndClear(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("NSSESSIONID"); err == nil {
			gotCookie = c.Value
		} else {
			gotCookie = ""
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	s.SetCookie("NSSESSIONID", "abc123")
	require.Len(t, s.Cookies(), 1)

	_, err := s.Get(context.Background(), "context", nil)
	require.NoError(t, err)
	require.Equal(t, "abc123", gotCookie)

	s.ClearCookies()
	require.Empty(t, s.Cookies())
	_, err = s.Get(context.Background(), "context", nil)
	require.NoError(t, err)
	require.Empty(t, gotCookie)
}

func TestPostForm_EncodesAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "1", r.PostForm.Get("loginType"))
		require.Contains(t, r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
		_, _ = w.Write([]byte(`{"at":"tok"}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	form := url.Values{}
	form.Set("loginType", "1")

	var out map[string]string
	require.NoError(t, s.PostForm(context.Background(), "login", form, &out))
	require.Equal(t, "tok", out["at"])
}

func TestPostJSON_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"echo":true}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	var out map[string]bool
	err := s.PostJSON(context.Background(), "mail/registry", nil, map[string]any{"page": 1}, &out)
	require.NoError(t, err)
	require.True(t, out["echo"])
}

func TestGetWithHeader_ExposesResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("at", "header-token")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newSession(t, srv)
	_, header, err := s.GetWithHeader(context.Background(), "student/diary/init", nil)
	require.NoError(t, err)
	require.Equal(t, "header-token", header.Get("at"))
}
