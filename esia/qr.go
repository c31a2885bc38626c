package esia

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// DefaultQRTimeout bounds the whole QR flow, polling included, when
// the signed token carries no expiry of its own.
const DefaultQRTimeout = 120 * time.Second

// QRCallback presents the deep link to the user, typically by
// rendering it as a QR code. It is invoked exactly once per flow and
// may block (e.g. to draw and wait for a keypress).
type QRCallback func(ctx context.Context, deepLink string) error

// Ticket is the state of one delegated QR login: the deep link to
// render, the signed correlation token, and the validity window.
type Ticket struct {
	DeepLink    string
	SignedToken string
	QRID        string
	CreatedAt   time.Time
	Timeout     time.Duration
}

// Deadline is the absolute time after which the ticket is void.
func (t *Ticket) Deadline() time.Time {
	return t.CreatedAt.Add(t.Timeout)
}

// GenerateTicket asks the provider for a fresh QR ticket. The
// validity window comes from the signed token's exp claim when it
// parses as a JWT, otherwise the provider default applies.
func (f *Flow) GenerateTicket(ctx context.Context) (*Ticket, error) {
	var payload any
	if session := f.providerCookie("ESIA_SESSION"); session != "" {
		payload = map[string]string{"esia_session": session}
	}

	s, status, err := f.postJSON(ctx, f.esiaBase+"/qr-delegate/qr/generate", payload)
	if err != nil {
		return nil, errors.Wrap(err, "[Flow.GenerateTicket] generate")
	}
	if status != http.StatusOK {
		return nil, errors.Wrapf(ESIAErr, "qr generation failed: status %d", status)
	}

	signedToken := s.str("signed_token")
	qrID := s.str("qr_id")
	if signedToken == "" || qrID == "" {
		return nil, errors.Wrapf(ESIAErr, "provider returned no qr data: %s", s.truncated())
	}

	now := f.nowTime()
	ticket := &Ticket{
		DeepLink:    "gosuslugi://auth/signed_token=" + signedToken,
		SignedToken: signedToken,
		QRID:        qrID,
		CreatedAt:   now,
		Timeout:     DefaultQRTimeout,
	}
	if exp, ok := tokenExpiry(signedToken); ok && exp.After(now) {
		ticket.Timeout = exp.Sub(now)
	}

	f.logger.Info().Str("qr_id", qrID).Dur("timeout", ticket.Timeout).Msg("qr ticket issued")
	return ticket, nil
}

// tokenExpiry reads the exp claim of the signed token without
// verifying the signature; the token is the provider's, not ours.
func tokenExpiry(signedToken string) (time.Time, bool) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(signedToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (f *Flow) providerCookie(name string) string {
	jar := f.hc.Jar
	if jar == nil {
		return ""
	}
	base, err := url.Parse(f.esiaBase)
	if err != nil {
		return ""
	}
	for _, c := range jar.Cookies(base) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// qrSessionExpiredCodes are terminal: the ticket is dead and the flow
// must fail with a qr-expired error.
var qrSessionExpiredCodes = map[string]bool{
	"QR_AUTHORIZATION_SESSION_EXPIRED": true,
	"QR_CODE_SESSION_NOT_FOUND":        true,
	"QR_CODE_SESSION_OUTDATED":         true,
}

// WaitForScan blocks on the provider's event stream for this ticket
// until the user confirms in the mobile app, the ticket's validity
// window (bounded by qrTimeout when non-zero) elapses, or ctx is
// cancelled. Cancellation propagates as ctx.Err, never as an ESIAErr.
func (f *Flow) WaitForScan(ctx context.Context, ticket *Ticket, qrTimeout time.Duration) (step, error) {
	wait := ticket.Timeout
	if qrTimeout > 0 && qrTimeout < wait {
		wait = qrTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	req, err := http.NewRequestWithContext(waitCtx, http.MethodGet,
		f.esiaBase+"/qr-delegate/qr/subscribe/"+ticket.QRID, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Flow.WaitForScan] build subscribe")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", esiaUserAgent)

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, f.qrWaitError(ctx, waitCtx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ESIAErr, "qr subscribe failed: status %d", resp.StatusCode)
	}

	// The provider sends server-sent events; only data: lines matter.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var s step
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			continue
		}

		errSection := s.section("error")
		if code := errSection.str("code"); code != "" {
			if qrSessionExpiredCodes[code] {
				return nil, errors.Wrapf(ESIAErr, "qr expired: %s", code)
			}
			return nil, errors.Wrapf(ESIAErr, "qr login failed: %s %s", code, errSection.str("message"))
		}
		return s, nil
	}

	if err := scanner.Err(); err != nil {
		return nil, f.qrWaitError(ctx, waitCtx, err)
	}
	return nil, errors.Wrap(ESIAErr, "qr event stream closed by provider")
}

// qrWaitError distinguishes the flow-level timeout (qr expired) from a
// caller cancellation, which propagates untouched.
func (f *Flow) qrWaitError(parent, waitCtx context.Context, cause error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ESIAErr, "qr expired: scan not confirmed in time")
	}
	return errors.Wrap(cause, "[Flow.WaitForScan] subscribe")
}
