package esia

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netschool-go/netschool/prompt"
)

// Method is a second-factor delivery channel.
type Method string

const (
	MethodSMS  Method = "SMS"  // code sent by text message
	MethodTOTP Method = "TOTP" // authenticator-app code
	MethodMax  Method = "MAX"  // code via the provider's companion app
	MethodPush Method = "PUSH" // in-app confirmation, no code entry
)

const (
	defaultMFAAttempts = 3
	defaultMFADeadline = 5 * time.Minute
	pushPollInterval   = 3 * time.Second
	maxInterstitials   = 10
)

// Challenge is one outstanding second-factor requirement. It is
// terminal after a single outcome: resolved, expired, or abandoned on
// attempts exhaustion.
type Challenge struct {
	Method            Method
	Deadline          time.Time
	AttemptsRemaining int
	CodeLength        int
}

// challengeFromStep builds a Challenge out of the ENTER_MFA step. The
// provider scatters the details over method-specific sections.
func (f *Flow) challengeFromStep(s step) Challenge {
	details := s.section("mfa_details")
	method := Method(strings.ToUpper(details.str("type")))
	if method == "TTP" {
		method = MethodTOTP
	}

	otp := details.section("otp_details")
	if len(otp) == 0 {
		otp = details.section("ttp_details")
	}
	if len(otp) == 0 {
		otp = details.section("otp_max_details")
	}

	ch := Challenge{
		Method:            method,
		AttemptsRemaining: otp.intOr("verify_attempts_left", defaultMFAAttempts),
		CodeLength:        otp.intOr("code_length", 6),
	}
	if ttl := otp.intOr("verify_timeout_secs", 0); ttl > 0 {
		ch.Deadline = f.nowTime().Add(time.Duration(ttl) * time.Second)
	} else {
		ch.Deadline = f.nowTime().Add(defaultMFADeadline)
	}
	return ch
}

var verifyPaths = map[Method]string{
	MethodTOTP: "/aas/oauth2/api/login/mfa/verify",
	MethodSMS:  "/aas/oauth2/api/login/otp/verify",
	MethodMax:  "/aas/oauth2/api/login/otp-max/verify",
}

// resolveMFA drives the challenge/response exchange until the
// challenge is resolved or terminally failed. Each submission is a
// single round-trip; rejected codes only decrement the attempt
// counter.
func (f *Flow) resolveMFA(ctx context.Context, s step) (string, error) {
	ch := f.challengeFromStep(s)
	f.logger.Info().Str("method", string(ch.Method)).Int("attempts", ch.AttemptsRemaining).Msg("second factor required")

	if ch.Method == MethodPush {
		return f.pollPush(ctx, s, ch)
	}

	verifyPath, ok := verifyPaths[ch.Method]
	if !ok {
		return "", errors.Wrapf(MFAErr, "unsupported method %q", ch.Method)
	}

	for ch.AttemptsRemaining > 0 {
		if !f.nowTime().Before(ch.Deadline) {
			return "", errors.Wrap(MFAErr, "challenge deadline passed")
		}

		code, err := f.prompt.AskCredential(ctx, prompt.KindCode)
		if err != nil {
			return "", errors.Wrap(err, "[Flow.resolveMFA] obtain code")
		}
		if code == "" {
			return "", errors.Wrap(MFAErr, "empty confirmation code")
		}

		target := f.esiaBase + verifyPath + "?code=" + url.QueryEscape(code)
		result, status, err := f.postJSON(ctx, target, nil)
		if err != nil {
			return "", errors.Wrap(err, "[Flow.resolveMFA] verify")
		}
		if status == http.StatusNotFound {
			return "", errors.Wrapf(MFAErr, "no verify endpoint for method %q", ch.Method)
		}
		if status != http.StatusOK && status != http.StatusCreated {
			return "", errors.Wrapf(MFAErr, "verify failed: status %d", status)
		}

		if reason := result.failed(); reason != "" {
			ch.AttemptsRemaining--
			if left := mfaAttemptsLeft(result); left >= 0 {
				ch.AttemptsRemaining = left
			}
			f.logger.Warn().Str("reason", reason).Int("attempts_left", ch.AttemptsRemaining).Msg("code rejected")
			continue
		}

		f.logger.Info().Msg("second factor confirmed")
		if u := result.redirectURL(); u != "" {
			return u, nil
		}
		return f.resolveInterstitials(ctx, result)
	}

	return "", errors.Wrap(MFAErr, "attempts exhausted")
}

// mfaAttemptsLeft returns the provider-reported remaining attempts, or
// -1 when the response does not carry one.
func mfaAttemptsLeft(s step) int {
	details := s.section("mfa_details")
	for _, key := range []string{"otp_details", "ttp_details", "otp_max_details"} {
		sub := details.section(key)
		if len(sub) == 0 {
			continue
		}
		if left := sub.intOr("verify_attempts_left", -1); left >= 0 {
			return left
		}
	}
	return -1
}

// pollPush waits for the user to confirm the login in the provider's
// app, re-checking at a fixed cadence until the challenge deadline.
func (f *Flow) pollPush(ctx context.Context, s step, ch Challenge) (string, error) {
	challengeID := s.str("challenge_id")
	state := s.str("state")
	target := f.esiaBase + "/aas/oauth2/api/login/poll"

	f.logger.Info().Msg("waiting for push confirmation")
	for f.nowTime().Before(ch.Deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pushPollInterval):
		}

		result, status, err := f.postJSON(ctx, target, map[string]string{
			"challenge_id": challengeID,
			"state":        state,
		})
		if err != nil || status != http.StatusOK {
			continue // transient; the deadline bounds the wait
		}
		if u := result.redirectURL(); u != "" {
			return u, nil
		}
		if code := result.failed(); code != "" {
			return "", errors.Wrapf(MFAErr, "push confirmation rejected: %s", code)
		}
	}
	return "", errors.Wrap(MFAErr, "push confirmation timed out")
}

// resolveAnomaly handles the provider's security check: an extra SMS
// code sent when the login looks unusual.
func (f *Flow) resolveAnomaly(ctx context.Context, s step) (string, error) {
	reaction := s.section("reaction_details")
	guid := reaction.str("guid")
	f.logger.Warn().Str("type", reaction.str("type")).Msg("provider security check")

	base := f.esiaBase + "/aas/oauth2/api/login"
	if _, _, err := f.postJSON(ctx, base+"/anomaly-reaction/start", map[string]string{"guid": guid}); err != nil {
		return "", errors.Wrap(err, "[Flow.resolveAnomaly] start")
	}

	code, err := f.prompt.AskCredential(ctx, prompt.KindCode)
	if err != nil {
		return "", errors.Wrap(err, "[Flow.resolveAnomaly] obtain code")
	}
	if code == "" {
		return "", errors.Wrap(MFAErr, "empty confirmation code")
	}

	result, status, err := f.postJSON(ctx, base+"/anomaly-reaction/verify", map[string]string{
		"code": code,
		"guid": guid,
	})
	if err != nil {
		return "", errors.Wrap(err, "[Flow.resolveAnomaly] verify")
	}
	if status != http.StatusOK {
		return "", errors.Wrapf(MFAErr, "security check failed: status %d", status)
	}

	if u := result.redirectURL(); u != "" {
		return u, nil
	}
	switch result.action() {
	case "ENTER_MFA":
		return f.resolveMFA(ctx, result)
	case "MAX_QUIZ", "CHANGE_PASSWORD", "DONE":
		return f.resolveInterstitials(ctx, result)
	}

	next, _, err := f.getJSON(ctx, base+"/next-step")
	if err != nil {
		return "", errors.Wrap(err, "[Flow.resolveAnomaly] next-step")
	}
	return f.resolveInterstitials(ctx, next)
}

// resolveInterstitials steps through the skippable screens the
// provider may insert after authentication (companion-app quiz,
// password-change nag) until a redirect appears. The step budget
// guards against a looping provider.
func (f *Flow) resolveInterstitials(ctx context.Context, s step) (string, error) {
	base := f.esiaBase + "/aas/oauth2/api/login"

	if len(s) == 0 || s.action() == "" {
		next, _, err := f.getJSON(ctx, base+"/next-step")
		if err != nil {
			return "", errors.Wrap(err, "[Flow.resolveInterstitials] next-step")
		}
		s = next
	}

	for i := 0; i < maxInterstitials; i++ {
		switch action := s.action(); action {
		case "DONE":
			if u := s.redirectURL(); u != "" {
				return u, nil
			}
			return "", errors.Wrap(ESIAErr, "provider reported DONE without a redirect url")

		case "MAX_QUIZ":
			if !boolAt(s.section("max_details"), "skippable") {
				return "", errors.Wrap(ESIAErr, "companion-app setup required and not skippable")
			}
			next, status, err := f.postJSON(ctx, base+"/quiz-max/skip", map[string]any{})
			if err != nil {
				return "", errors.Wrap(err, "[Flow.resolveInterstitials] skip quiz")
			}
			if status != http.StatusOK {
				return "", errors.Wrapf(ESIAErr, "quiz skip failed: status %d", status)
			}
			s = next

		case "CHANGE_PASSWORD":
			next, status, err := f.postJSON(ctx, base+"/change-password/skip", map[string]any{})
			if err != nil {
				return "", errors.Wrap(err, "[Flow.resolveInterstitials] skip password change")
			}
			if status != http.StatusOK {
				next, _, err = f.getJSON(ctx, base+"/next-step")
				if err != nil {
					return "", errors.Wrap(err, "[Flow.resolveInterstitials] next-step")
				}
			}
			s = next

		case "SOLVE_ANOMALY_REACTION":
			u, err := f.resolveAnomaly(ctx, s)
			if err != nil {
				return "", err
			}
			if u != "" {
				return u, nil
			}
			next, _, err := f.getJSON(ctx, base+"/next-step")
			if err != nil {
				return "", errors.Wrap(err, "[Flow.resolveInterstitials] next-step")
			}
			s = next

		default:
			if u := s.redirectURL(); u != "" {
				return u, nil
			}
			next, _, err := f.getJSON(ctx, base+"/next-step")
			if err != nil {
				return "", errors.Wrap(err, "[Flow.resolveInterstitials] next-step")
			}
			if next.action() == action {
				return "", errors.Wrapf(ESIAErr, "unknown provider step %q: %s", action, s.truncated())
			}
			s = next
		}
	}
	return "", errors.Wrap(ESIAErr, "too many provider steps, possible loop")
}

func boolAt(s step, key string) bool {
	v, ok := s[key].(bool)
	return ok && v
}
