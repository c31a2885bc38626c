// Package prompt abstracts how login flows obtain material that only
// the caller can supply: identity-provider credentials, second-factor
// codes, and organization choices. Implementations may be interactive
// (Terminal) or programmatic (Static, TOTP); flows never read stdin
// themselves.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pquerna/otp/totp"
	"golang.org/x/term"
)

// NonInteractiveErr is returned when a flow needs input but the client
// was configured without an interactive provider.
var NonInteractiveErr = errors.New("interactive input required but no prompt provider configured")

// CredentialKind identifies what a flow is asking for.
type CredentialKind string

const (
	KindLogin    CredentialKind = "login"
	KindPassword CredentialKind = "password"
	KindCode     CredentialKind = "code"
)

// Candidate is one selectable organization/account.
type Candidate struct {
	ID          int
	DisplayName string
}

// Provider supplies credentials, second-factor codes and selections.
// Implementations must honor ctx cancellation: both methods may be
// called from a suspended flow that the caller can abort.
type Provider interface {
	AskCredential(ctx context.Context, kind CredentialKind) (string, error)
	AskSelection(ctx context.Context, title string, candidates []Candidate) (Candidate, error)
}

// NonInteractive fails fast on every request. It is the default
// provider so a headless process errors clearly instead of hanging on
// a hidden stdin read.
type NonInteractive struct{}

func (NonInteractive) AskCredential(_ context.Context, kind CredentialKind) (string, error) {
	return "", errors.Wrapf(NonInteractiveErr, "credential %q", kind)
}

func (NonInteractive) AskSelection(_ context.Context, title string, _ []Candidate) (Candidate, error) {
	return Candidate{}, errors.Wrapf(NonInteractiveErr, "selection %q", title)
}

// Static serves pre-supplied values programmatically. Codes are
// consumed in order; when they run out, code requests fail.
type Static struct {
	Login     string
	Password  string
	Codes     []string
	Selection string // substring matched against candidate names

	codeIdx int
}

func (s *Static) AskCredential(_ context.Context, kind CredentialKind) (string, error) {
	switch kind {
	case KindLogin:
		if s.Login == "" {
			return "", errors.Wrap(NonInteractiveErr, "no login pre-supplied")
		}
		return s.Login, nil
	case KindPassword:
		if s.Password == "" {
			return "", errors.Wrap(NonInteractiveErr, "no password pre-supplied")
		}
		return s.Password, nil
	case KindCode:
		if s.codeIdx >= len(s.Codes) {
			return "", errors.Wrap(NonInteractiveErr, "no more pre-supplied codes")
		}
		code := s.Codes[s.codeIdx]
		s.codeIdx++
		return code, nil
	default:
		return "", errors.Errorf("[Static.AskCredential] unknown kind %q", kind)
	}
}

func (s *Static) AskSelection(_ context.Context, _ string, candidates []Candidate) (Candidate, error) {
	if s.Selection == "" {
		return Candidate{}, errors.Wrap(NonInteractiveErr, "no selection pre-supplied")
	}
	needle := strings.ToLower(s.Selection)
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.DisplayName), needle) {
			return c, nil
		}
	}
	return Candidate{}, errors.Errorf("[Static.AskSelection] no candidate matches %q", s.Selection)
}

// TOTP answers code requests by generating a time-based one-time code
// from the shared secret, and delegates everything else to Next
// (NonInteractive when nil).
type TOTP struct {
	Secret  string
	Next    Provider
	nowTime func() time.Time
}

// NewTOTP builds a TOTP code source over an optional fallback provider.
func NewTOTP(secret string, next Provider) *TOTP {
	if next == nil {
		next = NonInteractive{}
	}
	return &TOTP{Secret: secret, Next: next, nowTime: time.Now}
}

func (t *TOTP) AskCredential(ctx context.Context, kind CredentialKind) (string, error) {
	if kind != KindCode {
		return t.Next.AskCredential(ctx, kind)
	}
	now := time.Now
	if t.nowTime != nil {
		now = t.nowTime
	}
	code, err := totp.GenerateCode(t.Secret, now())
	if err != nil {
		return "", errors.Wrap(err, "[TOTP.AskCredential] generate code")
	}
	return code, nil
}

func (t *TOTP) AskSelection(ctx context.Context, title string, candidates []Candidate) (Candidate, error) {
	return t.Next.AskSelection(ctx, title, candidates)
}

// Terminal prompts on the controlling terminal. Password requests are
// read without echo when stdin is a TTY. Reads run on their own
// goroutine so ctx cancellation is honored even mid-read.
type Terminal struct {
	In  io.Reader // defaults to os.Stdin
	Out io.Writer // defaults to os.Stderr
}

func (t *Terminal) in() io.Reader {
	if t.In != nil {
		return t.In
	}
	return os.Stdin
}

func (t *Terminal) out() io.Writer {
	if t.Out != nil {
		return t.Out
	}
	return os.Stderr
}

func (t *Terminal) AskCredential(ctx context.Context, kind CredentialKind) (string, error) {
	switch kind {
	case KindLogin:
		return t.readLine(ctx, "Login: ")
	case KindPassword:
		return t.readPassword(ctx, "Password: ")
	case KindCode:
		return t.readLine(ctx, "Confirmation code: ")
	default:
		return "", errors.Errorf("[Terminal.AskCredential] unknown kind %q", kind)
	}
}

func (t *Terminal) AskSelection(ctx context.Context, title string, candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, errors.New("[Terminal.AskSelection] no candidates")
	}

	fmt.Fprintln(t.out(), title)
	for i, c := range candidates {
		fmt.Fprintf(t.out(), "  %d. %s\n", i+1, c.DisplayName)
	}

	for {
		raw, err := t.readLine(ctx, fmt.Sprintf("Choose (1-%d): ", len(candidates)))
		if err != nil {
			return Candidate{}, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1], nil
		}
		fmt.Fprintln(t.out(), "Invalid choice, try again.")
	}
}

func (t *Terminal) readLine(ctx context.Context, promptText string) (string, error) {
	fmt.Fprint(t.out(), promptText)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(t.in()).ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.line == "" {
			return "", errors.Wrap(r.err, "[Terminal.readLine] read")
		}
		return r.line, nil
	}
}

func (t *Terminal) readPassword(ctx context.Context, promptText string) (string, error) {
	f, ok := t.in().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return t.readLine(ctx, promptText)
	}

	fmt.Fprint(t.out(), promptText)

	type result struct {
		pw  []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pw, err := term.ReadPassword(int(f.Fd()))
		ch <- result{pw, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		fmt.Fprintln(t.out())
		if r.err != nil {
			return "", errors.Wrap(r.err, "[Terminal.readPassword] read")
		}
		return strings.TrimSpace(string(r.pw)), nil
	}
}
