package netschool

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netschool-go/netschool/esia"
	"github.com/netschool-go/netschool/prompt"
	"github.com/netschool-go/netschool/qr"
	"github.com/netschool-go/netschool/session"
)

func (c *Client) newFlow() (*esia.Flow, error) {
	opts := []esia.FlowOption{esia.WithNowTime(c.nowTime)}
	if c.esiaBase != "" {
		opts = append(opts, esia.WithESIABase(c.esiaBase))
	}
	if c.esiaHTTP != nil {
		opts = append(opts, esia.WithHTTPClient(c.esiaHTTP))
	}
	if c.timeout > 0 {
		opts = append(opts, esia.WithRequestTimeout(c.timeout))
	}
	return esia.NewFlow(c.http.Origin(), c.prompt, opts...)
}

// LoginViaESIA authenticates through the government identity provider
// with login and password. Empty credentials are requested through the
// configured prompt provider; with the non-interactive default that is
// an immediate error rather than a hidden stdin read. school narrows
// the organization choice when the identity is linked to several.
func (c *Client) LoginViaESIA(ctx context.Context, esiaLogin, esiaPassword, school string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	if esiaLogin == "" {
		if esiaLogin, err = c.prompt.AskCredential(ctx, prompt.KindLogin); err != nil {
			return errors.Wrap(err, "[Client.LoginViaESIA] obtain login")
		}
	}
	if esiaPassword == "" {
		if esiaPassword, err = c.prompt.AskCredential(ctx, prompt.KindPassword); err != nil {
			return errors.Wrap(err, "[Client.LoginViaESIA] obtain password")
		}
	}
	if esiaLogin == "" || esiaPassword == "" {
		return errors.Wrap(LoginErr, "provider login and password must not be empty")
	}

	flow, err := c.newFlow()
	if err != nil {
		return err
	}
	if err := flow.Crosslogin(ctx); err != nil {
		return err
	}

	step, err := flow.PasswordLogin(ctx, esiaLogin, esiaPassword)
	if err != nil {
		return err
	}
	redirectURL, err := flow.ResolveLogin(ctx, step)
	if err != nil {
		return err
	}

	return c.completeDelegatedLogin(ctx, flow, redirectURL, school)
}

// LoginViaESIAQR authenticates through the identity provider by QR
// code. qrCallback receives the deep link exactly once; when nil the
// code is rendered to the terminal. qrTimeout bounds the whole flow
// including polling (0 means the provider default of 120 s).
func (c *Client) LoginViaESIAQR(ctx context.Context, qrCallback esia.QRCallback, qrTimeout time.Duration, school string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	flow, err := c.newFlow()
	if err != nil {
		return err
	}
	if err := flow.Crosslogin(ctx); err != nil {
		return err
	}

	ticket, err := flow.GenerateTicket(ctx)
	if err != nil {
		return err
	}

	if qrCallback == nil {
		qrCallback = func(_ context.Context, deepLink string) error {
			return qr.Write(os.Stderr, deepLink)
		}
	}
	if err := qrCallback(ctx, ticket.DeepLink); err != nil {
		return errors.Wrap(err, "[Client.LoginViaESIAQR] qr callback")
	}

	step, err := flow.WaitForScan(ctx, ticket, qrTimeout)
	if err != nil {
		return err
	}
	redirectURL, err := flow.ResolveLogin(ctx, step)
	if err != nil {
		return err
	}

	return c.completeDelegatedLogin(ctx, flow, redirectURL, school)
}

// completeDelegatedLogin is the tail every delegated strategy shares:
// callback chain, account disambiguation, assertion exchange, session
// transfer into the portal transport, post-login init.
func (c *Client) completeDelegatedLogin(ctx context.Context, flow *esia.Flow, redirectURL, school string) error {
	loginState, err := flow.CallbackToLoginState(ctx, redirectURL)
	if err != nil {
		return err
	}

	accounts, err := flow.AccountInfo(ctx, loginState)
	if err != nil {
		return err
	}
	acct, err := c.selectOrganization(ctx, accounts, school)
	if err != nil {
		return err
	}

	token, err := flow.IDPExchange(ctx, loginState, acct)
	if err != nil {
		return err
	}

	// Transfer the delegated session into the portal transport.
	for _, ck := range flow.PortalCookies() {
		c.http.SetCookie(ck.Name, ck.Value)
	}
	c.http.SetHeader("at", token)

	studentID, err := c.initStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "[Client.completeDelegatedLogin] init")
	}

	id := session.Identity{UserID: acct.ID, StudentID: studentID}
	if err := c.finishLogin(ctx, &id); err != nil {
		return err
	}
	return c.establish(token, id)
}

// selectOrganization resolves which linked account to use. With zero
// candidates, or with several that neither the school filter nor an
// interactive provider can narrow to one, it fails with
// SchoolNotFoundErr instead of silently picking.
func (c *Client) selectOrganization(ctx context.Context, accounts []esia.Account, school string) (esia.Account, error) {
	if len(accounts) == 0 {
		return esia.Account{}, errors.Wrap(SchoolNotFoundErr, "no portal accounts linked to this identity")
	}

	candidates := accounts
	if school != "" {
		needle := strings.ToLower(school)
		filtered := make([]esia.Account, 0, len(accounts))
		for _, a := range accounts {
			if strings.Contains(strings.ToLower(a.DisplayName), needle) {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			return esia.Account{}, errors.Wrapf(SchoolNotFoundErr, "%q matches none of the linked organizations", school)
		}
		candidates = filtered
	}

	if len(candidates) == 1 {
		return candidates[0], nil
	}

	opts := make([]prompt.Candidate, 0, len(candidates))
	for _, a := range candidates {
		opts = append(opts, prompt.Candidate{ID: a.ID, DisplayName: a.DisplayName})
	}
	chosen, err := c.prompt.AskSelection(ctx, "Several organizations are linked to this account", opts)
	if err != nil {
		if errors.Is(err, prompt.NonInteractiveErr) {
			return esia.Account{}, errors.Wrapf(SchoolNotFoundErr, "%d organizations match and no interactive selection is possible", len(candidates))
		}
		return esia.Account{}, errors.Wrap(err, "[Client.selectOrganization] selection")
	}
	for _, a := range candidates {
		if a.ID == chosen.ID {
			return a, nil
		}
	}
	return esia.Account{}, errors.Wrap(SchoolNotFoundErr, "selection does not match any candidate")
}
