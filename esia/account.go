package esia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// Account is one portal account linked to the delegated identity —
// typically one school or one child.
type Account struct {
	ID          int
	DisplayName string
	RoleGroup   *int
}

// AccountInfo fetches the portal accounts linked to the authenticated
// identity for this loginState.
func (f *Flow) AccountInfo(ctx context.Context, loginState string) ([]Account, error) {
	// Refresh the portal session cookie before the account lookup.
	if _, _, err := f.request(ctx, http.MethodGet, f.origin+"/webapi/logindata", nil, nil); err != nil {
		return nil, errors.Wrap(err, "[Flow.AccountInfo] logindata")
	}

	target := f.origin + "/webapi/sso/esia/account-info?loginState=" + url.QueryEscape(loginState)
	resp, raw, err := f.request(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Flow.AccountInfo] fetch")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ESIAErr, "account-info failed: status %d", resp.StatusCode)
	}

	var body struct {
		Users []struct {
			ID               int    `json:"id"`
			DisplayName      string `json:"displayName"`
			Name             string `json:"name"`
			SchoolName       string `json:"schoolName"`
			OrganizationName string `json:"organizationName"`
			Roles            []struct {
				ID int `json:"id"`
			} `json:"roles"`
		} `json:"users"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "[Flow.AccountInfo] decode")
	}

	accounts := make([]Account, 0, len(body.Users))
	for _, u := range body.Users {
		acct := Account{ID: u.ID, DisplayName: firstNonEmpty(
			u.DisplayName, u.Name, u.SchoolName, u.OrganizationName, strconv.Itoa(u.ID),
		)}
		if len(u.Roles) > 0 {
			role := u.Roles[0].ID
			acct.RoleGroup = &role
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// IDPExchange trades the provider assertion for a portal access token
// by performing the portal's IDP login with the selected account.
func (f *Flow) IDPExchange(ctx context.Context, loginState string, acct Account) (string, error) {
	form := url.Values{}
	form.Set("loginType", "8")
	form.Set("lscope", strconv.Itoa(acct.ID))
	form.Set("idp", "esia")
	form.Set("loginState", loginState)
	if acct.RoleGroup != nil {
		form.Set("rolegroup", strconv.Itoa(*acct.RoleGroup))
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")

	resp, raw, err := f.request(ctx, http.MethodPost, f.origin+"/webapi/auth/login", headers, []byte(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "[Flow.IDPExchange] submit")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ESIAErr, "idp login failed: status %d", resp.StatusCode)
	}

	var body struct {
		AT string `json:"at"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", errors.Wrap(err, "[Flow.IDPExchange] decode")
	}
	if body.AT == "" {
		return "", errors.Wrap(ESIAErr, "portal returned no access token")
	}

	f.logger.Info().Int("account", acct.ID).Msg("assertion exchanged for portal session")
	return body.AT, nil
}
