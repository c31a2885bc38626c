package netschool

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/netschool-go/netschool/models"
	"github.com/netschool-go/netschool/session"
	"github.com/netschool-go/netschool/transport"
)

// LoginWithToken authenticates with a caller-supplied access token
// (e.g. lifted from the browser's localStorage). The token is trusted
// until the first probe; a rejected probe is SessionExpiredErr.
func (c *Client) LoginWithToken(ctx context.Context, token, school string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	if token == "" {
		return errors.Wrap(LoginErr, "empty access token")
	}
	return c.adoptToken(ctx, token, school)
}

func (c *Client) adoptToken(ctx context.Context, token, school string) error {
	c.http.SetHeader("at", token)

	studentID, err := c.probeStudent(ctx)
	if err != nil {
		return err
	}

	id := session.Identity{UserID: studentID, StudentID: studentID}
	if err := c.finishLogin(ctx, &id); err != nil {
		return err
	}
	if school != "" {
		if id.SchoolID, err = c.resolveSchool(ctx, school); err != nil {
			return err
		}
	}
	return c.establish(token, id)
}

// probeStudent runs the freshness probe and classifies its failure:
// 401 → SessionExpiredErr, transport trouble → ServerUnavailableErr.
func (c *Client) probeStudent(ctx context.Context) (int, error) {
	studentID, err := c.initStudent(ctx)
	switch {
	case err == nil:
		return studentID, nil
	case transport.IsUnauthorized(err):
		return 0, errors.Wrap(SessionExpiredErr, "portal rejected the supplied credentials")
	case errors.Is(err, ServerUnavailableErr):
		return 0, err
	default:
		return 0, errors.Wrap(SessionExpiredErr, "freshness probe failed")
	}
}

// LoginWithSessionStore authenticates with the browser's session-store
// JSON, extracting the active access token from it.
func (c *Client) LoginWithSessionStore(ctx context.Context, sessionStore, school string) error {
	token := extractAccessToken(sessionStore)
	if token == "" {
		return errors.Wrap(LoginErr, "no accessToken found in session store")
	}
	return c.LoginWithToken(ctx, token, school)
}

// extractAccessToken digs the access token out of the portal's
// localStorage session-store value, which may be a JSON object, a
// JSON-encoded string of JSON, or a list of account entries.
func extractAccessToken(sessionStore string) string {
	var data any
	if err := json.Unmarshal([]byte(sessionStore), &data); err != nil {
		return ""
	}
	if s, ok := data.(string); ok {
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			return ""
		}
	}

	tokenOf := func(m map[string]any) string {
		if t, ok := m["accessToken"].(string); ok && t != "" {
			return t
		}
		if t, ok := m["at"].(string); ok && t != "" {
			return t
		}
		return ""
	}

	switch v := data.(type) {
	case map[string]any:
		return tokenOf(v)
	case []any:
		// Prefer the entry flagged active.
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if active, _ := m["active"].(bool); active {
					if t := tokenOf(m); t != "" {
						return t
					}
				}
			}
		}
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				if t := tokenOf(m); t != "" {
					return t
				}
			}
		}
	}
	return ""
}

var hexSessionRe = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// LoginWithCookies authenticates with a browser cookie string: either
// the bare NSSESSIONID value or a full Cookie header line.
func (c *Client) LoginWithCookies(ctx context.Context, cookieString, school string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	parsed := parseCookieString(cookieString)
	if len(parsed) == 0 {
		return errors.Wrap(LoginErr, "no NSSESSIONID cookie found; pass 'NSSESSIONID=...' or the full Cookie header")
	}
	for name, value := range parsed {
		c.http.SetCookie(name, value)
	}

	// The probe answers with the access token in the "at" header when
	// the cookie session is alive.
	body, header, err := c.http.GetWithHeader(ctx, "student/diary/init", nil)
	if err != nil {
		if errors.Is(err, ServerUnavailableErr) {
			return err
		}
		return errors.Wrap(SessionExpiredErr, "cookies rejected by the portal")
	}

	var info struct {
		CurrentStudentID int `json:"currentStudentId"`
		Students         []struct {
			StudentID int `json:"studentId"`
		} `json:"students"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return errors.Wrap(SessionExpiredErr, "unexpected probe response")
	}
	if info.CurrentStudentID < 0 || info.CurrentStudentID >= len(info.Students) {
		return errors.Wrap(SessionExpiredErr, "no student context for these cookies")
	}
	studentID := info.Students[info.CurrentStudentID].StudentID

	token := header.Get("at")
	if token == "" {
		return errors.Wrap(LoginErr, "portal returned no access token for the cookie session")
	}
	c.http.SetHeader("at", token)

	id := session.Identity{UserID: studentID, StudentID: studentID}
	if err := c.finishLogin(ctx, &id); err != nil {
		return err
	}
	if school != "" {
		if id.SchoolID, err = c.resolveSchool(ctx, school); err != nil {
			return err
		}
	}
	return c.establish(token, id)
}

// parseCookieString accepts a bare 32-hex NSSESSIONID value or a
// semicolon-separated cookie line; the result must contain
// NSSESSIONID to be usable.
func parseCookieString(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if hexSessionRe.MatchString(raw) {
		return map[string]string{"NSSESSIONID": raw}
	}

	result := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if name, value, ok := strings.Cut(part, "="); ok {
			result[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	if _, ok := result["NSSESSIONID"]; !ok {
		return nil
	}
	return result
}

// ExportSession serializes the current session for later restore. The
// snapshot carries only authentication material and identity fields.
func (c *Client) ExportSession() (string, error) {
	return session.Export(c.sess)
}

// ImportSession restores a previously exported session and validates
// its freshness with one authenticated probe. A rejected probe is
// SessionExpiredErr (fall back to a login strategy); a transport
// failure is ServerUnavailableErr so a possibly valid session is not
// discarded on a network blip.
func (c *Client) ImportSession(ctx context.Context, data string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	snap, err := session.Decode(data)
	if err != nil {
		return err
	}

	for _, ck := range snap.Cookies {
		c.http.SetCookie(ck.Name, ck.Value)
	}
	c.http.SetHeader("at", snap.AccessToken)

	studentID, err := c.probeStudent(ctx)
	if err != nil {
		return err
	}
	if snap.StudentID != 0 {
		studentID = snap.StudentID
	}

	id := session.Identity{
		UserID:    snap.UserID,
		SchoolID:  snap.SchoolID,
		StudentID: studentID,
		YearID:    snap.YearID,
	}
	if id.YearID == 0 {
		if err := c.finishLogin(ctx, &id); err != nil {
			return err
		}
	} else if err := c.loadAssignmentTypes(ctx); err != nil {
		// Diary parsing degrades to bare type ids; not fatal.
		log.Warn().Err(err).Msg("could not refresh assignment types after import")
	}

	if err := c.sess.Establish(snap.AccessToken, snap.Cookies, id, snap.IssuedAt); err != nil {
		return err
	}
	c.sess.MarkRefreshed(c.nowTime())
	c.startKeepAlive()
	return nil
}

func (c *Client) loadAssignmentTypes(ctx context.Context) error {
	raw, err := c.http.Get(ctx, "grade/assignment/types", queryValues("all", "false"))
	if err != nil {
		return err
	}
	types, err := models.ParseAssignmentTypes(raw)
	if err != nil {
		return err
	}
	c.assignmentTypes = types
	return nil
}
