package netschool

import (
	"context"
	"crypto/md5" //nolint:gosec // the portal's legacy handshake requires it
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"

	"github.com/netschool-go/netschool/session"
	"github.com/netschool-go/netschool/transport"
)

// Login authenticates with portal-issued credentials. school is a
// directory name or a numeric id; an ambiguous name fails with
// SchoolNotFoundErr rather than guessing.
func (c *Client) Login(ctx context.Context, userName, password, school string) error {
	release, err := c.beginLogin()
	if err != nil {
		return err
	}
	defer release()

	// Prime the NSSESSIONID cookie.
	if _, err := c.http.Get(ctx, "logindata", nil); err != nil {
		return errors.Wrap(err, "[Client.Login] logindata")
	}

	// The portal issues a one-time salt plus opaque form fields that
	// must be echoed back with the credential hash.
	var meta map[string]any
	if err := c.http.PostForm(ctx, "auth/getdata", nil, &meta); err != nil {
		return errors.Wrap(err, "[Client.Login] auth/getdata")
	}
	salt, _ := meta["salt"].(string)
	if salt == "" {
		return errors.Wrap(LoginErr, "portal returned no salt")
	}
	delete(meta, "salt")

	pw, pw2, err := hashPassword(password, salt)
	if err != nil {
		return err
	}

	schoolID, err := c.resolveSchool(ctx, school)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("loginType", "1")
	form.Set("scid", strconv.Itoa(schoolID))
	form.Set("un", userName)
	form.Set("pw", pw)
	form.Set("pw2", pw2)
	for k, v := range meta {
		form.Set(k, formValue(v))
	}

	var result map[string]any
	if err := c.http.PostForm(ctx, "login", form, &result); err != nil {
		if transport.IsStatus(err, http.StatusConflict) {
			return errors.Wrap(LoginErr, conflictMessage(err))
		}
		return errors.Wrap(err, "[Client.Login] submit")
	}

	token, _ := result["at"].(string)
	if token == "" {
		if msg, ok := result["message"].(string); ok && msg != "" {
			return errors.Wrap(LoginErr, msg)
		}
		return errors.Wrap(LoginErr, "portal returned no access token")
	}
	c.http.SetHeader("at", token)

	studentID, err := c.initStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "[Client.Login] init")
	}

	id := session.Identity{UserID: studentID, SchoolID: schoolID, StudentID: studentID}
	if err := c.finishLogin(ctx, &id); err != nil {
		return err
	}
	return c.establish(token, id)
}

// hashPassword reproduces the portal handshake: the password is
// encoded as windows-1251, MD5-hashed to lowercase hex, salted and
// hashed again; pw is the salted hash truncated to the password
// length.
func hashPassword(password, salt string) (pw, pw2 string, err error) {
	encoded, err := charmap.Windows1251.NewEncoder().String(password)
	if err != nil {
		return "", "", errors.Wrap(err, "[hashPassword] encode windows-1251")
	}

	inner := md5.Sum([]byte(encoded)) //nolint:gosec
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.Sum([]byte(salt + innerHex)) //nolint:gosec
	pw2 = hex.EncodeToString(outer[:])

	n := len(password)
	if n > len(pw2) {
		n = len(pw2)
	}
	return pw2[:n], pw2, nil
}

// conflictMessage extracts the portal's rejection reason from a 409
// response body when it is JSON.
func conflictMessage(err error) string {
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return "authorization failed"
	}
	var body struct {
		Message string `json:"message"`
	}
	if jsonErr := json.Unmarshal(se.Body, &body); jsonErr == nil && body.Message != "" {
		return body.Message
	}
	return "authorization failed"
}

func formValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// resolveSchool turns a school name or numeric id into the directory
// id. Names resolve by exact short name, then exact full name (city
// suffix ignored), then a single search hit; anything still ambiguous
// is SchoolNotFoundErr.
func (c *Client) resolveSchool(ctx context.Context, school string) (int, error) {
	school = strings.TrimSpace(school)
	if school == "" {
		return 0, errors.Wrap(SchoolNotFoundErr, "empty school")
	}
	if id, err := strconv.Atoi(school); err == nil {
		return id, nil
	}

	var items []struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		ShortName string `json:"shortName"`
	}
	if err := c.http.GetJSON(ctx, "schools/search", queryValues("name", school), &items); err != nil {
		return 0, errors.Wrap(err, "[Client.resolveSchool] search")
	}

	for _, s := range items {
		if s.ShortName == school {
			return s.ID, nil
		}
	}
	for _, s := range items {
		if name, _, _ := strings.Cut(s.Name, " ("); name == school {
			return s.ID, nil
		}
	}
	if len(items) == 1 {
		return items[0].ID, nil
	}
	return 0, errors.Wrapf(SchoolNotFoundErr, "%q matched %d schools", school, len(items))
}

func queryValues(pairs ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v
}
