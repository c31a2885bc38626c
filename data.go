package netschool

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/netschool-go/netschool/models"
	"github.com/netschool-go/netschool/transport"
)

const dateLayout = "2006-01-02"

// authedGet is the shared 401 policy for data calls: an unauthorized
// response marks the session expired and surfaces SessionExpiredErr so
// the caller re-authenticates explicitly. No silent re-login.
func (c *Client) authedGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	raw, err := c.http.Get(ctx, path, query)
	if transport.IsUnauthorized(err) {
		c.sess.MarkExpired()
		return nil, errors.Wrapf(SessionExpiredErr, "GET %s", path)
	}
	return raw, err
}

func (c *Client) authedPost(ctx context.Context, path string, query url.Values, payload, out any) error {
	err := c.http.PostJSON(ctx, path, query, payload, out)
	if transport.IsUnauthorized(err) {
		c.sess.MarkExpired()
		return errors.Wrapf(SessionExpiredErr, "POST %s", path)
	}
	return err
}

// weekBounds defaults a zero start to Monday of the current week and a
// zero end to the school week's Saturday.
func (c *Client) weekBounds(start, end time.Time) (time.Time, time.Time) {
	if start.IsZero() {
		now := c.nowTime()
		offset := (int(now.Weekday()) + 6) % 7
		start = now.AddDate(0, 0, -offset)
	}
	if end.IsZero() {
		end = start.AddDate(0, 0, 5)
	}
	return start, end
}

// Diary fetches the schedule with assignments and marks for one week.
// Zero times select the current school week.
func (c *Client) Diary(ctx context.Context, start, end time.Time) (*models.Diary, error) {
	start, end = c.weekBounds(start, end)
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "student/diary", queryValues(
		"studentId", strconv.Itoa(id.StudentID),
		"yearId", strconv.Itoa(id.YearID),
		"weekStart", start.Format(dateLayout),
		"weekEnd", end.Format(dateLayout),
	))
	if err != nil {
		return nil, err
	}
	return models.ParseDiary(raw, c.assignmentTypes)
}

// Overdue fetches past-due mandatory assignments for one week. Zero
// times select the current school week.
func (c *Client) Overdue(ctx context.Context, start, end time.Time) ([]models.Assignment, error) {
	start, end = c.weekBounds(start, end)
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "student/diary/pastMandatory", queryValues(
		"studentId", strconv.Itoa(id.StudentID),
		"yearId", strconv.Itoa(id.YearID),
		"weekStart", start.Format(dateLayout),
		"weekEnd", end.Format(dateLayout),
	))
	if err != nil {
		return nil, err
	}
	return models.ParseAssignments(raw, c.assignmentTypes)
}

// Announcements fetches portal announcements. take bounds the result;
// 0 or negative means all of them.
func (c *Client) Announcements(ctx context.Context, take int) ([]models.Announcement, error) {
	if take <= 0 {
		take = -1
	}
	raw, err := c.authedGet(ctx, "announcements", queryValues("take", strconv.Itoa(take)))
	if err != nil {
		return nil, err
	}
	return models.ParseAnnouncements(raw)
}

// Attachments fetches the files attached to an assignment.
func (c *Client) Attachments(ctx context.Context, assignmentID int) ([]models.Attachment, error) {
	id := c.sess.Identity()
	payload := map[string]any{"assignId": []int{assignmentID}}

	var raw json.RawMessage
	err := c.authedPost(ctx, "student/diary/get-attachments",
		queryValues("studentId", strconv.Itoa(id.StudentID)), payload, &raw)
	if err != nil {
		return nil, err
	}
	return models.ParseAssignmentAttachments(raw)
}

// DownloadAttachment streams an attachment's bytes into w.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID int, w io.Writer) error {
	raw, err := c.authedGet(ctx, "attachments/"+strconv.Itoa(attachmentID), nil)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return errors.Wrap(err, "[Client.DownloadAttachment] write")
}

// DownloadProfilePicture streams a user's avatar into w.
func (c *Client) DownloadProfilePicture(ctx context.Context, userID int, w io.Writer) error {
	raw, err := c.authedGet(ctx, "users/photo", queryValues("userId", strconv.Itoa(userID)))
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return errors.Wrap(err, "[Client.DownloadProfilePicture] write")
}

// SchoolInfo fetches the full card of the session's school.
func (c *Client) SchoolInfo(ctx context.Context) (*models.School, error) {
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "schools/"+strconv.Itoa(id.SchoolID)+"/card", nil)
	if err != nil {
		return nil, err
	}
	return models.ParseSchoolCard(raw)
}

// LoginMethods reports which authentication strategies this portal
// instance accepts. Works without a session.
func (c *Client) LoginMethods(ctx context.Context) (*models.LoginMethods, error) {
	raw, err := c.http.Get(ctx, "logindata", nil)
	if err != nil {
		return nil, err
	}
	return models.ParseLoginMethods(raw)
}

// SearchSchools searches the portal's school directory by name. An
// empty query lists everything the instance will reveal (the directory
// endpoint insists on at least one character).
func (c *Client) SearchSchools(ctx context.Context, query string) ([]models.ShortSchool, error) {
	if query == "" {
		query = "У"
	}
	raw, err := c.http.Get(ctx, "schools/search", queryValues("name", query))
	if err != nil {
		return nil, err
	}
	return models.ParseShortSchools(raw)
}

var mailFolderLabels = map[string]string{
	"Inbox":   "Входящие",
	"Sent":    "Отправленные",
	"Draft":   "Черновики",
	"Deleted": "Удалённые",
}

// MailList fetches one page of the given mailbox folder ("Inbox",
// "Sent", "Draft", "Deleted"). Pages start at 1.
func (c *Client) MailList(ctx context.Context, folder string, page, pageSize int) (*models.MailPage, error) {
	if folder == "" {
		folder = "Inbox"
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	label, ok := mailFolderLabels[folder]
	if !ok {
		label = folder
	}

	payload := map[string]any{
		"filterContext": map[string]any{
			"selectedData": []map[string]any{
				{"filterId": "MailBox", "filterValue": folder, "filterText": label},
				{"filterId": "MessageType", "filterValue": "All", "filterText": "Все"},
			},
			"params": nil,
		},
		"fields":   []string{"author", "subject", "sent"},
		"page":     page,
		"pageSize": pageSize,
		"search":   nil,
		"order":    map[string]any{"fieldId": "sent", "ascending": false},
	}

	var raw json.RawMessage
	if err := c.authedPost(ctx, "mail/registry", nil, payload, &raw); err != nil {
		return nil, err
	}
	return models.ParseMailPage(raw)
}

// MailUnread lists the ids of unread messages.
func (c *Client) MailUnread(ctx context.Context) ([]int, error) {
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "mail/messages/unread",
		queryValues("userId", strconv.Itoa(id.StudentID)))
	if err != nil {
		return nil, err
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errors.Wrap(err, "[Client.MailUnread] decode")
	}
	return ids, nil
}

// MailRead fetches one message in full and marks it read on the portal.
func (c *Client) MailRead(ctx context.Context, messageID int) (*models.Message, error) {
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "mail/messages/"+strconv.Itoa(messageID)+"/read",
		queryValues("userId", strconv.Itoa(id.StudentID)))
	if err != nil {
		return nil, err
	}
	return models.ParseMessage(raw)
}

// MailRecipients lists the contacts the student may write to.
func (c *Client) MailRecipients(ctx context.Context) ([]models.MailRecipient, error) {
	id := c.sess.Identity()
	raw, err := c.authedGet(ctx, "mail/recipients", queryValues(
		"userId", strconv.Itoa(id.StudentID),
		"organizationId", strconv.Itoa(id.SchoolID),
		"funcType", "2",
		"orgType", "1",
		"group", "1",
	))
	if err != nil {
		return nil, err
	}
	return models.ParseMailRecipients(raw)
}

// MailSend sends an internal-mail message. to holds recipient ids from
// MailRecipients.
func (c *Client) MailSend(ctx context.Context, subject, text string, to []string) error {
	recipients := make([]map[string]string, 0, len(to))
	for _, r := range to {
		recipients = append(recipients, map[string]string{"id": r})
	}
	payload := map[string]any{
		"subject":         subject,
		"text":            text,
		"to":              recipients,
		"cc":              []any{},
		"bcc":             []any{},
		"notify":          false,
		"fileAttachments": []any{},
	}
	return c.authedPost(ctx, "mail/messages/send", nil, payload, nil)
}

// SearchSchools queries a portal instance's school directory without
// logging in. urlOrRegion is resolved the same way as in New.
func SearchSchools(ctx context.Context, urlOrRegion, query string, options ...Option) ([]models.ShortSchool, error) {
	c, err := New(urlOrRegion, options...)
	if err != nil {
		return nil, err
	}
	return c.SearchSchools(ctx, query)
}

// GetLoginMethods reports a portal instance's supported authentication
// strategies without logging in.
func GetLoginMethods(ctx context.Context, urlOrRegion string, options ...Option) (*models.LoginMethods, error) {
	c, err := New(urlOrRegion, options...)
	if err != nil {
		return nil, err
	}
	return c.LoginMethods(ctx)
}
