// Package models parses the portal's raw JSON into typed records. The
// portal nests marks inside sub-objects, references assignment kinds
// through a separate dictionary and spreads school attributes over
// several sections; all of that is flattened here.
package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// AssignmentType is one entry of the assignment-kind dictionary.
type AssignmentType struct {
	Name string
	Abbr string
}

// AssignmentTypes maps the portal's typeId to its dictionary entry.
type AssignmentTypes map[int]AssignmentType

// ParseAssignmentTypes parses GET grade/assignment/types.
func ParseAssignmentTypes(data []byte) (AssignmentTypes, error) {
	var raw []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Abbr string `json:"abbr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseAssignmentTypes] decode")
	}
	types := make(AssignmentTypes, len(raw))
	for _, t := range raw {
		types[t.ID] = AssignmentType{Name: t.Name, Abbr: t.Abbr}
	}
	return types, nil
}

// Attachment is a file attached to an assignment, announcement or
// mail message.
type Attachment struct {
	ID          int
	Name        string
	Description string
}

type rawAttachment struct {
	ID int `json:"id"`
	// Assignments carry the file name in originalFileName, mail
	// attachments in name.
	OriginalFileName string `json:"originalFileName"`
	Name             string `json:"name"`
	Description      string `json:"description"`
}

func (r rawAttachment) toAttachment() Attachment {
	name := r.OriginalFileName
	if name == "" {
		name = r.Name
	}
	return Attachment{ID: r.ID, Name: name, Description: r.Description}
}

func toAttachments(raw []rawAttachment) []Attachment {
	out := make([]Attachment, 0, len(raw))
	for _, a := range raw {
		out = append(out, a.toAttachment())
	}
	return out
}

// Assignment is one graded or ungraded task.
type Assignment struct {
	ID          int
	Comment     string
	Kind        string // dictionary name, e.g. "Контрольная работа"
	KindAbbr    string
	Content     string
	Mark        *int // nil when not graded yet
	Weight      int
	IsDuty      bool
	Deadline    Date
	Attachments []Attachment
}

type rawAssignment struct {
	ID   int `json:"id"`
	Mark *struct {
		Mark     *int `json:"mark"`
		DutyMark bool `json:"dutyMark"`
	} `json:"mark"`
	MarkComment *struct {
		Name string `json:"name"`
	} `json:"markComment"`
	TypeID         int             `json:"typeId"`
	AssignmentName string          `json:"assignmentName"`
	Weight         *int            `json:"weight"`
	DueDate        Date            `json:"dueDate"`
	Attachments    []rawAttachment `json:"attachments"`
}

func (r rawAssignment) toAssignment(types AssignmentTypes) Assignment {
	a := Assignment{
		ID:          r.ID,
		Content:     r.AssignmentName,
		Weight:      1,
		Deadline:    r.DueDate,
		Attachments: toAttachments(r.Attachments),
	}
	if r.Weight != nil {
		a.Weight = *r.Weight
	}
	if r.Mark != nil {
		a.Mark = r.Mark.Mark
		a.IsDuty = r.Mark.DutyMark
	}
	if r.MarkComment != nil {
		a.Comment = r.MarkComment.Name
	}
	if t, ok := types[r.TypeID]; ok {
		a.Kind = t.Name
		a.KindAbbr = t.Abbr
	}
	return a
}

// ParseAssignments parses a flat assignment list, e.g.
// GET student/diary/pastMandatory.
func ParseAssignments(data []byte, types AssignmentTypes) ([]Assignment, error) {
	var raw []rawAssignment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseAssignments] decode")
	}
	out := make([]Assignment, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toAssignment(types))
	}
	return out, nil
}

// ParseAssignmentAttachments parses POST student/diary/get-attachments,
// which answers with one wrapper element per requested assignment.
func ParseAssignmentAttachments(data []byte) ([]Attachment, error) {
	var raw []struct {
		Attachments []rawAttachment `json:"attachments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseAssignmentAttachments] decode")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return toAttachments(raw[0].Attachments), nil
}

// Lesson is one timetable slot with its assignments.
type Lesson struct {
	Day         Date
	Start       ClockTime
	End         ClockTime
	Room        string
	Number      int
	Subject     string
	Assignments []Assignment
}

// Day groups the lessons of one calendar day.
type Day struct {
	Date    Date
	Lessons []Lesson
}

// Diary is one week of the student's schedule.
type Diary struct {
	Start    Date
	End      Date
	Schedule []Day
}

// ParseDiary parses GET student/diary.
func ParseDiary(data []byte, types AssignmentTypes) (*Diary, error) {
	var raw struct {
		WeekStart Date `json:"weekStart"`
		WeekEnd   Date `json:"weekEnd"`
		WeekDays  []struct {
			Date    Date `json:"date"`
			Lessons []struct {
				Day         Date            `json:"day"`
				StartTime   ClockTime       `json:"startTime"`
				EndTime     ClockTime       `json:"endTime"`
				Room        string          `json:"room"`
				Number      int             `json:"number"`
				SubjectName string          `json:"subjectName"`
				Assignments []rawAssignment `json:"assignments"`
			} `json:"lessons"`
		} `json:"weekDays"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseDiary] decode")
	}

	diary := &Diary{Start: raw.WeekStart, End: raw.WeekEnd}
	for _, d := range raw.WeekDays {
		day := Day{Date: d.Date}
		for _, l := range d.Lessons {
			lesson := Lesson{
				Day:     l.Day,
				Start:   l.StartTime,
				End:     l.EndTime,
				Room:    l.Room,
				Number:  l.Number,
				Subject: l.SubjectName,
			}
			for _, a := range l.Assignments {
				lesson.Assignments = append(lesson.Assignments, a.toAssignment(types))
			}
			day.Lessons = append(day.Lessons, lesson)
		}
		diary.Schedule = append(diary.Schedule, day)
	}
	return diary, nil
}

// Author identifies who posted an announcement.
type Author struct {
	ID       int
	FullName string
	Nickname string
}

// Announcement is one board announcement.
type Announcement struct {
	Name        string
	Author      Author
	Content     string
	PostDate    DateTime
	Attachments []Attachment
}

// ParseAnnouncements parses GET announcements.
func ParseAnnouncements(data []byte) ([]Announcement, error) {
	var raw []struct {
		Name   string `json:"name"`
		Author struct {
			ID       int    `json:"id"`
			FIO      string `json:"fio"`
			NickName string `json:"nickName"`
		} `json:"author"`
		Description string          `json:"description"`
		PostDate    DateTime        `json:"postDate"`
		Attachments []rawAttachment `json:"attachments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseAnnouncements] decode")
	}
	out := make([]Announcement, 0, len(raw))
	for _, a := range raw {
		out = append(out, Announcement{
			Name: a.Name,
			Author: Author{
				ID:       a.Author.ID,
				FullName: a.Author.FIO,
				Nickname: a.Author.NickName,
			},
			Content:     a.Description,
			PostDate:    a.PostDate,
			Attachments: toAttachments(a.Attachments),
		})
	}
	return out, nil
}

// ShortSchool is a school-directory search result.
type ShortSchool struct {
	ID      int
	Name    string
	Address string
}

// ParseShortSchools parses GET schools/search.
func ParseShortSchools(data []byte) ([]ShortSchool, error) {
	var raw []struct {
		ID            int    `json:"id"`
		Name          string `json:"name"`
		ShortName     string `json:"shortName"`
		AddressString string `json:"addressString"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseShortSchools] decode")
	}
	out := make([]ShortSchool, 0, len(raw))
	for _, s := range raw {
		out = append(out, ShortSchool{ID: s.ID, Name: s.Name, Address: s.AddressString})
	}
	return out, nil
}

// School is the full school card. The portal spreads the fields over
// commonInfo, contactInfo and managementInfo sections.
type School struct {
	Name     string
	About    string
	Address  string
	Email    string
	Site     string
	Phone    string
	Director string
	AHC      string
	ITHead   string
	UVR      string
}

// ParseSchoolCard parses GET schools/{id}/card.
func ParseSchoolCard(data []byte) (*School, error) {
	var raw struct {
		CommonInfo struct {
			FullSchoolName string `json:"fullSchoolName"`
			About          string `json:"about"`
		} `json:"commonInfo"`
		ContactInfo struct {
			JuridicalAddress string `json:"juridicalAddress"`
			PostAddress      string `json:"postAddress"`
			Email            string `json:"email"`
			Web              string `json:"web"`
			Phones           string `json:"phones"`
		} `json:"contactInfo"`
		ManagementInfo struct {
			Director     string `json:"director"`
			PrincipalAHC string `json:"principalAHC"`
			PrincipalIT  string `json:"principalIT"`
			PrincipalUVR string `json:"principalUVR"`
		} `json:"managementInfo"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseSchoolCard] decode")
	}

	address := raw.ContactInfo.JuridicalAddress
	if address == "" {
		address = raw.ContactInfo.PostAddress
	}
	return &School{
		Name:     raw.CommonInfo.FullSchoolName,
		About:    raw.CommonInfo.About,
		Address:  address,
		Email:    raw.ContactInfo.Email,
		Site:     raw.ContactInfo.Web,
		Phone:    raw.ContactInfo.Phones,
		Director: raw.ManagementInfo.Director,
		AHC:      raw.ManagementInfo.PrincipalAHC,
		ITHead:   raw.ManagementInfo.PrincipalIT,
		UVR:      raw.ManagementInfo.PrincipalUVR,
	}, nil
}

// MailEntry is a row of the mail registry.
type MailEntry struct {
	ID      int
	Subject string
	Author  string
	Sent    DateTime
	ToNames string
}

// MailPage is one page of the mail registry.
type MailPage struct {
	Entries    []MailEntry
	Page       int
	TotalItems int
}

// ParseMailPage parses POST mail/registry.
func ParseMailPage(data []byte) (*MailPage, error) {
	var raw struct {
		Rows []struct {
			ID      int      `json:"id"`
			Subject string   `json:"subject"`
			Author  string   `json:"author"`
			Sent    DateTime `json:"sent"`
			ToNames string   `json:"toNames"`
		} `json:"rows"`
		Page       int `json:"page"`
		TotalItems int `json:"totalItems"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseMailPage] decode")
	}

	page := &MailPage{Page: raw.Page, TotalItems: raw.TotalItems}
	if page.Page == 0 {
		page.Page = 1
	}
	for _, r := range raw.Rows {
		page.Entries = append(page.Entries, MailEntry{
			ID:      r.ID,
			Subject: r.Subject,
			Author:  r.Author,
			Sent:    r.Sent,
			ToNames: r.ToNames,
		})
	}
	return page, nil
}

// MailRecipient is an addressable contact. The ID is the portal's
// base64-encoded recipient identifier.
type MailRecipient struct {
	ID               string
	Name             string
	OrganizationName string
}

// ParseMailRecipients parses GET mail/recipients.
func ParseMailRecipients(data []byte) ([]MailRecipient, error) {
	var raw []struct {
		ID               string `json:"id"`
		Name             string `json:"name"`
		OrganizationName string `json:"organizationName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseMailRecipients] decode")
	}
	out := make([]MailRecipient, 0, len(raw))
	for _, r := range raw {
		out = append(out, MailRecipient{ID: r.ID, Name: r.Name, OrganizationName: r.OrganizationName})
	}
	return out, nil
}

// Message is a full internal-mail message.
type Message struct {
	ID          int
	Subject     string
	Text        string
	Sent        DateTime
	AuthorID    int
	AuthorName  string
	ToNames     string
	IsRead      bool
	Mailbox     string
	CanReply    bool
	CanForward  bool
	Attachments []Attachment
}

// ParseMessage parses GET mail/messages/{id}/read.
func ParseMessage(data []byte) (*Message, error) {
	var raw struct {
		ID      int      `json:"id"`
		Subject string   `json:"subject"`
		Text    string   `json:"text"`
		Sent    DateTime `json:"sent"`
		Author  struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"author"`
		ToNames         string          `json:"toNames"`
		Read            bool            `json:"read"`
		MailBox         string          `json:"mailBox"`
		CanReplyAll     bool            `json:"canReplyAll"`
		NoReply         *bool           `json:"noReply"`
		CanForward      bool            `json:"canForward"`
		FileAttachments []rawAttachment `json:"fileAttachments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseMessage] decode")
	}

	mailbox := raw.MailBox
	if mailbox == "" {
		mailbox = "Inbox"
	}
	canReply := raw.CanReplyAll
	if raw.NoReply != nil && !*raw.NoReply {
		canReply = true
	}
	return &Message{
		ID:          raw.ID,
		Subject:     raw.Subject,
		Text:        raw.Text,
		Sent:        raw.Sent,
		AuthorID:    raw.Author.ID,
		AuthorName:  raw.Author.Name,
		ToNames:     raw.ToNames,
		IsRead:      raw.Read,
		Mailbox:     mailbox,
		CanReply:    canReply,
		CanForward:  raw.CanForward,
		Attachments: toAttachments(raw.FileAttachments),
	}, nil
}

// LoginMethods describes which entry strategies a portal instance
// offers. Parsed from the unauthenticated GET logindata.
type LoginMethods struct {
	Password bool   // portal-issued credentials accepted
	ESIA     bool   // delegated identity-provider login available
	ESIAMain bool   // delegated login is the only supported entry
	Version  string // portal version string
}

// ParseLoginMethods parses GET logindata.
func ParseLoginMethods(data []byte) (*LoginMethods, error) {
	var raw struct {
		ESIAMainAuth    bool   `json:"esiaMainAuth"`
		ESIALoginPage   string `json:"esiaLoginPage"`
		UseESIA         *bool  `json:"useEsia"`
		WindowsAuth     bool   `json:"windowsAuth"`
		Version         string `json:"version"`
		ProductVersion  string `json:"productVersion"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "[ParseLoginMethods] decode")
	}

	esia := raw.ESIAMainAuth || raw.ESIALoginPage != ""
	if raw.UseESIA != nil {
		esia = esia || *raw.UseESIA
	}
	version := raw.Version
	if version == "" {
		version = raw.ProductVersion
	}
	return &LoginMethods{
		Password: !raw.ESIAMainAuth,
		ESIA:     esia,
		ESIAMain: raw.ESIAMainAuth,
		Version:  version,
	}, nil
}

// Summary is a one-line human description of the available methods.
func (m *LoginMethods) Summary() string {
	switch {
	case m.ESIAMain:
		return "gosuslugi only"
	case m.ESIA && m.Password:
		return "password + gosuslugi"
	case m.ESIA:
		return "gosuslugi"
	default:
		return "password"
	}
}
