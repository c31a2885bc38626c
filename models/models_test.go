package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netschool-go/netschool/models"
)

func testTypes(t *testing.T) models.AssignmentTypes {
	t.Helper()
	types, err := models.ParseAssignmentTypes([]byte(`[
		{"id": 3, "name": "Домашнее задание", "abbr": "ДЗ"},
		{"id": 10, "name": "Контрольная работа", "abbr": "К"}
	]`))
	require.NoError(t, err)
	return types
}

func TestParseAssignments_FlattensMarkAndDictionary(t *testing.T) {
	data := []byte(`[
		{
			"id": 101,
			"typeId": 10,
			"assignmentName": "Итоговая контрольная",
			"mark": {"mark": 5, "dutyMark": false},
			"markComment": {"name": "Отлично"},
			"weight": 2,
			"dueDate": "2024-01-15T00:00:00",
			"attachments": [{"id": 7, "originalFileName": "задание.pdf"}]
		},
		{
			"id": 102,
			"typeId": 3,
			"assignmentName": "Упражнение 12",
			"mark": {"mark": null, "dutyMark": true},
			"dueDate": "2024-01-16"
		},
		{
			"id": 103,
			"typeId": 99,
			"assignmentName": "Без словаря",
			"dueDate": "2024-01-17"
		}
	]`)

	assignments, err := models.ParseAssignments(data, testTypes(t))
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	graded := assignments[0]
	require.Equal(t, 101, graded.ID)
	require.Equal(t, "Контрольная работа", graded.Kind)
	require.Equal(t, "К", graded.KindAbbr)
	require.NotNil(t, graded.Mark)
	require.Equal(t, 5, *graded.Mark)
	require.Equal(t, "Отлично", graded.Comment)
	require.Equal(t, 2, graded.Weight)
	require.False(t, graded.IsDuty)
	require.Equal(t, "2024-01-15", graded.Deadline.Format("2006-01-02"))
	require.Len(t, graded.Attachments, 1)
	require.Equal(t, "задание.pdf", graded.Attachments[0].Name)

	duty := assignments[1]
	require.Nil(t, duty.Mark)
	require.True(t, duty.IsDuty)
	require.Equal(t, 1, duty.Weight, "weight defaults to 1")

	unknown := assignments[2]
	require.Empty(t, unknown.Kind, "unknown typeId degrades to an empty kind")
}

func TestParseAssignmentAttachments(t *testing.T) {
	data := []byte(`[
		{"attachments": [
			{"id": 1, "originalFileName": "a.docx"},
			{"id": 2, "name": "b.pdf", "description": "решение"}
		]}
	]`)
	attachments, err := models.ParseAssignmentAttachments(data)
	require.NoError(t, err)
	require.Len(t, attachments, 2)
	require.Equal(t, "a.docx", attachments[0].Name)
	require.Equal(t, "b.pdf", attachments[1].Name)
	require.Equal(t, "решение", attachments[1].Description)

	attachments, err = models.ParseAssignmentAttachments([]byte(`[]`))
	require.NoError(t, err)
	require.Empty(t, attachments)
}

func TestParseDiary(t *testing.T) {
	data := []byte(`{
		"weekStart": "2024-01-15T00:00:00",
		"weekEnd": "2024-01-20T00:00:00",
		"weekDays": [
			{
				"date": "2024-01-15T00:00:00",
				"lessons": [
					{
						"day": "2024-01-15T00:00:00",
						"startTime": "08:30",
						"endTime": "09:15",
						"room": "212",
						"number": 1,
						"subjectName": "Алгебра",
						"assignments": [
							{"id": 201, "typeId": 3, "assignmentName": "№ 431", "dueDate": "2024-01-15"}
						]
					},
					{
						"day": "2024-01-15T00:00:00",
						"startTime": "09:25:00",
						"endTime": "10:10:00",
						"number": 2,
						"subjectName": "Физика"
					}
				]
			}
		]
	}`)

	diary, err := models.ParseDiary(data, testTypes(t))
	require.NoError(t, err)
	require.Equal(t, "2024-01-15", diary.Start.Format("2006-01-02"))
	require.Equal(t, "2024-01-20", diary.End.Format("2006-01-02"))
	require.Len(t, diary.Schedule, 1)

	day := diary.Schedule[0]
	require.Len(t, day.Lessons, 2)

	algebra := day.Lessons[0]
	require.Equal(t, "Алгебра", algebra.Subject)
	require.Equal(t, "212", algebra.Room)
	require.Equal(t, 1, algebra.Number)
	require.Equal(t, "08:30:00", algebra.Start.String())
	require.Len(t, algebra.Assignments, 1)
	require.Equal(t, "Домашнее задание", algebra.Assignments[0].Kind)

	physics := day.Lessons[1]
	require.Equal(t, "09:25:00", physics.Start.String())
	require.Empty(t, physics.Assignments)
}

func TestParseAnnouncements(t *testing.T) {
	data := []byte(`[
		{
			"name": "Родительское собрание",
			"author": {"id": 5, "fio": "Иванова Мария Петровна", "nickName": "ИМП"},
			"description": "<p>в четверг</p>",
			"postDate": "2024-01-10T10:51:34.99",
			"attachments": [{"id": 3, "name": "повестка.docx"}]
		}
	]`)

	announcements, err := models.ParseAnnouncements(data)
	require.NoError(t, err)
	require.Len(t, announcements, 1)

	a := announcements[0]
	require.Equal(t, "Родительское собрание", a.Name)
	require.Equal(t, "Иванова Мария Петровна", a.Author.FullName)
	require.Equal(t, "ИМП", a.Author.Nickname)
	require.Equal(t, "<p>в четверг</p>", a.Content)
	require.Equal(t, 2024, a.PostDate.Year())
	require.Len(t, a.Attachments, 1)
	require.Equal(t, "повестка.docx", a.Attachments[0].Name)
}

func TestParseShortSchools(t *testing.T) {
	data := []byte(`[
		{"id": 12, "name": "МБОУ СОШ №5 (г. Самара)", "shortName": "СОШ №5", "addressString": "г. Самара, ул. Ленина, 1"}
	]`)
	schools, err := models.ParseShortSchools(data)
	require.NoError(t, err)
	require.Len(t, schools, 1)
	require.Equal(t, 12, schools[0].ID)
	require.Equal(t, "МБОУ СОШ №5 (г. Самара)", schools[0].Name)
	require.Equal(t, "г. Самара, ул. Ленина, 1", schools[0].Address)
}

func TestParseSchoolCard(t *testing.T) {
	data := []byte(`{
		"commonInfo": {"fullSchoolName": "МБОУ СОШ №5", "about": "основана в 1965"},
		"contactInfo": {"juridicalAddress": "", "postAddress": "ул. Ленина, 1", "email": "school5@example.ru", "web": "https://school5.example.ru", "phones": "+7 846 000-00-00"},
		"managementInfo": {"director": "Петров П. П.", "principalAHC": "Сидорова С. С.", "principalIT": "Кузнецов К. К.", "principalUVR": "Николаева Н. Н."}
	}`)

	school, err := models.ParseSchoolCard(data)
	require.NoError(t, err)
	require.Equal(t, "МБОУ СОШ №5", school.Name)
	require.Equal(t, "ул. Ленина, 1", school.Address, "post address backs up an empty juridical address")
	require.Equal(t, "Петров П. П.", school.Director)
	require.Equal(t, "Кузнецов К. К.", school.ITHead)
}

func TestParseMailPage(t *testing.T) {
	data := []byte(`{
		"rows": [
			{"id": 900, "subject": "Оценки за четверть", "author": "Иванова М. П.", "sent": "2024-01-09T15:04:05", "toNames": "Петров И."}
		],
		"page": 0,
		"totalItems": 41
	}`)

	page, err := models.ParseMailPage(data)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page, "page numbering starts at 1")
	require.Equal(t, 41, page.TotalItems)
	require.Len(t, page.Entries, 1)
	require.Equal(t, 900, page.Entries[0].ID)
	require.Equal(t, "Оценки за четверть", page.Entries[0].Subject)
}

func TestParseMessage(t *testing.T) {
	data := []byte(`{
		"id": 900,
		"subject": "Оценки",
		"text": "<p>Добрый день</p>",
		"sent": "2024-01-09T15:04:05",
		"author": {"id": 5, "name": "Иванова М. П."},
		"toNames": "Петров И.",
		"read": true,
		"mailBox": "",
		"canReplyAll": false,
		"noReply": false,
		"canForward": true,
		"fileAttachments": [{"id": 4, "name": "таблица.xlsx"}]
	}`)

	msg, err := models.ParseMessage(data)
	require.NoError(t, err)
	require.Equal(t, 900, msg.ID)
	require.Equal(t, "Иванова М. П.", msg.AuthorName)
	require.True(t, msg.IsRead)
	require.Equal(t, "Inbox", msg.Mailbox, "empty mailbox defaults to Inbox")
	require.True(t, msg.CanReply, "noReply=false enables replying")
	require.True(t, msg.CanForward)
	require.Len(t, msg.Attachments, 1)
	require.Equal(t, "таблица.xlsx", msg.Attachments[0].Name)
}

func TestParseMailRecipients(t *testing.T) {
	data := []byte(`[
		{"id": "MTIzNA==", "name": "Иванова М. П.", "organizationName": "МБОУ СОШ №5"}
	]`)
	recipients, err := models.ParseMailRecipients(data)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	require.Equal(t, "MTIzNA==", recipients[0].ID)
}

func TestParseLoginMethods(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    models.LoginMethods
		summary string
	}{
		{
			name:    "password only",
			data:    `{"esiaMainAuth": false, "esiaLoginPage": "", "version": "5.0"}`,
			want:    models.LoginMethods{Password: true, Version: "5.0"},
			summary: "password",
		},
		{
			name:    "both methods",
			data:    `{"esiaMainAuth": false, "esiaLoginPage": "/esia", "productVersion": "5.1"}`,
			want:    models.LoginMethods{Password: true, ESIA: true, Version: "5.1"},
			summary: "password + gosuslugi",
		},
		{
			name:    "esia only",
			data:    `{"esiaMainAuth": true, "useEsia": true, "version": "5.2"}`,
			want:    models.LoginMethods{ESIA: true, ESIAMain: true, Version: "5.2"},
			summary: "gosuslugi only",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			methods, err := models.ParseLoginMethods([]byte(tc.data))
			require.NoError(t, err)
			require.Equal(t, tc.want, *methods)
			require.Equal(t, tc.summary, methods.Summary())
		})
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := models.ParseAssignmentTypes([]byte(`{"not":"a list"}`))
	require.Error(t, err)
	_, err = models.ParseDiary([]byte(`[]`), nil)
	require.Error(t, err)
	_, err = models.ParseMessage([]byte(`"just a string"`))
	require.Error(t, err)
}
