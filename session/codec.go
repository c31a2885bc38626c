package session

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// snapshotVersion guards against restoring exports from an
// incompatible layout.
const snapshotVersion = 1

// Snapshot is the persisted form of a Session: the authentication
// material and identity fields only. Scheduler state and in-flight
// flow state are never part of it.
type Snapshot struct {
	Version     int       `json:"version"`
	AccessToken string    `json:"access_token"`
	Cookies     []Cookie  `json:"cookies"`
	UserID      int       `json:"user_id"`
	SchoolID    int       `json:"school_id"`
	StudentID   int       `json:"student_id,omitempty"`
	YearID      int       `json:"year_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Export serializes an authenticated session. Fails when the session
// holds no authentication material.
func Export(s *Session) (string, error) {
	if s.AccessToken() == "" {
		return "", errors.New("[session.Export] no active session")
	}

	id := s.Identity()
	snap := Snapshot{
		Version:     snapshotVersion,
		AccessToken: s.AccessToken(),
		Cookies:     s.Cookies(),
		UserID:      id.UserID,
		SchoolID:    id.SchoolID,
		StudentID:   id.StudentID,
		YearID:      id.YearID,
		IssuedAt:    s.IssuedAt(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return "", errors.Wrap(err, "[session.Export] encode")
	}
	return string(raw), nil
}

// Decode parses a previously exported snapshot. The restored session
// is not trusted until the caller probes the portal with it.
func Decode(data string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, errors.Wrap(err, "[session.Decode] decode")
	}
	if snap.Version != snapshotVersion {
		return nil, errors.Errorf("[session.Decode] unsupported snapshot version %d", snap.Version)
	}
	if snap.AccessToken == "" || len(snap.Cookies) == 0 {
		return nil, errors.New("[session.Decode] snapshot missing authentication material")
	}
	return &snap, nil
}
