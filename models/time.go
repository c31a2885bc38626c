package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Date is a calendar day as the portal serializes it:
// "2024-01-15T00:00:00" or plain "2024-01-15".
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return errors.Wrapf(err, "[Date.UnmarshalJSON] %q", s)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format("2006-01-02") + `"`), nil
}

// DateTime is a portal timestamp. Fractional seconds come with a
// varying number of digits (e.g. "10:51:34.99"), so the fraction is
// normalized to microseconds before parsing.
type DateTime struct {
	time.Time
}

func (d *DateTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	layouts := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return errors.Errorf("[DateTime.UnmarshalJSON] unsupported timestamp %q", s)
}

// ClockTime is a wall-clock time "HH:MM" or "HH:MM:SS".
type ClockTime struct {
	Hour, Minute, Second int
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return errors.Errorf("[ClockTime.UnmarshalJSON] unsupported time %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		if i > 2 {
			break
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return errors.Errorf("[ClockTime.UnmarshalJSON] unsupported time %q", s)
			}
			n = n*10 + int(r-'0')
		}
		vals[i] = n
	}
	c.Hour, c.Minute, c.Second = vals[0], vals[1], vals[2]
	return nil
}

func (c ClockTime) String() string {
	const digits = "0123456789"
	return string([]byte{
		digits[c.Hour/10], digits[c.Hour%10], ':',
		digits[c.Minute/10], digits[c.Minute%10], ':',
		digits[c.Second/10], digits[c.Second%10],
	})
}
