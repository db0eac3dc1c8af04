package reconciliation

import (
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// dateLayouts are tried in order. Single-digit day and month fields also
// accept two digits.
var dateLayouts = []string{
	"2006-1-2", // YYYY-MM-DD
	"2-1-2006", // DD-MM-YYYY
	"2/1/2006", // DD/MM/YYYY
}

// NormalizeKey canonicalizes a cheque number for matching: surrounding
// whitespace is trimmed and letters are upper-cased. Nothing else changes;
// "007" and "7" are different keys.
func NormalizeKey(chequeNumber string) string {
	return strings.ToUpper(strings.TrimSpace(chequeNumber))
}

// ParseDate parses a ledger date. A nil or empty string, or one that
// matches none of the accepted layouts, yields today. It never fails.
func (e *Engine) ParseDate(s *string) time.Time {
	if s == nil || *s == "" {
		return e.Today()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return t
		}
	}
	return e.Today()
}

// DaysOutstanding returns the whole days between the issue date and today.
// Future issue dates yield 0. Both ends are midnight UTC, so the difference
// of Unix seconds is an exact multiple of a day; time.Duration would
// saturate for dates more than ~292 years back.
func (e *Engine) DaysOutstanding(issueDate *string) int {
	days := int((e.Today().Unix() - e.ParseDate(issueDate).Unix()) / secondsPerDay)
	if days < 0 {
		return 0
	}
	return days
}
