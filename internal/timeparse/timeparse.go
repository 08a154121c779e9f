// Package timeparse parses the date and time spellings found in spreadsheet
// style sources: dashed, slashed and compact dates with optional times,
// 14-digit timestamps, RFC 3339 and epoch milliseconds.
package timeparse

import (
	"strconv"
	"strings"
	"time"
)

// Month, day and hour accept one or two digits; minutes and seconds need two.
var dateLayouts = []string{"2006-1-2", "2006/1/2", "20060102"}

var timeSuffixes = []string{"", " 15:04", " 15:04:05"}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"20060102150405",
}

// placeholders are tokens the source uses for "no value".
var placeholders = map[string]struct{}{
	"不指定": {}, "n/a": {}, "na": {}, "-": {}, "—": {}, "null": {}, "none": {}, "addline": {},
}

// IsPlaceholder reports whether s is a "no value" token rather than a date.
func IsPlaceholder(s string) bool {
	_, ok := placeholders[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// Parse parses s as a timestamp. Values without an offset are read in loc;
// nil loc means UTC.
func Parse(s string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	if s == "" || IsPlaceholder(s) {
		return time.Time{}, false
	}
	if t, ok := parseEpochMillis(s); ok {
		return t, true
	}
	for _, l := range isoLayouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, true
		}
	}
	for _, d := range dateLayouts {
		for _, suf := range timeSuffixes {
			if t, err := time.ParseInLocation(d+suf, s, loc); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// ParseDate parses s and truncates it to midnight UTC of the same calendar
// date as read in loc.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	t, ok := Parse(s, loc)
	if !ok {
		return time.Time{}, false
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
}

// ParseMonthDay parses a yearless "M/D" or "M-D" value using year.
func ParseMonthDay(s string, year int) (time.Time, bool) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, "/-")
	if sep <= 0 || year <= 0 {
		return time.Time{}, false
	}
	m, err1 := strconv.Atoi(s[:sep])
	d, err2 := strconv.Atoi(s[sep+1:])
	if err1 != nil || err2 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func parseEpochMillis(s string) (time.Time, bool) {
	if len(s) != 13 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
