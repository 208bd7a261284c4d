package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeLayout matches the store's timestamp format.
const TimeLayout = "2006-01-02 15:04:05"

const day = 24 * time.Hour

// dateRule resolves a match against the clock into [start, end).
type dateRule struct {
	name    string
	re      *regexp.Regexp
	resolve func(groups []string, now time.Time) (time.Time, time.Time, bool)
}

// dateRules run in order; the first one that resolves wins.
var dateRules = []dateRule{
	{"between_dates", regexp.MustCompile(`(?i)\bbetween\s+(\d{4}-\d{2}-\d{2})\s+and\s+(\d{4}-\d{2}-\d{2})\b`), betweenDates},
	{"since_date", regexp.MustCompile(`(?i)\bsince\s+(\d{4}-\d{2}-\d{2})\b`), sinceDate},
	{"on_date", regexp.MustCompile(`(?i)\bon\s+(\d{4}-\d{2}-\d{2})\b`), onDate},
	{"last_n", regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+(\d{1,4})\s+(minute|hour|day|week|month)s?\b`), lastN},
	{"today", regexp.MustCompile(`(?i)\btoday\b`), today},
	{"yesterday", regexp.MustCompile(`(?i)\byesterday\b`), yesterday},
	{"this_week", regexp.MustCompile(`(?i)\bthis\s+week\b`), thisWeek},
	{"last_week", regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+week\b`), lastWeek},
	{"this_month", regexp.MustCompile(`(?i)\bthis\s+month\b`), thisMonth},
	{"last_month", regexp.MustCompile(`(?i)\b(?:last|past|previous)\s+month\b`), lastMonth},
	{"this_year", regexp.MustCompile(`(?i)\bthis\s+year\b`), thisYear},
	{"last_year", regexp.MustCompile(`(?i)\blast\s+year\b`), lastYear},
	{"iso_date", regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`), onDate},
}

func extractDateRange(text string, now time.Time) (Entity, bool) {
	for _, r := range dateRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		start, end, ok := r.resolve(m[1:], now)
		if !ok {
			continue
		}
		from, to := start.UTC().Format(TimeLayout), end.UTC().Format(TimeLayout)
		return Entity{
			Kind:     KindDateRange,
			Value:    from + "/" + to,
			Display:  m[0],
			Start:    from,
			End:      to,
			Rule:     r.name,
			Resolved: true,
		}, true
	}
	return Entity{}, false
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// horizon is the exclusive upper bound for open-ended ranges.
func horizon(now time.Time) time.Time {
	return now.Truncate(time.Second).Add(time.Second)
}

func parseDay(s string) (time.Time, bool) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	return t, err == nil
}

func betweenDates(g []string, _ time.Time) (time.Time, time.Time, bool) {
	a, ok1 := parseDay(g[0])
	b, ok2 := parseDay(g[1])
	if !ok1 || !ok2 {
		return time.Time{}, time.Time{}, false
	}
	if b.Before(a) {
		a, b = b, a
	}
	return a, b.Add(day), true
}

func sinceDate(g []string, now time.Time) (time.Time, time.Time, bool) {
	a, ok := parseDay(g[0])
	if !ok || a.After(now) {
		return time.Time{}, time.Time{}, false
	}
	return a, horizon(now), true
}

func onDate(g []string, _ time.Time) (time.Time, time.Time, bool) {
	a, ok := parseDay(g[0])
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return a, a.Add(day), true
}

func lastN(g []string, now time.Time) (time.Time, time.Time, bool) {
	n, err := strconv.Atoi(g[0])
	if err != nil || n <= 0 {
		return time.Time{}, time.Time{}, false
	}
	var start time.Time
	switch strings.ToLower(g[1]) {
	case "minute":
		start = now.Add(-time.Duration(n) * time.Minute)
	case "hour":
		start = now.Add(-time.Duration(n) * time.Hour)
	case "day":
		start = now.AddDate(0, 0, -n)
	case "week":
		start = now.AddDate(0, 0, -7*n)
	case "month":
		start = now.AddDate(0, -n, 0)
	default:
		return time.Time{}, time.Time{}, false
	}
	return start.Truncate(time.Second), horizon(now), true
}

func today(_ []string, now time.Time) (time.Time, time.Time, bool) {
	d := midnight(now)
	return d, d.Add(day), true
}

func yesterday(_ []string, now time.Time) (time.Time, time.Time, bool) {
	d := midnight(now)
	return d.Add(-day), d, true
}

// weekStart returns the Monday of now's week.
func weekStart(now time.Time) time.Time {
	d := midnight(now)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func thisWeek(_ []string, now time.Time) (time.Time, time.Time, bool) {
	w := weekStart(now)
	return w, w.AddDate(0, 0, 7), true
}

func lastWeek(_ []string, now time.Time) (time.Time, time.Time, bool) {
	w := weekStart(now)
	return w.AddDate(0, 0, -7), w, true
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func thisMonth(_ []string, now time.Time) (time.Time, time.Time, bool) {
	m := monthStart(now)
	return m, m.AddDate(0, 1, 0), true
}

func lastMonth(_ []string, now time.Time) (time.Time, time.Time, bool) {
	m := monthStart(now)
	return m.AddDate(0, -1, 0), m, true
}

func thisYear(_ []string, now time.Time) (time.Time, time.Time, bool) {
	y := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return y, y.AddDate(1, 0, 0), true
}

func lastYear(_ []string, now time.Time) (time.Time, time.Time, bool) {
	y := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return y.AddDate(-1, 0, 0), y, true
}
