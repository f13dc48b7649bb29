package listing

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	minutesPerHour = 60
	minutesPerDay  = 1440
	minutesPerWeek = 10080
)

type ageRule struct {
	re       *regexp.Regexp
	unit     int
	min, max int
	// implicit is used when the label has no number ("a week ago").
	implicit bool
}

// Rules are tried in order; the first matching rule decides. Out-of-range
// counts yield unknown because the site switches units at those boundaries.
var ageRules = []ageRule{
	{re: regexp.MustCompile(`^(\d{1,2}) ?(m|min|mins|minute|minutes)\b`), unit: 1, min: 1, max: 59},
	{re: regexp.MustCompile(`^(\d{1,2}) ?(h|hr|hrs|hour|hours)\b`), unit: minutesPerHour, min: 1, max: 23},
	{re: regexp.MustCompile(`^(\d{1,2}) ?(d|day|days)\b`), unit: minutesPerDay, min: 1, max: 6},
	{re: regexp.MustCompile(`^(\d{1,2}) ?(w|wk|wks|week|weeks)\b`), unit: minutesPerWeek, min: 1, max: 4},
	{re: regexp.MustCompile(`^(a|an|one) minute\b`), unit: 1, implicit: true},
	{re: regexp.MustCompile(`^(a|an|one) hour\b`), unit: minutesPerHour, implicit: true},
	{re: regexp.MustCompile(`^(a|one) day\b|^yesterday\b`), unit: minutesPerDay, implicit: true},
	{re: regexp.MustCompile(`^(a|one) week\b`), unit: minutesPerWeek, implicit: true},

	{re: regexp.MustCompile(`^(\d{1,2}) ?мин`), unit: 1, min: 1, max: 59},
	{re: regexp.MustCompile(`^(\d{1,2}) ?ч`), unit: minutesPerHour, min: 1, max: 23},
	{re: regexp.MustCompile(`^(\d{1,2}) ?д`), unit: minutesPerDay, min: 1, max: 6},
	{re: regexp.MustCompile(`^(\d{1,2}) ?недел`), unit: minutesPerWeek, min: 1, max: 4},
	{re: regexp.MustCompile(`^(день|дня|дн\.)`), unit: minutesPerDay, implicit: true},
	{re: regexp.MustCompile(`^(недел|нед\.|нед )`), unit: minutesPerWeek, implicit: true},
}

var agePrefixRe = regexp.MustCompile(`^(listed|posted|размещено|опубликовано)\s+`)

// ParseAgeMinutes converts a relative age label such as "17 hours ago",
// "a week ago" or "5 мин. назад" into minutes.
func ParseAgeMinutes(raw string) (int, bool) {
	s := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	s = agePrefixRe.ReplaceAllString(s, "")
	s = strings.TrimPrefix(s, "about ")
	if s == "" {
		return 0, false
	}
	if s == "just now" || strings.HasPrefix(s, "только что") {
		return 0, true
	}

	for _, r := range ageRules {
		m := r.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if r.implicit {
			return r.unit, true
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < r.min || n > r.max {
			return 0, false
		}
		return n * r.unit, true
	}
	return 0, false
}
