package calendar

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Event is the JSON projection of one VEVENT.
type Event struct {
	Summary     string    `json:"summary,omitempty"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

var icalDateTimeFormats = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102T150405-0700",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05-07:00",
}

// ParseFeed extracts the events of an iCalendar document. Events without a
// usable DTSTART are skipped; a document that is not a VCALENDAR at all is
// rejected with ErrMalformedFeed.
func ParseFeed(data []byte) ([]Event, error) {
	if !bytes.Contains(bytes.ToUpper(data), []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: no VCALENDAR component", ErrMalformedFeed)
	}

	var (
		events []Event
		props  []property
		// depth counts components opened inside the current VEVENT (VALARM).
		depth   int
		inEvent bool
	)
	for _, line := range unfoldLines(string(data)) {
		p, ok := parseProperty(line)
		if !ok {
			continue
		}
		switch {
		case p.name == "BEGIN" && strings.EqualFold(p.value, "VEVENT") && !inEvent:
			inEvent, depth, props = true, 0, nil
		case p.name == "END" && strings.EqualFold(p.value, "VEVENT") && inEvent && depth == 0:
			if ev, ok := buildEvent(props); ok {
				events = append(events, ev)
			}
			inEvent = false
		case !inEvent:
		case p.name == "BEGIN":
			depth++
		case p.name == "END":
			if depth > 0 {
				depth--
			}
		case depth == 0:
			props = append(props, p)
		}
	}
	return events, nil
}

// Upcoming drops events that ended strictly before now and orders the rest by
// start time.
func Upcoming(events []Event, now time.Time) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.End.Before(now) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

type property struct {
	name   string
	params map[string]string
	value  string
}

// parseProperty splits "NAME;PARAM=x:value". Colons inside quoted parameter
// values do not end the name part.
func parseProperty(line string) (property, bool) {
	quoted := false
	split := -1
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ':':
			if !quoted {
				split = i
			}
		}
		if split >= 0 {
			break
		}
	}
	if split <= 0 {
		return property{}, false
	}

	head := strings.Split(line[:split], ";")
	p := property{name: strings.ToUpper(strings.TrimSpace(head[0])), value: line[split+1:]}
	for _, param := range head[1:] {
		k, v, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		if p.params == nil {
			p.params = map[string]string{}
		}
		p.params[strings.ToUpper(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return p, true
}

func buildEvent(props []property) (Event, bool) {
	var (
		ev                Event
		start, end        time.Time
		startAll, haveEnd bool
		duration          time.Duration
		haveDuration      bool
	)
	haveStart := false
	for _, p := range props {
		switch p.name {
		case "SUMMARY":
			ev.Summary = unescapeText(p.value)
		case "LOCATION":
			ev.Location = unescapeText(p.value)
		case "DESCRIPTION":
			ev.Description = unescapeText(p.value)
		case "DTSTART":
			t, allDay, err := parseDateTime(p)
			if err != nil {
				return Event{}, false
			}
			start, startAll, haveStart = t, allDay, true
		case "DTEND":
			if t, _, err := parseDateTime(p); err == nil {
				end, haveEnd = t, true
			}
		case "DURATION":
			if d, err := parseDuration(p.value); err == nil {
				duration, haveDuration = d, true
			}
		}
	}
	if !haveStart {
		return Event{}, false
	}

	switch {
	case haveEnd:
	case haveDuration:
		end = start.Add(duration)
	case startAll:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}
	if end.Before(start) {
		end = start
	}
	// RFC 3339 cannot represent these years, so the event could never be encoded.
	if !encodableYear(start) || !encodableYear(end) {
		return Event{}, false
	}
	ev.Start, ev.End = start, end
	return ev, true
}

func encodableYear(t time.Time) bool {
	y := t.Year()
	return y >= 0 && y <= 9999
}

// parseDateTime reads a DATE or DATE-TIME value, honoring TZID. All-day dates
// are taken as UTC midnight.
func parseDateTime(p property) (time.Time, bool, error) {
	value := strings.TrimSpace(p.value)
	if value == "" {
		return time.Time{}, false, fmt.Errorf("empty %s", p.name)
	}
	if strings.EqualFold(p.params["VALUE"], "DATE") || (len(value) == 8 && isDigits(value)) {
		t, err := time.Parse("20060102", value)
		return t, true, err
	}

	loc := time.UTC
	if tzid := p.params["TZID"]; tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	for _, format := range icalDateTimeFormats {
		if t, err := time.ParseInLocation(format, value, loc); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid %s value %q", p.name, value)
}

// parseDuration handles RFC 5545 durations such as P1D, PT1H30M or -P2W.
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		num = ""
		switch {
		case r == 'W' && !inTime:
			total += time.Duration(n) * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += time.Duration(n) * 24 * time.Hour
		case r == 'H' && inTime:
			total += time.Duration(n) * time.Hour
		case r == 'M' && inTime:
			total += time.Duration(n) * time.Minute
		case r == 'S' && inTime:
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return sign * total, nil
}

func unescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unfoldLines(ical string) []string {
	ical = strings.ReplaceAll(ical, "\r\n", "\n")
	ical = strings.ReplaceAll(ical, "\r", "\n")
	rawLines := strings.Split(ical, "\n")
	var lines []string
	for _, line := range rawLines {
		if len(lines) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
