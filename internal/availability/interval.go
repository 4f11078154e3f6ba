package availability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Interval is an inclusive range of calendar dates. Both ends are held at UTC
// midnight.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Day truncates t to its calendar date at UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrInvalidRange, s)
	}
	return t, nil
}

// NewInterval normalizes both ends to dates and checks start <= end.
func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: Day(start), End: Day(end)}
	if iv.Start.After(iv.End) {
		return Interval{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, iv.Start.Format(time.DateOnly), iv.End.Format(time.DateOnly))
	}
	return iv, nil
}

func (iv Interval) String() string {
	return "[" + iv.Start.Format(time.DateOnly) + ", " + iv.End.Format(time.DateOnly) + "]"
}

// Contains reports whether o lies entirely inside iv.
func (iv Interval) Contains(o Interval) bool {
	return !o.Start.Before(iv.Start) && !o.End.After(iv.End)
}

// Overlaps uses the closed-range test start <= o.end && end >= o.start.
func (iv Interval) Overlaps(o Interval) bool {
	return !iv.Start.After(o.End) && !iv.End.Before(o.Start)
}

// Touches is Overlaps widened by one day on each side, so ranges that merely
// meet also count.
func (iv Interval) Touches(o Interval) bool {
	return iv.widen().Overlaps(o)
}

func (iv Interval) widen() Interval {
	return Interval{Start: iv.Start.Add(-day), End: iv.End.Add(day)}
}

// Span covers iv and o.
func (iv Interval) Span(o Interval) Interval {
	out := iv
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// Subtract removes cut from iv and returns what is left, zero to two pieces.
func (iv Interval) Subtract(cut Interval) []Interval {
	if !iv.Overlaps(cut) {
		return []Interval{iv}
	}
	var out []Interval
	if iv.Start.Before(cut.Start) {
		out = append(out, Interval{Start: iv.Start, End: cut.Start.Add(-day)})
	}
	if iv.End.After(cut.End) {
		out = append(out, Interval{Start: cut.End.Add(day), End: iv.End})
	}
	return out
}

// Days counts the dates in iv.
func (iv Interval) Days() int {
	return int(iv.End.Sub(iv.Start)/day) + 1
}

type intervalJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (iv Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(intervalJSON{Start: iv.Start.Format(time.DateOnly), End: iv.End.Format(time.DateOnly)})
}

func (iv *Interval) UnmarshalJSON(data []byte) error {
	var raw intervalJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := ParseDate(raw.Start)
	if err != nil {
		return err
	}
	end, err := ParseDate(raw.End)
	if err != nil {
		return err
	}
	parsed, err := NewInterval(start, end)
	if err != nil {
		return err
	}
	*iv = parsed
	return nil
}

// Merge returns the minimal set of intervals covering the input, sorted by
// start. Overlapping and adjacent intervals are joined.
func Merge(intervals ...Interval) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := append([]Interval(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		if last.Touches(iv) {
			*last = last.Span(iv)
			continue
		}
		out = append(out, iv)
	}
	return out
}
