package schedule

import "time"

// TimeOfDay is a wall-clock time within a school day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) seconds() int {
	return t.Hour*3600 + t.Minute*60
}

// Period is a named span of the school day. Spans are closed intervals
// [Start, End] and must not overlap within a table.
type Period struct {
	Label string
	Start TimeOfDay
	End   TimeOfDay
}

// Default is the reference bell schedule: nine numbered periods plus
// homeroom, with four-minute passing gaps.
var Default = []Period{
	{"1", TimeOfDay{7, 25}, TimeOfDay{8, 8}},
	{"2", TimeOfDay{8, 12}, TimeOfDay{8, 55}},
	{"HR", TimeOfDay{8, 55}, TimeOfDay{9, 1}},
	{"3", TimeOfDay{9, 5}, TimeOfDay{9, 48}},
	{"4", TimeOfDay{9, 52}, TimeOfDay{10, 35}},
	{"5", TimeOfDay{10, 39}, TimeOfDay{11, 22}},
	{"6", TimeOfDay{11, 26}, TimeOfDay{12, 9}},
	{"7", TimeOfDay{12, 13}, TimeOfDay{12, 56}},
	{"8", TimeOfDay{13, 0}, TimeOfDay{13, 43}},
	{"9", TimeOfDay{13, 47}, TimeOfDay{14, 30}},
}

// Table answers period-containment queries against an ordered list of spans.
type Table struct {
	periods []Period
}

// NewTable builds a table from the given periods, or the default bell
// schedule when none are given.
func NewTable(periods []Period) *Table {
	if len(periods) == 0 {
		periods = Default
	}
	return &Table{periods: periods}
}

// PeriodContaining returns the first period whose span contains t, along
// with the period's end as a full timestamp on t's date. ok is false when t
// falls in a gap (before school, between periods, after school); callers
// treat that as "no scheduled checkout", not an error.
func (tb *Table) PeriodContaining(t time.Time) (label string, end time.Time, ok bool) {
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	for _, p := range tb.periods {
		if p.Start.seconds() <= sec && sec <= p.End.seconds() {
			end = time.Date(t.Year(), t.Month(), t.Day(), p.End.Hour, p.End.Minute, 0, 0, t.Location())
			return p.Label, end, true
		}
	}
	return "", time.Time{}, false
}
