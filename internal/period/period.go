// Package period computes civil-calendar boundary tags and decides when a
// daily, weekly or monthly bucket is due for reset.
//
// Reset detection compares tags rather than elapsed time, so a check may run
// on every message and every scheduler tick without double-firing, and a
// check that runs late still fires once.
package period

import (
	"fmt"
	"time"
)

// DefaultZone is the civil zone every boundary is computed in.
const DefaultZone = "America/Los_Angeles"

// Tags are the boundary values of the periods an instant falls in.
type Tags struct {
	Daily   string `json:"daily"`
	Weekly  string `json:"weekly"`
	Monthly string `json:"monthly"`
}

// Decision reports which periods must be archived and cleared.
type Decision struct {
	Daily   bool
	Weekly  bool
	Monthly bool
	// Current holds the tags at the decision instant.
	Current Tags
}

// Any reports whether at least one period must reset.
func (d Decision) Any() bool {
	return d.Daily || d.Weekly || d.Monthly
}

// LoadZone resolves name, falling back to DefaultZone when name is empty.
func LoadZone(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

// DailyTag returns the civil date, e.g. "2026-10-14".
func DailyTag(t time.Time) string {
	return t.Format("2006-01-02")
}

// WeeklyTag returns the ISO year and week, e.g. "2026-W42".
func WeeklyTag(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%d", year, week)
}

// MonthlyTag returns the year and zero-padded month, e.g. "2026-10".
func MonthlyTag(t time.Time) string {
	return t.Format("2006-01")
}

// At returns the tags of now as observed in loc.
func At(now time.Time, loc *time.Location) Tags {
	civil := now.In(loc)
	return Tags{
		Daily:   DailyTag(civil),
		Weekly:  WeeklyTag(civil),
		Monthly: MonthlyTag(civil),
	}
}

// Decide compares the tags of now against last.
//
// The daily bucket resets whenever the date differs. The weekly bucket resets
// only when the week tag differs and the civil day is Monday; the monthly
// bucket only when the month tag differs and the civil day is the 1st.
// An empty tag in last never triggers a reset.
func Decide(now time.Time, loc *time.Location, last Tags) Decision {
	civil := now.In(loc)
	cur := At(now, loc)

	return Decision{
		Daily:   last.Daily != "" && cur.Daily != last.Daily,
		Weekly:  last.Weekly != "" && cur.Weekly != last.Weekly && civil.Weekday() == time.Monday,
		Monthly: last.Monthly != "" && cur.Monthly != last.Monthly && civil.Day() == 1,
		Current: cur,
	}
}
