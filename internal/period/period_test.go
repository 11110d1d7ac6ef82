package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pacific(t *testing.T) *time.Location {
	t.Helper()
	loc, err := LoadZone("")
	require.NoError(t, err)
	return loc
}

func TestLoadZone_Invalid(t *testing.T) {
	_, err := LoadZone("Not/AZone")
	assert.Error(t, err)
}

func TestAt_UsesCivilZone(t *testing.T) {
	loc := pacific(t)
	// 2026-10-15 06:30 UTC is still 2026-10-14 in Pacific daylight time.
	now := time.Date(2026, 10, 15, 6, 30, 0, 0, time.UTC)

	tags := At(now, loc)
	assert.Equal(t, "2026-10-14", tags.Daily)
	assert.Equal(t, "2026-W42", tags.Weekly)
	assert.Equal(t, "2026-10", tags.Monthly)
}

func TestWeeklyTag_ISOYear(t *testing.T) {
	// 2027-01-01 is a Friday in ISO week 53 of 2026.
	assert.Equal(t, "2026-W53", WeeklyTag(time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2027-W1", WeeklyTag(time.Date(2027, 1, 4, 12, 0, 0, 0, time.UTC)))
}

func TestDecide_SameDayIsNoop(t *testing.T) {
	loc := pacific(t)
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, loc)

	d := Decide(now, loc, At(now, loc))
	assert.False(t, d.Any())
}

func TestDecide_DailyAnyTimeOfDay(t *testing.T) {
	loc := pacific(t)
	last := At(time.Date(2026, 10, 13, 23, 59, 0, 0, loc), loc)

	d := Decide(time.Date(2026, 10, 14, 15, 0, 0, 0, loc), loc, last)
	assert.True(t, d.Daily)
	assert.False(t, d.Weekly)
	assert.False(t, d.Monthly)
	assert.Equal(t, "2026-10-14", d.Current.Daily)
}

func TestDecide_WeeklyRequiresMonday(t *testing.T) {
	loc := pacific(t)
	// Stored week is the week of Monday 2026-10-05.
	last := At(time.Date(2026, 10, 9, 12, 0, 0, 0, loc), loc)

	thursday := time.Date(2026, 10, 15, 12, 0, 0, 0, loc)
	d := Decide(thursday, loc, last)
	assert.NotEqual(t, last.Weekly, d.Current.Weekly)
	assert.False(t, d.Weekly, "tag changed but it is not Monday")

	monday := time.Date(2026, 10, 19, 0, 1, 0, 0, loc)
	d = Decide(monday, loc, last)
	assert.True(t, d.Weekly)
}

func TestDecide_MonthlyRequiresFirstDay(t *testing.T) {
	loc := pacific(t)
	last := At(time.Date(2026, 9, 30, 12, 0, 0, 0, loc), loc)

	d := Decide(time.Date(2026, 10, 2, 12, 0, 0, 0, loc), loc, last)
	assert.False(t, d.Monthly)

	d = Decide(time.Date(2026, 10, 1, 0, 0, 30, 0, loc), loc, last)
	assert.True(t, d.Monthly)
	assert.True(t, d.Daily)
}

func TestDecide_EmptyTagsNeverReset(t *testing.T) {
	loc := pacific(t)
	// Monday the 1st.
	d := Decide(time.Date(2027, 3, 1, 10, 0, 0, 0, loc), loc, Tags{})
	assert.False(t, d.Any())
	assert.Equal(t, "2027-03-01", d.Current.Daily)
}

func TestDecide_LateCheckStillFires(t *testing.T) {
	loc := pacific(t)
	last := At(time.Date(2026, 10, 10, 12, 0, 0, 0, loc), loc)

	// Three days of downtime; the first check after restart resets daily.
	d := Decide(time.Date(2026, 10, 13, 20, 0, 0, 0, loc), loc, last)
	assert.True(t, d.Daily)
}
