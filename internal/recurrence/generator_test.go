package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func weeklyTuesdayRule() models.RecurrenceRule {
	return models.RecurrenceRule{
		ID:         "rule-1",
		TeacherID:  "t-1",
		StudentID:  "s-1",
		DayOfWeek:  int(time.Tuesday),
		StartTime:  "14:00",
		EndTime:    "15:00",
		Frequency:  models.FrequencyWeekly,
		AnchorDate: date(2024, time.January, 2),
	}
}

func TestExpandWeeklyJanuary(t *testing.T) {
	occs, err := Expand(weeklyTuesdayRule(), date(2024, time.January, 1), date(2024, time.January, 31))
	require.NoError(t, err)
	require.Len(t, occs, 5)

	wantDays := []int{2, 9, 16, 23, 30}
	for i, occ := range occs {
		assert.Equal(t, time.Tuesday, occ.Start.Weekday())
		assert.Equal(t, wantDays[i], occ.Start.Day())
		assert.Equal(t, 14, occ.Start.Hour())
		assert.Equal(t, 15, occ.End.Hour())
		if i > 0 {
			assert.Equal(t, 7*24*time.Hour, occ.Start.Sub(occs[i-1].Start))
		}
	}
}

func TestExpandWeeklyStartsMidWindow(t *testing.T) {
	// Anchor after the window start: nothing before the anchor.
	rule := weeklyTuesdayRule()
	rule.AnchorDate = date(2024, time.January, 16)

	occs, err := Expand(rule, date(2024, time.January, 1), date(2024, time.February, 1))
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, 16, occs[0].Start.Day())
}

func TestExpandBiweeklyAnchorParity(t *testing.T) {
	rule := weeklyTuesdayRule()
	rule.Frequency = models.FrequencyBiweekly

	occs, err := Expand(rule, date(2024, time.January, 8), date(2024, time.February, 6))
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, 16, occs[0].Start.Day())
	assert.Equal(t, 30, occs[1].Start.Day())
}

func TestExpandMonthlyClampsToShortMonth(t *testing.T) {
	rule := models.RecurrenceRule{
		ID:         "rule-m",
		TeacherID:  "t-1",
		StudentID:  "s-1",
		DayOfWeek:  int(date(2023, time.January, 31).Weekday()),
		StartTime:  "10:00",
		EndTime:    "11:00",
		Frequency:  models.FrequencyMonthly,
		AnchorDate: date(2023, time.January, 31),
	}

	occs, err := Expand(rule, date(2023, time.January, 1), date(2023, time.April, 1))
	require.NoError(t, err)
	require.Len(t, occs, 3)

	assert.Equal(t, date(2023, time.January, 31).Day(), occs[0].Start.Day())
	// February has no 31st: the occurrence lands on the 28th, not March.
	assert.Equal(t, time.February, occs[1].Start.Month())
	assert.Equal(t, 28, occs[1].Start.Day())
	assert.Equal(t, time.March, occs[2].Start.Month())
	assert.Equal(t, 31, occs[2].Start.Day())
}

func TestExpandMonthlyLeapFebruary(t *testing.T) {
	rule := models.RecurrenceRule{
		ID:         "rule-m",
		TeacherID:  "t-1",
		StudentID:  "s-1",
		DayOfWeek:  int(date(2024, time.January, 31).Weekday()),
		StartTime:  "10:00",
		EndTime:    "11:00",
		Frequency:  models.FrequencyMonthly,
		AnchorDate: date(2024, time.January, 31),
	}

	occs, err := Expand(rule, date(2024, time.February, 1), date(2024, time.March, 1))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, 29, occs[0].Start.Day())
}

func TestExpandOnce(t *testing.T) {
	rule := weeklyTuesdayRule()
	rule.Frequency = models.FrequencyOnce

	occs, err := Expand(rule, date(2024, time.January, 1), date(2024, time.January, 31))
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, 2, occs[0].Start.Day())

	occs, err = Expand(rule, date(2024, time.February, 1), date(2024, time.March, 1))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestExpandRejectsInvertedClock(t *testing.T) {
	rule := weeklyTuesdayRule()
	rule.StartTime = "15:00"
	rule.EndTime = "14:00"

	_, err := Expand(rule, date(2024, time.January, 1), date(2024, time.January, 31))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRule.Code, appErrors.FromError(err).Code)
}

func TestExpandRejectsUnreachableWeekday(t *testing.T) {
	rule := weeklyTuesdayRule()
	rule.DayOfWeek = int(time.Friday) // anchor is a Tuesday

	_, err := Expand(rule, date(2024, time.January, 1), date(2024, time.January, 31))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRule.Code, appErrors.FromError(err).Code)
}

func TestExpandRejectsMonthlyWeekdayMismatch(t *testing.T) {
	rule := models.RecurrenceRule{
		ID:         "monthly-1",
		TeacherID:  "t-1",
		StudentID:  "s-1",
		DayOfWeek:  int(time.Friday), // 2024-01-02 is a Tuesday
		StartTime:  "14:00",
		EndTime:    "15:00",
		Frequency:  models.FrequencyMonthly,
		AnchorDate: date(2024, time.January, 2),
	}

	_, err := Expand(rule, date(2024, time.January, 1), date(2024, time.June, 1))
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRule.Code, appErrors.FromError(err).Code)
}

func TestExpandEmptyWindow(t *testing.T) {
	occs, err := Expand(weeklyTuesdayRule(), date(2024, time.January, 10), date(2024, time.January, 10))
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestParseClock(t *testing.T) {
	minutes, err := ParseClock("14:30")
	require.NoError(t, err)
	assert.Equal(t, 14*60+30, minutes)
	assert.Equal(t, "14:30", FormatClock(minutes))

	_, err = ParseClock("25:00")
	require.Error(t, err)
	_, err = ParseClock("2pm")
	require.Error(t, err)
}
