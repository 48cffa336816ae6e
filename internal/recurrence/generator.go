package recurrence

import (
	"fmt"
	"time"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

// ParseClock parses an "HH:MM" wall-clock value into minutes since midnight.
func ParseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ClockOf formats the wall-clock portion of t as "HH:MM".
func ClockOf(t time.Time) string {
	return t.Format("15:04")
}

// ValidateRule checks the invariants a rule must satisfy before expansion:
// a known frequency, dayOfWeek within 0..6, startTime strictly before
// endTime, and for weekly cadences a dayOfWeek reachable from the anchor.
func ValidateRule(rule models.RecurrenceRule) error {
	if !rule.Frequency.Valid() {
		return appErrors.Clone(appErrors.ErrInvalidRule, fmt.Sprintf("unsupported frequency %q", rule.Frequency))
	}
	if rule.DayOfWeek < 0 || rule.DayOfWeek > 6 {
		return appErrors.Clone(appErrors.ErrInvalidRule, fmt.Sprintf("dayOfWeek %d out of range 0..6", rule.DayOfWeek))
	}
	startMin, err := ParseClock(rule.StartTime)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInvalidRule.Code, appErrors.ErrInvalidRule.Status, "invalid startTime")
	}
	endMin, err := ParseClock(rule.EndTime)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInvalidRule.Code, appErrors.ErrInvalidRule.Status, "invalid endTime")
	}
	if startMin >= endMin {
		return appErrors.Clone(appErrors.ErrInvalidRule, "startTime must be before endTime")
	}
	if rule.AnchorDate.IsZero() {
		return appErrors.Clone(appErrors.ErrInvalidRule, "anchorDate is required")
	}
	// MONTHLY keys expansion off the anchor's day-of-month, but the stored
	// dayOfWeek still has to agree with the anchor so the two fields never
	// contradict each other.
	if rule.Frequency != models.FrequencyOnce && int(rule.AnchorDate.Weekday()) != rule.DayOfWeek {
		return appErrors.Clone(appErrors.ErrInvalidRule, "dayOfWeek is not reachable from anchorDate")
	}
	return nil
}

// Expand materialises the occurrences of one rule inside the half-open
// window [from, to), sorted ascending by start time. An invalid rule is
// rejected before any occurrence is produced.
func Expand(rule models.RecurrenceRule, from, to time.Time) ([]models.Occurrence, error) {
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, nil
	}

	startMin, _ := ParseClock(rule.StartTime)
	endMin, _ := ParseClock(rule.EndTime)
	loc := from.Location()

	var out []models.Occurrence
	emit := func(day time.Time) {
		start := atClock(day, startMin, loc)
		end := atClock(day, endMin, loc)
		if !start.Before(from) && start.Before(to) {
			out = append(out, models.Occurrence{
				ScheduleID: rule.ID,
				TeacherID:  rule.TeacherID,
				StudentID:  rule.StudentID,
				Summary:    rule.Summary,
				Start:      start,
				End:        end,
			})
		}
	}

	switch rule.Frequency {
	case models.FrequencyOnce:
		emit(dateIn(rule.AnchorDate, loc))

	case models.FrequencyWeekly, models.FrequencyBiweekly:
		step := 7
		if rule.Frequency == models.FrequencyBiweekly {
			step = 14
		}
		anchor := dateIn(rule.AnchorDate, loc)
		cur := dateIn(from, loc)
		if cur.Before(anchor) {
			cur = anchor
		}
		// Scan at most 7 days forward to land on the rule's weekday.
		for i := 0; i < 7 && int(cur.Weekday()) != rule.DayOfWeek; i++ {
			cur = cur.AddDate(0, 0, 1)
		}
		if rule.Frequency == models.FrequencyBiweekly && daysBetween(anchor, cur)%14 != 0 {
			cur = cur.AddDate(0, 0, 7)
		}
		for atClock(cur, startMin, loc).Before(to) {
			emit(cur)
			cur = cur.AddDate(0, 0, step)
		}

	case models.FrequencyMonthly:
		anchor := dateIn(rule.AnchorDate, loc)
		anchorDay := anchor.Day()
		cursor := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, loc)
		if cursor.Before(time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, loc)) {
			cursor = time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, loc)
		}
		for {
			day := clampDay(cursor.Year(), cursor.Month(), anchorDay, loc)
			start := atClock(day, startMin, loc)
			if !start.Before(to) {
				break
			}
			if !day.Before(anchor) {
				emit(day)
			}
			cursor = cursor.AddDate(0, 1, 0)
		}
	}

	return out, nil
}

// atClock combines a calendar date with minutes since midnight in loc.
func atClock(day time.Time, minutes int, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, loc)
}

// dateIn truncates t to its calendar date rendered in loc.
func dateIn(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// clampDay resolves day-of-month against the month's actual length, so a
// rule anchored on the 31st lands on February's last day instead of
// rolling into March.
func clampDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

// daysBetween counts whole calendar days from a to b, DST-safe.
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}
