package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

// ParseResult holds the normalized candidates of one feed plus the issues
// of events that could not be parsed. A per-event failure never aborts the
// batch.
type ParseResult struct {
	TotalEvents int
	Candidates  []models.CandidateSchedule
	Issues      []models.ParseIssue
}

// Parse turns a foreign ICS feed into candidate schedules. Recurrence
// descriptors outside ONCE/WEEKLY/BIWEEKLY/MONTHLY are downgraded to a
// single occurrence with a warning instead of rejecting the event.
func Parse(body []byte) (*ParseResult, error) {
	if len(body) == 0 {
		return nil, appErrors.Clone(appErrors.ErrParse, "empty calendar file")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrParse.Code, appErrors.ErrParse.Status, "malformed calendar file")
	}

	result := &ParseResult{}
	for i, ve := range cal.Events() {
		result.TotalEvents++
		cand, perr := parseEvent(ve)
		if perr != nil {
			result.Issues = append(result.Issues, models.ParseIssue{
				Index:   i,
				UID:     propValue(ve, ical.ComponentPropertyUniqueId),
				Message: perr.Error(),
			})
			continue
		}
		result.Candidates = append(result.Candidates, cand)
	}
	return result, nil
}

func parseEvent(ve *ical.VEvent) (models.CandidateSchedule, error) {
	var out models.CandidateSchedule

	out.SourceUID = propValue(ve, ical.ComponentPropertyUniqueId)
	if out.SourceUID == "" {
		return out, errors.New("missing UID")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("missing or invalid DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, fmt.Errorf("missing or invalid DTEND: %w", err)
	}
	if !start.Before(end) {
		return out, errors.New("DTSTART must be before DTEND")
	}

	out.Summary = propValue(ve, ical.ComponentPropertySummary)
	out.Description = propValue(ve, ical.ComponentPropertyDescription)
	out.Location = propValue(ve, ical.ComponentPropertyLocation)
	out.Start = start
	out.End = end
	out.DayOfWeek = int(start.Weekday())
	out.DurationMin = int(end.Sub(start).Minutes())

	if raw := propValue(ve, ical.ComponentPropertyRrule); raw != "" {
		pattern, warning := mapRecurrence(raw, start)
		out.Recurring = pattern
		if warning != "" {
			out.Warnings = append(out.Warnings, warning)
		}
	}

	return out, nil
}

// mapRecurrence maps an RRULE onto the supported cadence set. Anything the
// schedule model cannot express comes back as a nil pattern plus a warning,
// which downgrades the event to a single occurrence. The model has no
// series bound and exactly one slot per cadence, so COUNT/UNTIL and every
// by-rule beyond a BYDAY/BYMONTHDAY restating the event's own start must
// downgrade rather than import a wrong rule.
func mapRecurrence(raw string, start time.Time) (*models.RecurringPattern, string) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Sprintf("unreadable recurrence %q, imported as a one-off", raw)
	}

	cleaned := strings.TrimSpace(raw)
	if opt.Count > 0 || !opt.Until.IsZero() {
		return nil, fmt.Sprintf("bounded recurrence %q, imported as a one-off", cleaned)
	}
	if !byDayRestatesStart(opt.Byweekday, start.Weekday()) ||
		!byMonthDayRestatesStart(opt.Bymonthday, start.Day()) ||
		len(opt.Bysetpos) > 0 || len(opt.Bymonth) > 0 || len(opt.Byyearday) > 0 ||
		len(opt.Byweekno) > 0 || len(opt.Byhour) > 0 || len(opt.Byminute) > 0 ||
		len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return nil, fmt.Sprintf("unsupported recurrence %q, imported as a one-off", cleaned)
	}

	interval := opt.Interval
	if interval <= 0 {
		interval = 1
	}

	switch {
	case opt.Freq == rrule.WEEKLY && interval == 1:
		return &models.RecurringPattern{Frequency: models.FrequencyWeekly, Interval: 1}, ""
	case opt.Freq == rrule.WEEKLY && interval == 2:
		return &models.RecurringPattern{Frequency: models.FrequencyBiweekly, Interval: 2}, ""
	case opt.Freq == rrule.MONTHLY && interval == 1:
		return &models.RecurringPattern{Frequency: models.FrequencyMonthly, Interval: 1}, ""
	}
	return nil, fmt.Sprintf("unsupported recurrence %q, imported as a one-off", cleaned)
}

// byDayRestatesStart accepts an empty BYDAY, or a single unordinal entry
// that names the event's own start weekday. Multiple days (several lessons
// a week) or ordinals ("2MO") have no single-slot equivalent.
func byDayRestatesStart(days []rrule.Weekday, weekday time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	if len(days) != 1 || days[0].N() != 0 {
		return false
	}
	// rrule counts Monday=0..Sunday=6, time.Weekday counts Sunday=0.
	return days[0].Day() == (int(weekday)+6)%7
}

// byMonthDayRestatesStart accepts an empty BYMONTHDAY or a single entry
// equal to the event's start day-of-month.
func byMonthDayRestatesStart(days []int, day int) bool {
	if len(days) == 0 {
		return true
	}
	return len(days) == 1 && days[0] == day
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}
