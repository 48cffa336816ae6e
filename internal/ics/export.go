package ics

import (
	"fmt"
	"sort"

	ical "github.com/arran4/golang-ical"

	"github.com/melodia-app/schedule-api/internal/models"
)

const prodID = "-//melodia//schedule-api//EN"

// Export renders occurrences as an ICS document. Every field, including the
// per-occurrence UID derived from {scheduleId, occurrenceStart} and the
// DTSTAMP, is a pure function of the input, so repeated exports of the same
// set are byte identical.
func Export(occs []models.Occurrence) []byte {
	ordered := append([]models.Occurrence(nil), occs...)
	sort.Slice(ordered, func(a, b int) bool {
		if !ordered[a].Start.Equal(ordered[b].Start) {
			return ordered[a].Start.Before(ordered[b].Start)
		}
		return ordered[a].ScheduleID < ordered[b].ScheduleID
	})

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, occ := range ordered {
		ev := cal.AddEvent(OccurrenceUID(occ))
		ev.SetDtStampTime(occ.Start)
		ev.SetStartAt(occ.Start)
		ev.SetEndAt(occ.End)
		if occ.Summary != "" {
			ev.SetSummary(occ.Summary)
		}
	}

	return []byte(cal.Serialize())
}

// OccurrenceUID builds the stable per-occurrence identifier used by the
// export feed.
func OccurrenceUID(occ models.Occurrence) string {
	return fmt.Sprintf("%s-%d@melodia-app", occ.ScheduleID, occ.Start.Unix())
}
