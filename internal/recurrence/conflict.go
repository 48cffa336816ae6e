package recurrence

import (
	"sort"
	"time"

	"github.com/melodia-app/schedule-api/internal/models"
)

// Overlap reports half-open interval overlap: intervals that merely touch
// (one ends exactly when the other starts) do not overlap.
func Overlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Detect flags every occurrence that overlaps at least one other occurrence
// sharing a resource, and returns the explicit pair list for reporting.
// The input slice is updated in place: Conflicted is set on both members of
// each pair.
func Detect(occs []models.Occurrence) []models.ConflictPair {
	byResource := make(map[string][]int)
	for i, occ := range occs {
		if occ.TeacherID != "" {
			key := "teacher:" + occ.TeacherID
			byResource[key] = append(byResource[key], i)
		}
		if occ.StudentID != "" {
			key := "student:" + occ.StudentID
			byResource[key] = append(byResource[key], i)
		}
	}

	resources := make([]string, 0, len(byResource))
	for key := range byResource {
		resources = append(resources, key)
	}
	sort.Strings(resources)

	var pairs []models.ConflictPair
	for _, resource := range resources {
		idxs := byResource[resource]
		sort.Slice(idxs, func(a, b int) bool {
			if !occs[idxs[a]].Start.Equal(occs[idxs[b]].Start) {
				return occs[idxs[a]].Start.Before(occs[idxs[b]].Start)
			}
			return occs[idxs[a]].ScheduleID < occs[idxs[b]].ScheduleID
		})

		for i := 0; i < len(idxs); i++ {
			a := &occs[idxs[i]]
			for j := i + 1; j < len(idxs); j++ {
				b := &occs[idxs[j]]
				if !b.Start.Before(a.End) {
					break
				}
				if !Overlap(a.Start, a.End, b.Start, b.End) {
					continue
				}
				a.Conflicted = true
				b.Conflicted = true
				pairs = append(pairs, models.ConflictPair{
					A:            models.OccurrenceRef{ScheduleID: a.ScheduleID, Start: a.Start},
					B:            models.OccurrenceRef{ScheduleID: b.ScheduleID, Start: b.Start},
					Resource:     resource,
					OverlapStart: laterOf(a.Start, b.Start),
					OverlapEnd:   earlierOf(a.End, b.End),
				})
			}
		}
	}
	return pairs
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
