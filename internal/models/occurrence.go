package models

import (
	"fmt"
	"time"
)

// Occurrence is one concrete, time-boxed instance of a rule inside a query
// window. Occurrences are recomputed per window and never persisted.
type Occurrence struct {
	ScheduleID string    `json:"schedule_id"`
	TeacherID  string    `json:"teacher_id"`
	StudentID  string    `json:"student_id"`
	Summary    string    `json:"summary,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Conflicted bool      `json:"conflicted"`
}

// OccurrenceRef identifies a single occurrence in conflict reports.
type OccurrenceRef struct {
	ScheduleID string    `json:"schedule_id"`
	Start      time.Time `json:"start"`
}

// ConflictPair reports two occurrences of the same resource whose intervals
// overlap. Derived per query, never stored.
type ConflictPair struct {
	A            OccurrenceRef `json:"a"`
	B            OccurrenceRef `json:"b"`
	Resource     string        `json:"resource"`
	OverlapStart time.Time     `json:"overlap_start"`
	OverlapEnd   time.Time     `json:"overlap_end"`
}

// ConflictRejectedError carries the occurrences that block a reschedule or
// an import item.
type ConflictRejectedError struct {
	Conflicts []Occurrence `json:"conflicts"`
}

// Error implements the error interface.
func (e *ConflictRejectedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("requested slot overlaps %d existing occurrence(s)", len(e.Conflicts))
}
