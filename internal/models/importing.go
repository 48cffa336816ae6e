package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RecurringPattern tags a candidate as repeating with a supported cadence.
type RecurringPattern struct {
	Frequency Frequency `json:"frequency"`
	Interval  int       `json:"interval"`
}

// CandidateSchedule is a normalized imported event awaiting confirmation.
// A nil Recurring means a one-off occurrence; downgraded events keep a
// warning explaining what was dropped.
type CandidateSchedule struct {
	SourceUID   string            `json:"source_uid"`
	Summary     string            `json:"summary"`
	Description string            `json:"description,omitempty"`
	Location    string            `json:"location,omitempty"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	DayOfWeek   int               `json:"day_of_week"`
	DurationMin int               `json:"duration_minutes"`
	Recurring   *RecurringPattern `json:"recurring,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	StudentID   string            `json:"student_id,omitempty"`
	Ambiguous   bool              `json:"ambiguous"`
}

// ParseIssue records a per-event parse failure; the batch continues.
type ParseIssue struct {
	Index   int    `json:"index"`
	UID     string `json:"uid,omitempty"`
	Message string `json:"message"`
}

// ImportPreview is an immutable snapshot of parsed-but-uncommitted import
// candidates, addressable by an opaque time-bounded token.
type ImportPreview struct {
	PreviewID             string              `json:"preview_id"`
	TeacherID             string              `json:"teacher_id"`
	TotalEvents           int                 `json:"total_events"`
	Candidates            []CandidateSchedule `json:"candidate_schedules"`
	Conflicts             []ConflictPair      `json:"conflicts"`
	ParseIssues           []ParseIssue        `json:"parse_issues,omitempty"`
	RequiresEntityMapping bool                `json:"requires_entity_mapping"`
	CreatedAt             time.Time           `json:"created_at"`
}

// ImportItemError reports one failed candidate out of a batch commit.
type ImportItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ImportResult summarises a best-effort batch commit.
type ImportResult struct {
	Created      int               `json:"created"`
	Errors       int               `json:"errors"`
	ErrorDetails []ImportItemError `json:"error_details,omitempty"`
	ScheduleIDs  []string          `json:"schedule_ids,omitempty"`
}

// IncompleteMappingError names every ambiguous candidate index left without
// a mapping at confirm time.
type IncompleteMappingError struct {
	Unresolved []int `json:"unresolved"`
}

// Error implements the error interface.
func (e *IncompleteMappingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	idx := append([]int(nil), e.Unresolved...)
	sort.Ints(idx)
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("unresolved entity mapping for event(s) %s", strings.Join(parts, ", "))
}
