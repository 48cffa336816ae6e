package models

import "time"

// Frequency enumerates the supported recurrence cadences.
type Frequency string

const (
	FrequencyOnce     Frequency = "ONCE"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
)

// Valid reports whether the frequency is one of the supported cadences.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

// RecurrenceRule is a declarative definition of a repeating lesson slot.
// dayOfWeek follows time.Weekday numbering (Sunday = 0). StartTime and
// EndTime are local wall-clock values in "HH:MM" form.
type RecurrenceRule struct {
	ID         string    `db:"id" json:"id"`
	TeacherID  string    `db:"teacher_id" json:"teacher_id"`
	StudentID  string    `db:"student_id" json:"student_id"`
	Summary    string    `db:"summary" json:"summary,omitempty"`
	DayOfWeek  int       `db:"day_of_week" json:"day_of_week"`
	StartTime  string    `db:"start_time" json:"start_time"`
	EndTime    string    `db:"end_time" json:"end_time"`
	Frequency  Frequency `db:"frequency" json:"frequency"`
	AnchorDate time.Time `db:"anchor_date" json:"anchor_date"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// RuleFilter narrows rule listings to one or both resources.
type RuleFilter struct {
	TeacherID string
	StudentID string
}
