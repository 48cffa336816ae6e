package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

type ruleRepoStub struct {
	rules     []models.RecurrenceRule
	created   []models.RecurrenceRule
	updated   []models.RecurrenceRule
	deleted   []string
	createErr error
}

func (s *ruleRepoStub) List(ctx context.Context, filter models.RuleFilter) ([]models.RecurrenceRule, error) {
	var out []models.RecurrenceRule
	for _, rule := range s.rules {
		if filter.TeacherID != "" && rule.TeacherID != filter.TeacherID {
			continue
		}
		if filter.StudentID != "" && rule.StudentID != filter.StudentID {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *ruleRepoStub) ListByResources(ctx context.Context, teacherIDs, studentIDs []string) ([]models.RecurrenceRule, error) {
	seen := make(map[string]struct{})
	var out []models.RecurrenceRule
	for _, rule := range s.rules {
		for _, id := range teacherIDs {
			if rule.TeacherID == id {
				if _, ok := seen[rule.ID]; !ok {
					seen[rule.ID] = struct{}{}
					out = append(out, rule)
				}
			}
		}
		for _, id := range studentIDs {
			if rule.StudentID == id {
				if _, ok := seen[rule.ID]; !ok {
					seen[rule.ID] = struct{}{}
					out = append(out, rule)
				}
			}
		}
	}
	return out, nil
}

func (s *ruleRepoStub) FindByID(ctx context.Context, id string) (*models.RecurrenceRule, error) {
	for i := range s.rules {
		if s.rules[i].ID == id {
			rule := s.rules[i]
			return &rule, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *ruleRepoStub) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	if s.createErr != nil {
		return s.createErr
	}
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%d", len(s.created)+1)
	}
	s.created = append(s.created, *rule)
	s.rules = append(s.rules, *rule)
	return nil
}

func (s *ruleRepoStub) Update(ctx context.Context, rule *models.RecurrenceRule) error {
	s.updated = append(s.updated, *rule)
	for i := range s.rules {
		if s.rules[i].ID == rule.ID {
			s.rules[i] = *rule
		}
	}
	return nil
}

func (s *ruleRepoStub) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func utcDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func weeklyRule(id, teacherID, studentID, startClock, endClock string) models.RecurrenceRule {
	return models.RecurrenceRule{
		ID:         id,
		TeacherID:  teacherID,
		StudentID:  studentID,
		DayOfWeek:  int(time.Tuesday),
		StartTime:  startClock,
		EndTime:    endClock,
		Frequency:  models.FrequencyWeekly,
		AnchorDate: utcDate(2024, time.January, 2),
	}
}

func TestCreateRuleRejectsInvertedClock(t *testing.T) {
	svc := NewTimetableService(&ruleRepoStub{}, nil, nil, 0)
	_, err := svc.CreateRule(context.Background(), CreateRuleRequest{
		TeacherID:  "t-1",
		StudentID:  "s-1",
		DayOfWeek:  "2",
		StartTime:  "15:00",
		EndTime:    "14:00",
		Frequency:  "WEEKLY",
		AnchorDate: "2024-01-02",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidRule.Code, appErrors.FromError(err).Code)
}

func TestCreateRulePersists(t *testing.T) {
	repo := &ruleRepoStub{}
	svc := NewTimetableService(repo, nil, nil, 0)
	rule, err := svc.CreateRule(context.Background(), CreateRuleRequest{
		TeacherID:  "t-1",
		StudentID:  "s-1",
		Summary:    "Piano",
		DayOfWeek:  "2",
		StartTime:  "14:00",
		EndTime:    "15:00",
		Frequency:  "WEEKLY",
		AnchorDate: "2024-01-02",
	})
	require.NoError(t, err)
	require.Len(t, repo.created, 1)
	assert.Equal(t, int(time.Tuesday), rule.DayOfWeek)
	assert.Equal(t, models.FrequencyWeekly, rule.Frequency)
}

func TestViewWindowFlagsConflicts(t *testing.T) {
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{
		weeklyRule("rule-1", "t-1", "s-1", "14:00", "15:00"),
		weeklyRule("rule-2", "t-1", "s-2", "14:30", "15:30"),
	}}
	svc := NewTimetableService(repo, nil, nil, 0)

	result, err := svc.ViewWindow(context.Background(), ViewWindowRequest{
		From:      utcDate(2024, time.January, 1),
		To:        utcDate(2024, time.January, 8),
		TeacherID: "t-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Occurrences, 2)
	require.Len(t, result.Conflicts, 1)
	assert.True(t, result.Occurrences[0].Conflicted)
	assert.True(t, result.Occurrences[1].Conflicted)
	assert.True(t, result.Occurrences[0].Start.Before(result.Occurrences[1].Start))
	assert.Equal(t, "teacher:t-1", result.Conflicts[0].Resource)
}

func TestViewWindowTouchingSlotsAreClean(t *testing.T) {
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{
		weeklyRule("rule-1", "t-1", "s-1", "10:00", "11:00"),
		weeklyRule("rule-2", "t-1", "s-2", "11:00", "12:00"),
	}}
	svc := NewTimetableService(repo, nil, nil, 0)

	result, err := svc.ViewWindow(context.Background(), ViewWindowRequest{
		From:      utcDate(2024, time.January, 1),
		To:        utcDate(2024, time.January, 8),
		TeacherID: "t-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Occurrences, 2)
	assert.Empty(t, result.Conflicts)
	assert.False(t, result.Occurrences[0].Conflicted)
	assert.False(t, result.Occurrences[1].Conflicted)
}

func TestViewWindowRejectsInvertedWindow(t *testing.T) {
	svc := NewTimetableService(&ruleRepoStub{}, nil, nil, 0)
	_, err := svc.ViewWindow(context.Background(), ViewWindowRequest{
		From: utcDate(2024, time.January, 8),
		To:   utcDate(2024, time.January, 1),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRescheduleRejectedThenOverridden(t *testing.T) {
	other := models.RecurrenceRule{
		ID:         "rule-2",
		TeacherID:  "t-1",
		StudentID:  "s-2",
		DayOfWeek:  int(time.Wednesday),
		StartTime:  "10:00",
		EndTime:    "11:00",
		Frequency:  models.FrequencyWeekly,
		AnchorDate: utcDate(2024, time.January, 3),
	}
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{
		weeklyRule("rule-1", "t-1", "s-1", "14:00", "15:00"),
		other,
	}}
	svc := NewTimetableService(repo, nil, nil, 0)

	newStart := time.Date(2024, time.January, 3, 10, 30, 0, 0, time.UTC)
	newEnd := time.Date(2024, time.January, 3, 11, 30, 0, 0, time.UTC)

	_, err := svc.Reschedule(context.Background(), RescheduleRequest{
		ScheduleID: "rule-1",
		NewStart:   newStart,
		NewEnd:     newEnd,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflictRejected.Code, appErrors.FromError(err).Code)

	var domainErr *models.ConflictRejectedError
	require.True(t, errors.As(err, &domainErr))
	require.Len(t, domainErr.Conflicts, 1)
	assert.Equal(t, "rule-2", domainErr.Conflicts[0].ScheduleID)
	assert.Empty(t, repo.updated)

	rule, err := svc.Reschedule(context.Background(), RescheduleRequest{
		ScheduleID: "rule-1",
		NewStart:   newStart,
		NewEnd:     newEnd,
		Override:   true,
	})
	require.NoError(t, err)
	require.Len(t, repo.updated, 1)
	assert.Equal(t, int(time.Wednesday), rule.DayOfWeek)
	assert.Equal(t, "10:30", rule.StartTime)
	assert.Equal(t, "11:30", rule.EndTime)
}

func TestRescheduleAcceptedWhenSlotIsFree(t *testing.T) {
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{
		weeklyRule("rule-1", "t-1", "s-1", "14:00", "15:00"),
	}}
	svc := NewTimetableService(repo, nil, nil, 0)

	rule, err := svc.Reschedule(context.Background(), RescheduleRequest{
		ScheduleID: "rule-1",
		NewStart:   time.Date(2024, time.January, 4, 9, 0, 0, 0, time.UTC),
		NewEnd:     time.Date(2024, time.January, 4, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int(time.Thursday), rule.DayOfWeek)
	require.Len(t, repo.updated, 1)
}

func TestRescheduleUnknownRule(t *testing.T) {
	svc := NewTimetableService(&ruleRepoStub{}, nil, nil, 0)
	_, err := svc.Reschedule(context.Background(), RescheduleRequest{
		ScheduleID: "missing",
		NewStart:   time.Date(2024, time.January, 4, 9, 0, 0, 0, time.UTC),
		NewEnd:     time.Date(2024, time.January, 4, 10, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportICSIsStable(t *testing.T) {
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{
		weeklyRule("rule-1", "t-1", "s-1", "14:00", "15:00"),
	}}
	svc := NewTimetableService(repo, nil, nil, 30)

	from := utcDate(2024, time.January, 1)
	first, err := svc.ExportICS(context.Background(), models.RuleFilter{TeacherID: "t-1"}, from)
	require.NoError(t, err)
	second, err := svc.ExportICS(context.Background(), models.RuleFilter{TeacherID: "t-1"}, from)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}
