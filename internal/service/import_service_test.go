package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodia-app/schedule-api/internal/models"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

type previewStoreStub struct {
	previews map[string]models.ImportPreview
	results  map[string]models.ImportResult
}

func newPreviewStoreStub() *previewStoreStub {
	return &previewStoreStub{
		previews: make(map[string]models.ImportPreview),
		results:  make(map[string]models.ImportResult),
	}
}

func (s *previewStoreStub) SavePreview(ctx context.Context, preview models.ImportPreview, ttl time.Duration) error {
	s.previews[preview.PreviewID] = preview
	return nil
}

func (s *previewStoreStub) GetPreview(ctx context.Context, previewID string) (*models.ImportPreview, error) {
	preview, ok := s.previews[previewID]
	if !ok {
		return nil, appErrors.ErrCacheMiss
	}
	return &preview, nil
}

func (s *previewStoreStub) DeletePreview(ctx context.Context, previewID string) error {
	delete(s.previews, previewID)
	return nil
}

func (s *previewStoreStub) SaveResult(ctx context.Context, previewID string, result models.ImportResult, ttl time.Duration) error {
	s.results[previewID] = result
	return nil
}

func (s *previewStoreStub) GetResult(ctx context.Context, previewID string) (*models.ImportResult, error) {
	result, ok := s.results[previewID]
	if !ok {
		return nil, appErrors.ErrCacheMiss
	}
	return &result, nil
}

type studentsStub struct {
	students []models.Student
}

func (s *studentsStub) ListActive(ctx context.Context) ([]models.Student, error) {
	return s.students, nil
}

type teachersStub struct {
	teachers map[string]models.Teacher
}

func (s *teachersStub) FindByID(ctx context.Context, id string) (*models.Teacher, error) {
	teacher, ok := s.teachers[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &teacher, nil
}

func facultyStub() *teachersStub {
	return &teachersStub{teachers: map[string]models.Teacher{
		"t-1": {ID: "t-1", FullName: "Ada Keys", Active: true},
	}}
}

// flakyRuleStore fails the first write, then delegates.
type flakyRuleStore struct {
	*ruleRepoStub
	failFirst bool
}

func (s *flakyRuleStore) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	if s.failFirst {
		s.failFirst = false
		return errors.New("write timeout")
	}
	return s.ruleRepoStub.Create(ctx, rule)
}

func rosterStub() *studentsStub {
	return &studentsStub{students: []models.Student{
		{ID: "s-john", FullName: "John Smith", Active: true},
		{ID: "s-mary", FullName: "Mary Major", Active: true},
		{ID: "s-new", FullName: "Pat Newman", Active: true},
	}}
}

func buildCalendar(build func(cal *ical.Calendar)) []byte {
	cal := ical.NewCalendar()
	cal.SetProductId("-//test//feed//EN")
	build(cal)
	return []byte(cal.Serialize())
}

func addCalendarEvent(cal *ical.Calendar, uid, summary string, start, end time.Time, rrule string) {
	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(start)
	ev.SetStartAt(start)
	ev.SetEndAt(end)
	ev.SetSummary(summary)
	if rrule != "" {
		ev.SetProperty(ical.ComponentPropertyRrule, rrule)
	}
}

// upcoming returns the next date with the given weekday, strictly after
// today, at the given clock in UTC. Preview windows start at "now", so
// fixtures have to stay relative.
func upcoming(day time.Weekday, hour, minute int) time.Time {
	now := time.Now().UTC()
	d := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC).AddDate(0, 0, 1)
	for d.Weekday() != day {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func previewFixtureFeed() []byte {
	morning := upcoming(time.Tuesday, 9, 0)
	afternoon := upcoming(time.Tuesday, 14, 0)
	evening := upcoming(time.Tuesday, 16, 0)
	return buildCalendar(func(cal *ical.Calendar) {
		addCalendarEvent(cal, "ev-weekly", "Lesson John Smith", morning, morning.Add(time.Hour), "FREQ=WEEKLY")
		addCalendarEvent(cal, "ev-once", "Lesson Mary Major", afternoon, afternoon.Add(time.Hour), "")
		addCalendarEvent(cal, "ev-unknown", "Lesson with the new kid", evening, evening.Add(time.Hour), "")
	})
}

// occupiedTuesdayRule books the teacher every Tuesday 14:00-15:00 with a
// student outside the imported feed.
func occupiedTuesdayRule() models.RecurrenceRule {
	tue := upcoming(time.Tuesday, 0, 0)
	return models.RecurrenceRule{
		ID:         "rule-existing",
		TeacherID:  "t-1",
		StudentID:  "s-bob",
		DayOfWeek:  int(time.Tuesday),
		StartTime:  "14:00",
		EndTime:    "15:00",
		Frequency:  models.FrequencyWeekly,
		AnchorDate: tue.AddDate(0, 0, -70),
	}
}

func TestPreviewResolvesStudentsAndReportsConflicts(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &ruleRepoStub{rules: []models.RecurrenceRule{occupiedTuesdayRule()}}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{
		TeacherID: "t-1",
		File:      previewFixtureFeed(),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, preview.TotalEvents)
	require.Len(t, preview.Candidates, 3)
	assert.Empty(t, preview.ParseIssues)

	assert.Equal(t, "s-john", preview.Candidates[0].StudentID)
	assert.Equal(t, "s-mary", preview.Candidates[1].StudentID)
	assert.True(t, preview.Candidates[2].Ambiguous)
	assert.True(t, preview.RequiresEntityMapping)

	require.Len(t, preview.Conflicts, 1)
	pair := preview.Conflicts[0]
	assert.Equal(t, "teacher:t-1", pair.Resource)
	assert.True(t, isCandidateID(pair.A.ScheduleID) != isCandidateID(pair.B.ScheduleID))

	require.NotEmpty(t, preview.PreviewID)
	_, inStore := store.previews[preview.PreviewID]
	assert.True(t, inStore)
}

func TestPreviewUnknownTeacher(t *testing.T) {
	svc := NewImportService(&ruleRepoStub{}, facultyStub(), rosterStub(), newPreviewStoreStub(), nil, nil, nil, ImportConfig{})

	_, err := svc.Preview(context.Background(), PreviewImportRequest{
		TeacherID: "t-ghost",
		File:      previewFixtureFeed(),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestConfirmDemandsCompleteMapping(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &ruleRepoStub{}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: previewFixtureFeed()})
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), ConfirmImportRequest{PreviewID: preview.PreviewID})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrIncompleteMapping.Code, appErrors.FromError(err).Code)

	var domainErr *models.IncompleteMappingError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, []int{2}, domainErr.Unresolved)
	assert.Empty(t, repo.created)
}

func TestConfirmCommitsAndReplaysIdempotently(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &ruleRepoStub{}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: previewFixtureFeed()})
	require.NoError(t, err)

	req := ConfirmImportRequest{PreviewID: preview.PreviewID, Mappings: map[int]string{2: "s-new"}}
	result, err := svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 0, result.Errors)
	require.Len(t, result.ScheduleIDs, 3)
	assert.Len(t, repo.created, 3)

	replay, err := svc.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, result.Created, replay.Created)
	assert.Equal(t, result.ScheduleIDs, replay.ScheduleIDs)
	assert.Len(t, repo.created, 3, "replay must not write again")
}

func TestConfirmRecordsPerItemFailures(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &flakyRuleStore{ruleRepoStub: &ruleRepoStub{}, failFirst: true}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: previewFixtureFeed()})
	require.NoError(t, err)

	result, err := svc.Confirm(context.Background(), ConfirmImportRequest{
		PreviewID: preview.PreviewID,
		Mappings:  map[int]string{2: "s-new"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.ErrorDetails, 1)
	assert.Equal(t, 0, result.ErrorDetails[0].Index)
}

func TestConfirmUnknownStudentMapping(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &ruleRepoStub{}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: previewFixtureFeed()})
	require.NoError(t, err)

	result, err := svc.Confirm(context.Background(), ConfirmImportRequest{
		PreviewID: preview.PreviewID,
		Mappings:  map[int]string{2: "s-ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.ErrorDetails, 1)
	assert.Equal(t, 2, result.ErrorDetails[0].Index)
	assert.Contains(t, result.ErrorDetails[0].Error, "s-ghost")
}

func TestConfirmAllValidationFailuresIsNotAnOutage(t *testing.T) {
	afternoon := upcoming(time.Tuesday, 14, 0)
	evening := upcoming(time.Tuesday, 16, 0)
	feed := buildCalendar(func(cal *ical.Calendar) {
		addCalendarEvent(cal, "ev-a", "Lesson A", afternoon, afternoon.Add(time.Hour), "")
		addCalendarEvent(cal, "ev-b", "Lesson B", evening, evening.Add(time.Hour), "")
	})

	store := newPreviewStoreStub()
	repo := &ruleRepoStub{}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: feed})
	require.NoError(t, err)
	require.True(t, preview.RequiresEntityMapping)

	// Every mapping points at an unknown student: the store is healthy, so
	// the batch reports item errors instead of failing as a unit.
	result, err := svc.Confirm(context.Background(), ConfirmImportRequest{
		PreviewID: preview.PreviewID,
		Mappings:  map[int]string{0: "nope-1", 1: "nope-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 2, result.Errors)
	require.Len(t, result.ErrorDetails, 2)
	assert.Empty(t, repo.created)
}

func TestConfirmWholesaleStoreOutage(t *testing.T) {
	store := newPreviewStoreStub()
	repo := &ruleRepoStub{createErr: errors.New("connection refused")}
	svc := NewImportService(repo, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{})

	preview, err := svc.Preview(context.Background(), PreviewImportRequest{TeacherID: "t-1", File: previewFixtureFeed()})
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), ConfirmImportRequest{
		PreviewID: preview.PreviewID,
		Mappings:  map[int]string{2: "s-new"},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPersistence.Code, appErrors.FromError(err).Code)
	_, stillThere := store.previews[preview.PreviewID]
	assert.True(t, stillThere, "failed commit must keep the preview retryable")
}

func TestConfirmUnknownPreview(t *testing.T) {
	svc := NewImportService(&ruleRepoStub{}, facultyStub(), rosterStub(), newPreviewStoreStub(), nil, nil, nil, ImportConfig{})

	_, err := svc.Confirm(context.Background(), ConfirmImportRequest{PreviewID: "does-not-exist"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreviewNotFound.Code, appErrors.FromError(err).Code)
}

func TestConfirmExpiredPreview(t *testing.T) {
	store := newPreviewStoreStub()
	stale := models.ImportPreview{
		PreviewID: "stale-token",
		TeacherID: "t-1",
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	store.previews[stale.PreviewID] = stale
	svc := NewImportService(&ruleRepoStub{}, facultyStub(), rosterStub(), store, nil, nil, nil, ImportConfig{PreviewTTL: 30 * time.Minute})

	_, err := svc.Confirm(context.Background(), ConfirmImportRequest{PreviewID: stale.PreviewID})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreviewExpired.Code, appErrors.FromError(err).Code)
}
