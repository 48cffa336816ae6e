package service

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/melodia-app/schedule-api/internal/ics"
	"github.com/melodia-app/schedule-api/internal/models"
	"github.com/melodia-app/schedule-api/internal/recurrence"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
	"github.com/melodia-app/schedule-api/pkg/export"
)

type ruleRepository interface {
	List(ctx context.Context, filter models.RuleFilter) ([]models.RecurrenceRule, error)
	ListByResources(ctx context.Context, teacherIDs, studentIDs []string) ([]models.RecurrenceRule, error)
	FindByID(ctx context.Context, id string) (*models.RecurrenceRule, error)
	Create(ctx context.Context, rule *models.RecurrenceRule) error
	Update(ctx context.Context, rule *models.RecurrenceRule) error
	Delete(ctx context.Context, id string) error
}

// CreateRuleRequest describes the recurrence definition payload.
type CreateRuleRequest struct {
	TeacherID  string `json:"teacherId" validate:"required"`
	StudentID  string `json:"studentId" validate:"required"`
	Summary    string `json:"summary"`
	DayOfWeek  string `json:"dayOfWeek" validate:"required,oneof=0 1 2 3 4 5 6"`
	StartTime  string `json:"startTime" validate:"required,datetime=15:04"`
	EndTime    string `json:"endTime" validate:"required,datetime=15:04"`
	Frequency  string `json:"frequency" validate:"required,oneof=ONCE WEEKLY BIWEEKLY MONTHLY"`
	AnchorDate string `json:"anchorDate" validate:"required,datetime=2006-01-02"`
}

// ViewWindowRequest selects the occurrences of a half-open window with an
// optional resource filter.
type ViewWindowRequest struct {
	From      time.Time
	To        time.Time
	TeacherID string
	StudentID string
}

// ViewWindowResult pairs the ordered occurrence list with the conflict
// pairs detected inside the window.
type ViewWindowResult struct {
	Occurrences []models.Occurrence   `json:"occurrences"`
	Conflicts   []models.ConflictPair `json:"conflicts"`
}

// RescheduleRequest proposes a new time window for one occurrence's rule.
// Override bypasses conflict validation, not persistence.
type RescheduleRequest struct {
	ScheduleID string    `json:"scheduleId" validate:"required"`
	NewStart   time.Time `json:"newStart" validate:"required"`
	NewEnd     time.Time `json:"newEnd" validate:"required"`
	Override   bool      `json:"override"`
}

// TimetableService owns rule CRUD, window expansion with conflict tagging,
// reschedule validation and the ICS export feed.
type TimetableService struct {
	repo          ruleRepository
	validator     *validator.Validate
	logger        *zap.Logger
	exportHorizon time.Duration
}

// NewTimetableService instantiates TimetableService.
func NewTimetableService(repo ruleRepository, validate *validator.Validate, logger *zap.Logger, exportHorizonDays int) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if exportHorizonDays <= 0 {
		exportHorizonDays = 180
	}
	return &TimetableService{
		repo:          repo,
		validator:     validate,
		logger:        logger,
		exportHorizon: time.Duration(exportHorizonDays) * 24 * time.Hour,
	}
}

// ListRules returns persisted rule definitions for the resource filter.
func (s *TimetableService) ListRules(ctx context.Context, filter models.RuleFilter) ([]models.RecurrenceRule, error) {
	rules, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rules")
	}
	return rules, nil
}

// CreateRule validates and persists a new recurrence definition.
func (s *TimetableService) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.RecurrenceRule, error) {
	rule, err := s.ruleFromRequest(req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to create rule")
	}
	return rule, nil
}

// UpdateRule replaces an existing recurrence definition.
func (s *TimetableService) UpdateRule(ctx context.Context, id string, req CreateRuleRequest) (*models.RecurrenceRule, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}

	rule, err := s.ruleFromRequest(req)
	if err != nil {
		return nil, err
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to update rule")
	}
	return rule, nil
}

// DeleteRule removes a recurrence definition.
func (s *TimetableService) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to delete rule")
	}
	return nil
}

// ViewWindow expands every matching rule over [from, to) and tags overlaps.
// An empty window and untagged occurrences are normal results.
func (s *TimetableService) ViewWindow(ctx context.Context, req ViewWindowRequest) (*ViewWindowResult, error) {
	if !req.From.Before(req.To) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "from must be before to")
	}

	rules, err := s.repo.List(ctx, models.RuleFilter{TeacherID: req.TeacherID, StudentID: req.StudentID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rules")
	}

	occurrences, err := expandAll(rules, req.From, req.To)
	if err != nil {
		return nil, err
	}
	pairs := recurrence.Detect(occurrences)
	return &ViewWindowResult{Occurrences: occurrences, Conflicts: pairs}, nil
}

// Reschedule re-validates a proposed time window against every other
// occurrence of the rule's resources, then persists the edit. A rejected
// proposal carries the conflicting occurrence set; callers may retry with
// Override after presenting it.
func (s *TimetableService) Reschedule(ctx context.Context, req RescheduleRequest) (*models.RecurrenceRule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reschedule payload")
	}
	if !req.NewStart.Before(req.NewEnd) {
		return nil, appErrors.Clone(appErrors.ErrInvalidRule, "newStart must be before newEnd")
	}

	rule, err := s.repo.FindByID(ctx, req.ScheduleID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}

	if !req.Override {
		conflicts, err := s.findConflicting(ctx, rule, req.NewStart, req.NewEnd)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			domainErr := &models.ConflictRejectedError{Conflicts: conflicts}
			return nil, appErrors.Wrap(domainErr, appErrors.ErrConflictRejected.Code, appErrors.ErrConflictRejected.Status, domainErr.Error())
		}
	}

	rule.DayOfWeek = int(req.NewStart.Weekday())
	rule.StartTime = recurrence.ClockOf(req.NewStart)
	rule.EndTime = recurrence.ClockOf(req.NewEnd)
	rule.AnchorDate = time.Date(req.NewStart.Year(), req.NewStart.Month(), req.NewStart.Day(), 0, 0, 0, 0, time.UTC)

	if err := recurrence.ValidateRule(*rule); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, "failed to persist reschedule")
	}
	return rule, nil
}

// ExportICS expands the filtered rules from `from` over the configured
// horizon and renders them as a byte-idempotent ICS feed.
func (s *TimetableService) ExportICS(ctx context.Context, filter models.RuleFilter, from time.Time) ([]byte, error) {
	to := from.Add(s.exportHorizon)
	rules, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rules")
	}
	occurrences, err := expandAll(rules, from, to)
	if err != nil {
		return nil, err
	}
	return ics.Export(occurrences), nil
}

// ExportCSV renders the same expansion as a spreadsheet-friendly table,
// with conflicts tagged per occurrence.
func (s *TimetableService) ExportCSV(ctx context.Context, filter models.RuleFilter, from time.Time) ([]byte, error) {
	to := from.Add(s.exportHorizon)
	rules, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rules")
	}
	occurrences, err := expandAll(rules, from, to)
	if err != nil {
		return nil, err
	}
	recurrence.Detect(occurrences)

	table := export.Table{
		Headers: []string{"scheduleId", "teacherId", "studentId", "summary", "start", "end", "conflicted"},
	}
	for _, occ := range occurrences {
		table.Rows = append(table.Rows, []string{
			occ.ScheduleID, occ.TeacherID, occ.StudentID, occ.Summary,
			occ.Start.UTC().Format(time.RFC3339), occ.End.UTC().Format(time.RFC3339),
			strconv.FormatBool(occ.Conflicted),
		})
	}
	rendered, err := export.RenderCSV(table)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
	}
	return rendered, nil
}

func (s *TimetableService) ruleFromRequest(req CreateRuleRequest) (*models.RecurrenceRule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rule payload")
	}
	day, _ := strconv.Atoi(req.DayOfWeek)
	anchor, err := time.Parse("2006-01-02", req.AnchorDate)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid anchorDate")
	}

	rule := &models.RecurrenceRule{
		TeacherID:  req.TeacherID,
		StudentID:  req.StudentID,
		Summary:    req.Summary,
		DayOfWeek:  day,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Frequency:  models.Frequency(req.Frequency),
		AnchorDate: anchor,
	}
	if err := recurrence.ValidateRule(*rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// findConflicting expands every rule sharing a resource with the edited one
// over the proposed window's days and returns the overlapping occurrences.
func (s *TimetableService) findConflicting(ctx context.Context, rule *models.RecurrenceRule, newStart, newEnd time.Time) ([]models.Occurrence, error) {
	rules, err := s.repo.ListByResources(ctx, []string{rule.TeacherID}, []string{rule.StudentID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource rules")
	}

	loc := newStart.Location()
	windowFrom := time.Date(newStart.Year(), newStart.Month(), newStart.Day(), 0, 0, 0, 0, loc)
	windowTo := time.Date(newEnd.Year(), newEnd.Month(), newEnd.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	var conflicts []models.Occurrence
	for _, other := range rules {
		if other.ID == rule.ID {
			continue
		}
		occs, err := recurrence.Expand(other, windowFrom, windowTo)
		if err != nil {
			s.logger.Warn("skipping unexpandable rule", zap.String("rule_id", other.ID), zap.Error(err))
			continue
		}
		for _, occ := range occs {
			if recurrence.Overlap(newStart, newEnd, occ.Start, occ.End) {
				occ.Conflicted = true
				conflicts = append(conflicts, occ)
			}
		}
	}
	return conflicts, nil
}

func expandAll(rules []models.RecurrenceRule, from, to time.Time) ([]models.Occurrence, error) {
	var out []models.Occurrence
	for _, rule := range rules {
		occs, err := recurrence.Expand(rule, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, occs...)
	}
	sortOccurrences(out)
	return out, nil
}

func sortOccurrences(occs []models.Occurrence) {
	sort.Slice(occs, func(a, b int) bool {
		if !occs[a].Start.Equal(occs[b].Start) {
			return occs[a].Start.Before(occs[b].Start)
		}
		return occs[a].ScheduleID < occs[b].ScheduleID
	})
}
