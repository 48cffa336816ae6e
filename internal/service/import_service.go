package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/melodia-app/schedule-api/internal/ics"
	"github.com/melodia-app/schedule-api/internal/models"
	"github.com/melodia-app/schedule-api/internal/recurrence"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
)

// candidateIDPrefix marks ephemeral schedule ids assigned to imported
// candidates while they are cross-checked against persisted occurrences.
const candidateIDPrefix = "import:"

type previewStore interface {
	SavePreview(ctx context.Context, preview models.ImportPreview, ttl time.Duration) error
	GetPreview(ctx context.Context, previewID string) (*models.ImportPreview, error)
	DeletePreview(ctx context.Context, previewID string) error
	SaveResult(ctx context.Context, previewID string, result models.ImportResult, ttl time.Duration) error
	GetResult(ctx context.Context, previewID string) (*models.ImportResult, error)
}

type teacherDirectory interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type studentDirectory interface {
	ListActive(ctx context.Context) ([]models.Student, error)
}

// feedArchiver retains the raw uploaded feed for audit. Archival is
// best-effort and never blocks the preview.
type feedArchiver interface {
	ArchiveFeed(previewID string, feed []byte) error
}

type ruleStore interface {
	ListByResources(ctx context.Context, teacherIDs, studentIDs []string) ([]models.RecurrenceRule, error)
	Create(ctx context.Context, rule *models.RecurrenceRule) error
}

// PreviewImportRequest carries one foreign calendar feed targeted at a
// teacher's schedule.
type PreviewImportRequest struct {
	TeacherID string `validate:"required"`
	File      []byte `validate:"required"`
}

// ConfirmImportRequest commits a previously previewed candidate set. The
// server-held snapshot addressed by PreviewID is authoritative; mappings
// resolve ambiguous event indices to student ids.
type ConfirmImportRequest struct {
	PreviewID string         `validate:"required"`
	Mappings  map[int]string `validate:"-"`
}

// ImportConfig governs preview lifetime and the conflict lookahead window.
type ImportConfig struct {
	PreviewTTL    time.Duration
	LookaheadDays int
}

// ImportService coordinates the staged calendar import:
// preview -> optional mapping -> idempotent confirm.
type ImportService struct {
	rules     ruleStore
	teachers  teacherDirectory
	students  studentDirectory
	store     previewStore
	archive   feedArchiver
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ImportConfig
}

// NewImportService wires the import coordinator. archive may be nil.
func NewImportService(rules ruleStore, teachers teacherDirectory, students studentDirectory, store previewStore, archive feedArchiver, validate *validator.Validate, logger *zap.Logger, cfg ImportConfig) *ImportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 30 * time.Minute
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = 90
	}
	return &ImportService{rules: rules, teachers: teachers, students: students, store: store, archive: archive, validator: validate, logger: logger, cfg: cfg}
}

// Preview parses the feed, resolves student references by name, expands
// every candidate over the lookahead window and cross-checks it against
// both the imported set and persisted occurrences. Nothing is persisted.
func (s *ImportService) Preview(ctx context.Context, req PreviewImportRequest) (*models.ImportPreview, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid import payload")
	}

	if _, err := s.teachers.FindByID(ctx, req.TeacherID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}

	parsed, err := ics.Parse(req.File)
	if err != nil {
		return nil, err
	}

	students, err := s.students.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}

	requiresMapping := false
	resolvedStudents := make([]string, 0, len(parsed.Candidates))
	for i := range parsed.Candidates {
		cand := &parsed.Candidates[i]
		matched := matchStudent(cand.Summary, students)
		switch len(matched) {
		case 1:
			cand.StudentID = matched[0].ID
			resolvedStudents = append(resolvedStudents, matched[0].ID)
		default:
			cand.Ambiguous = true
			requiresMapping = true
		}
	}

	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 0, s.cfg.LookaheadDays)

	imported := s.expandCandidates(req.TeacherID, parsed.Candidates, from, to)

	existingRules, err := s.rules.ListByResources(ctx, []string{req.TeacherID}, resolvedStudents)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load existing rules")
	}
	existing, err := expandAll(existingRules, from, to)
	if err != nil {
		return nil, err
	}

	conflicts := detectImportConflicts(imported, existing)

	preview := models.ImportPreview{
		PreviewID:             uuid.NewString(),
		TeacherID:             req.TeacherID,
		TotalEvents:           parsed.TotalEvents,
		Candidates:            parsed.Candidates,
		Conflicts:             conflicts,
		ParseIssues:           parsed.Issues,
		RequiresEntityMapping: requiresMapping,
		CreatedAt:             now.UTC(),
	}

	if err := s.store.SavePreview(ctx, preview, s.cfg.PreviewTTL); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store preview")
	}
	if s.archive != nil {
		if err := s.archive.ArchiveFeed(preview.PreviewID, req.File); err != nil {
			s.logger.Warn("failed to archive feed", zap.String("preview_id", preview.PreviewID), zap.Error(err))
		}
	}

	s.logger.Info("import preview created",
		zap.String("preview_id", preview.PreviewID),
		zap.String("teacher_id", req.TeacherID),
		zap.Int("total_events", preview.TotalEvents),
		zap.Int("candidates", len(preview.Candidates)),
		zap.Int("conflicts", len(conflicts)),
		zap.Bool("requires_mapping", requiresMapping),
	)
	return &preview, nil
}

// Confirm commits the snapshot addressed by previewId. It is idempotent per
// token: a retry after a successful commit replays the original result.
// Persistence is best-effort per item; only a wholesale store outage fails
// the call as a unit.
func (s *ImportService) Confirm(ctx context.Context, req ConfirmImportRequest) (*models.ImportResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid confirm payload")
	}

	if cached, err := s.store.GetResult(ctx, req.PreviewID); err == nil {
		return cached, nil
	} else if !errors.Is(err, appErrors.ErrCacheMiss) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read commit state")
	}

	preview, err := s.store.GetPreview(ctx, req.PreviewID)
	if err != nil {
		if errors.Is(err, appErrors.ErrCacheMiss) {
			return nil, appErrors.Clone(appErrors.ErrPreviewNotFound, "unknown or expired previewId")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load preview")
	}
	if time.Since(preview.CreatedAt) > s.cfg.PreviewTTL {
		return nil, appErrors.Clone(appErrors.ErrPreviewExpired, "previewId has expired")
	}

	var unresolved []int
	for i, cand := range preview.Candidates {
		if cand.Ambiguous {
			if _, ok := req.Mappings[i]; !ok {
				unresolved = append(unresolved, i)
			}
		}
	}
	if len(unresolved) > 0 {
		domainErr := &models.IncompleteMappingError{Unresolved: unresolved}
		return nil, appErrors.Wrap(domainErr, appErrors.ErrIncompleteMapping.Code, appErrors.ErrIncompleteMapping.Status, domainErr.Error())
	}

	knownStudents, err := s.studentIndex(ctx)
	if err != nil {
		return nil, err
	}

	result := models.ImportResult{}
	storeFailures := 0
	for i, cand := range preview.Candidates {
		studentID := cand.StudentID
		if mapped, ok := req.Mappings[i]; ok {
			studentID = mapped
		}
		if _, known := knownStudents[studentID]; !known {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, models.ImportItemError{Index: i, Error: fmt.Sprintf("unknown student %q", studentID)})
			continue
		}

		rule := candidateRule(preview.TeacherID, studentID, cand)
		if err := recurrence.ValidateRule(rule); err != nil {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, models.ImportItemError{Index: i, Error: err.Error()})
			continue
		}
		if err := s.rules.Create(ctx, &rule); err != nil {
			s.logger.Warn("import item persistence failed", zap.String("preview_id", req.PreviewID), zap.Int("index", i), zap.Error(err))
			storeFailures++
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, models.ImportItemError{Index: i, Error: err.Error()})
			continue
		}
		result.Created++
		result.ScheduleIDs = append(result.ScheduleIDs, rule.ID)
	}

	// Items failing validation are regular per-item errors; only the store
	// refusing every single write is a wholesale outage.
	if len(preview.Candidates) > 0 && storeFailures == len(preview.Candidates) {
		return nil, appErrors.Clone(appErrors.ErrPersistence, "no import item could be persisted")
	}

	if err := s.store.SaveResult(ctx, req.PreviewID, result, s.cfg.PreviewTTL); err != nil {
		s.logger.Warn("failed to cache import result", zap.String("preview_id", req.PreviewID), zap.Error(err))
	}
	if err := s.store.DeletePreview(ctx, req.PreviewID); err != nil {
		s.logger.Warn("failed to invalidate preview", zap.String("preview_id", req.PreviewID), zap.Error(err))
	}

	s.logger.Info("import committed",
		zap.String("preview_id", req.PreviewID),
		zap.Int("created", result.Created),
		zap.Int("errors", result.Errors),
	)
	return &result, nil
}

// ListStudents exposes the active roster so callers can resolve ambiguous
// candidates before confirming.
func (s *ImportService) ListStudents(ctx context.Context) ([]models.Student, error) {
	students, err := s.students.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	return students, nil
}

// expandCandidates materialises the imported events over the lookahead
// window, tagging each occurrence with an ephemeral candidate id.
func (s *ImportService) expandCandidates(teacherID string, cands []models.CandidateSchedule, from, to time.Time) []models.Occurrence {
	var out []models.Occurrence
	for i, cand := range cands {
		rule := candidateRule(teacherID, cand.StudentID, cand)
		rule.ID = fmt.Sprintf("%s%d", candidateIDPrefix, i)
		occs, err := recurrence.Expand(rule, from, to)
		if err != nil {
			s.logger.Warn("skipping unexpandable candidate", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, occs...)
	}
	return out
}

func (s *ImportService) studentIndex(ctx context.Context) (map[string]models.Student, error) {
	students, err := s.students.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	index := make(map[string]models.Student, len(students))
	for _, student := range students {
		index[student.ID] = student
	}
	return index, nil
}

// candidateRule converts a resolved candidate into a recurrence rule. A
// candidate whose descriptor was downgraded keeps frequency ONCE.
func candidateRule(teacherID, studentID string, cand models.CandidateSchedule) models.RecurrenceRule {
	freq := models.FrequencyOnce
	if cand.Recurring != nil {
		freq = cand.Recurring.Frequency
	}
	return models.RecurrenceRule{
		TeacherID:  teacherID,
		StudentID:  studentID,
		Summary:    cand.Summary,
		DayOfWeek:  cand.DayOfWeek,
		StartTime:  recurrence.ClockOf(cand.Start),
		EndTime:    recurrence.ClockOf(cand.End),
		Frequency:  freq,
		AnchorDate: time.Date(cand.Start.Year(), cand.Start.Month(), cand.Start.Day(), 0, 0, 0, 0, time.UTC),
	}
}

// detectImportConflicts runs the detector within the imported set and
// across imported-versus-existing occurrences. Conflicts purely between
// persisted occurrences are not part of an import report.
func detectImportConflicts(imported, existing []models.Occurrence) []models.ConflictPair {
	pairs := recurrence.Detect(imported)

	combined := make([]models.Occurrence, 0, len(imported)+len(existing))
	combined = append(combined, imported...)
	combined = append(combined, existing...)
	for _, pair := range recurrence.Detect(combined) {
		if isCandidateID(pair.A.ScheduleID) != isCandidateID(pair.B.ScheduleID) {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

func isCandidateID(id string) bool {
	return strings.HasPrefix(id, candidateIDPrefix)
}

// matchStudent resolves an imported event's subject against known student
// names. Only an unambiguous single match resolves; zero or multiple
// matches leave the candidate for explicit mapping.
func matchStudent(summary string, students []models.Student) []models.Student {
	subject := strings.ToLower(summary)
	var matched []models.Student
	for _, student := range students {
		name := strings.ToLower(strings.TrimSpace(student.FullName))
		if name == "" {
			continue
		}
		if strings.Contains(subject, name) {
			matched = append(matched, student)
		}
	}
	return matched
}
