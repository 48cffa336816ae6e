package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/melodia-app/schedule-api/internal/models"
)

const ruleColumns = "id, teacher_id, student_id, summary, day_of_week, start_time, end_time, frequency, anchor_date, created_at, updated_at"

// RuleRepository is the Schedule Store adapter: persistence for recurrence
// rule definitions.
type RuleRepository struct {
	db *sqlx.DB
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// List returns rules matching the resource filter, ordered for stable views.
func (r *RuleRepository) List(ctx context.Context, filter models.RuleFilter) ([]models.RecurrenceRule, error) {
	base := fmt.Sprintf("SELECT %s FROM recurrence_rules WHERE 1=1", ruleColumns)
	var conditions []string
	var args []interface{}

	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}
	base += " ORDER BY day_of_week, start_time, id"

	var rules []models.RecurrenceRule
	if err := r.db.SelectContext(ctx, &rules, base, args...); err != nil {
		return nil, fmt.Errorf("list recurrence rules: %w", err)
	}
	return rules, nil
}

// ListByResources returns the union of rules touching any of the given
// teachers or students, deduplicated by rule id.
func (r *RuleRepository) ListByResources(ctx context.Context, teacherIDs, studentIDs []string) ([]models.RecurrenceRule, error) {
	seen := make(map[string]struct{})
	var out []models.RecurrenceRule

	appendRules := func(rules []models.RecurrenceRule) {
		for _, rule := range rules {
			if _, ok := seen[rule.ID]; ok {
				continue
			}
			seen[rule.ID] = struct{}{}
			out = append(out, rule)
		}
	}

	for _, id := range teacherIDs {
		rules, err := r.List(ctx, models.RuleFilter{TeacherID: id})
		if err != nil {
			return nil, err
		}
		appendRules(rules)
	}
	for _, id := range studentIDs {
		rules, err := r.List(ctx, models.RuleFilter{StudentID: id})
		if err != nil {
			return nil, err
		}
		appendRules(rules)
	}
	return out, nil
}

// FindByID loads a rule by id.
func (r *RuleRepository) FindByID(ctx context.Context, id string) (*models.RecurrenceRule, error) {
	query := fmt.Sprintf("SELECT %s FROM recurrence_rules WHERE id = $1", ruleColumns)
	var rule models.RecurrenceRule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Create inserts a rule, assigning an id when absent.
func (r *RuleRepository) Create(ctx context.Context, rule *models.RecurrenceRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	const query = `INSERT INTO recurrence_rules (id, teacher_id, student_id, summary, day_of_week, start_time, end_time, frequency, anchor_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.TeacherID, rule.StudentID, rule.Summary,
		rule.DayOfWeek, rule.StartTime, rule.EndTime, string(rule.Frequency),
		rule.AnchorDate, rule.CreatedAt, rule.UpdatedAt,
	); err != nil {
		return fmt.Errorf("create recurrence rule: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of a rule.
func (r *RuleRepository) Update(ctx context.Context, rule *models.RecurrenceRule) error {
	rule.UpdatedAt = time.Now().UTC()

	const query = `UPDATE recurrence_rules
		SET teacher_id = $2, student_id = $3, summary = $4, day_of_week = $5, start_time = $6, end_time = $7, frequency = $8, anchor_date = $9, updated_at = $10
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.TeacherID, rule.StudentID, rule.Summary,
		rule.DayOfWeek, rule.StartTime, rule.EndTime, string(rule.Frequency),
		rule.AnchorDate, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update recurrence rule: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update recurrence rule %s: no rows affected", rule.ID)
	}
	return nil
}

// Delete removes a rule definition.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM recurrence_rules WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete recurrence rule: %w", err)
	}
	return nil
}
