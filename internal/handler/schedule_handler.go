package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/melodia-app/schedule-api/internal/models"
	"github.com/melodia-app/schedule-api/internal/service"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
	"github.com/melodia-app/schedule-api/pkg/response"
)

// ScheduleHandler manages recurrence-rule and timetable endpoints.
type ScheduleHandler struct {
	service *service.TimetableService
}

// NewScheduleHandler constructs handler.
func NewScheduleHandler(svc *service.TimetableService) *ScheduleHandler {
	return &ScheduleHandler{service: svc}
}

// List returns persisted rule definitions, optionally filtered by resource.
func (h *ScheduleHandler) List(c *gin.Context) {
	filter := models.RuleFilter{
		TeacherID: c.Query("teacherId"),
		StudentID: c.Query("studentId"),
	}
	rules, err := h.service.ListRules(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rules)
}

// Create persists a new recurrence definition.
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req service.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rule)
}

// Update replaces an existing recurrence definition.
func (h *ScheduleHandler) Update(c *gin.Context) {
	var req service.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rule)
}

// Delete removes a recurrence definition.
func (h *ScheduleHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// View expands rules over [from, to) and returns the ordered occurrence
// list with conflict flags plus the explicit conflict pairs.
func (h *ScheduleHandler) View(c *gin.Context) {
	from, err := parseWindowTime(c.Query("from"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid from parameter"))
		return
	}
	to, err := parseWindowTime(c.Query("to"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid to parameter"))
		return
	}

	result, err := h.service.ViewWindow(c.Request.Context(), service.ViewWindowRequest{
		From:      from,
		To:        to,
		TeacherID: c.Query("teacherId"),
		StudentID: c.Query("studentId"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Reschedule validates and persists a new time window for one rule. A
// conflict response carries the conflicting occurrence set.
func (h *ScheduleHandler) Reschedule(c *gin.Context) {
	var req service.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req.ScheduleID = c.Param("id")

	rule, err := h.service.Reschedule(c.Request.Context(), req)
	if err != nil {
		appErr := appErrors.FromError(err)
		if appErr.Code == appErrors.ErrConflictRejected.Code {
			var domainErr *models.ConflictRejectedError
			if errors.As(err, &domainErr) {
				c.JSON(appErr.Status, response.Envelope{Error: appErr, Data: gin.H{"conflicts": domainErr.Conflicts}})
				return
			}
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rule)
}

// Export emits the expanded occurrences as an ICS feed. Repeated exports of
// an unchanged schedule are byte identical.
func (h *ScheduleHandler) Export(c *gin.Context) {
	from := time.Now()
	if raw := c.Query("from"); raw != "" {
		parsed, err := parseWindowTime(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid from parameter"))
			return
		}
		from = parsed
	}

	filter := models.RuleFilter{
		TeacherID: c.Query("teacherId"),
		StudentID: c.Query("studentId"),
	}
	payload, err := h.service.ExportICS(c.Request.Context(), filter, from)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="schedule.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", payload)
}

// ExportCSV emits the expanded occurrences as a CSV table with per-row
// conflict flags.
func (h *ScheduleHandler) ExportCSV(c *gin.Context) {
	from := time.Now()
	if raw := c.Query("from"); raw != "" {
		parsed, err := parseWindowTime(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid from parameter"))
			return
		}
		from = parsed
	}

	filter := models.RuleFilter{
		TeacherID: c.Query("teacherId"),
		StudentID: c.Query("studentId"),
	}
	payload, err := h.service.ExportCSV(c.Request.Context(), filter, from)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="schedule.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", payload)
}

// parseWindowTime accepts RFC3339 timestamps or bare dates.
func parseWindowTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, time.Local)
}
