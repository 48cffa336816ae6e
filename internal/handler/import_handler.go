package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/melodia-app/schedule-api/internal/dto"
	"github.com/melodia-app/schedule-api/internal/models"
	"github.com/melodia-app/schedule-api/internal/service"
	appErrors "github.com/melodia-app/schedule-api/pkg/errors"
	"github.com/melodia-app/schedule-api/pkg/response"
)

const maxImportBytes = 2 << 20

// ImportHandler exposes the staged calendar import workflow.
type ImportHandler struct {
	service *service.ImportService
}

// NewImportHandler constructs handler.
func NewImportHandler(svc *service.ImportService) *ImportHandler {
	return &ImportHandler{service: svc}
}

// Preview accepts a calendar file (multipart field "file" or raw body) and
// returns the addressable import preview.
func (h *ImportHandler) Preview(c *gin.Context) {
	teacherID := c.Query("teacherId")
	if teacherID == "" {
		teacherID = c.PostForm("teacherId")
	}

	body, err := readImportFile(c)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "missing calendar file"))
		return
	}

	preview, err := h.service.Preview(c.Request.Context(), service.PreviewImportRequest{
		TeacherID: teacherID,
		File:      body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview)
}

// Confirm commits a previewed candidate set. Retrying with the same
// previewId replays the original result.
func (h *ImportHandler) Confirm(c *gin.Context) {
	var req dto.ConfirmImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	mappings := make(map[int]string, len(req.Mappings))
	for key, entityID := range req.Mappings {
		index, err := strconv.Atoi(key)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "mapping keys must be event indices"))
			return
		}
		mappings[index] = entityID
	}

	result, err := h.service.Confirm(c.Request.Context(), service.ConfirmImportRequest{
		PreviewID: req.PreviewID,
		Mappings:  mappings,
	})
	if err != nil {
		appErr := appErrors.FromError(err)
		if appErr.Code == appErrors.ErrIncompleteMapping.Code {
			var domainErr *models.IncompleteMappingError
			if errors.As(err, &domainErr) {
				c.JSON(appErr.Status, response.Envelope{Error: appErr, Data: gin.H{"unresolved": domainErr.Unresolved}})
				return
			}
		}
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Students lists the active roster used to resolve ambiguous candidates.
func (h *ImportHandler) Students(c *gin.Context) {
	students, err := h.service.ListStudents(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, students)
}

func readImportFile(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxImportBytes))
	}
	return io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
}
