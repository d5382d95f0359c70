package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
	"github.com/stemsi/academy-attendance/internal/validator"
)

// InstructorHandler handles opening, inspecting and closing attendance windows.
type InstructorHandler struct {
	lifecycle *service.LifecycleService
	admin     *service.SessionAdminService
	log       zerolog.Logger
}

// NewInstructorHandler creates a new InstructorHandler.
func NewInstructorHandler(lifecycle *service.LifecycleService, admin *service.SessionAdminService, log zerolog.Logger) *InstructorHandler {
	return &InstructorHandler{
		lifecycle: lifecycle,
		admin:     admin,
		log:       log.With().Str("component", "instructor_handler").Logger(),
	}
}

// OpenSession godoc
// POST /api/v1/instructor/courses/:course_id/attendance
func (h *InstructorHandler) OpenSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	courseID, ok := courseIDParam(c)
	if !ok {
		return
	}

	var req model.OpenSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	session, err := h.admin.OpenSession(c.Request.Context(), courseID, req)
	if err != nil {
		h.failSession(c, err)
		return
	}

	h.log.Info().Str("instructor_id", claims.UserID).Str("class_id", session.ClassID).Msg("Instructor opened attendance")
	response.Success(c, http.StatusCreated, gin.H{"session": model.NewInstructorSessionView(session, h.lifecycle.Now())})
}

// GetSession godoc
// GET /api/v1/instructor/courses/:course_id/attendance/:class_id
func (h *InstructorHandler) GetSession(c *gin.Context) {
	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	session, err := h.lifecycle.GetSession(c.Request.Context(), key)
	if err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": model.NewInstructorSessionView(session, h.lifecycle.Now())})
}

// CloseSession godoc
// POST /api/v1/instructor/courses/:course_id/attendance/:class_id/close
func (h *InstructorHandler) CloseSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	session, err := h.admin.CloseSession(c.Request.Context(), key)
	if err != nil {
		h.failSession(c, err)
		return
	}

	h.log.Info().Str("instructor_id", claims.UserID).Str("class_id", key.ClassID).Msg("Instructor closed attendance")
	response.Success(c, http.StatusOK, gin.H{"session": model.NewInstructorSessionView(session, h.lifecycle.Now())})
}

func (h *InstructorHandler) failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrCourseNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrCourseNotFound)
	case errors.Is(err, service.ErrInvalidTimer):
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"timer_minutes": err.Error(),
		})
	default:
		h.log.Error().Err(err).Msg("Attendance store request failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
	}
}
