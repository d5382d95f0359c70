package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
	"github.com/stemsi/academy-attendance/internal/validator"
)

// AttendanceHandler handles student-facing attendance endpoints.
type AttendanceHandler struct {
	lifecycle *service.LifecycleService
	presence  *service.PresenceService
}

// NewAttendanceHandler creates a new AttendanceHandler.
func NewAttendanceHandler(lifecycle *service.LifecycleService, presence *service.PresenceService) *AttendanceHandler {
	return &AttendanceHandler{
		lifecycle: lifecycle,
		presence:  presence,
	}
}

// ListSessions godoc
// GET /api/v1/student/attendance?course_id=...&course_id=...
// Returns the open attendance windows of the given courses.
func (h *AttendanceHandler) ListSessions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var q model.ListSessionsQuery
	if fields := validator.BindQuery(c, &q); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sessions, err := h.lifecycle.ListEffectiveSessions(c.Request.Context(), q.CourseIDs)
	if err != nil {
		// Read failures are retryable; the client refreshes.
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
		return
	}

	now := h.lifecycle.Now()
	views := make([]model.StudentSessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, model.NewStudentSessionView(&sessions[i], claims.UserID, now))
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": views})
}

// MarkPresent godoc
// POST /api/v1/student/courses/:course_id/attendance/:class_id/present
func (h *AttendanceHandler) MarkPresent(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	result, _ := h.presence.MarkPresent(c.Request.Context(), key, claims.UserID)
	status, code := markStatus(result)
	if code != "" {
		response.FailWithData(c, status, code, gin.H{"result": result})
		return
	}

	response.Success(c, status, gin.H{"result": result})
}

// MarkAbsent godoc
// POST /api/v1/student/courses/:course_id/attendance/:class_id/absent
// Acknowledged without recording anything: absence is the default.
func (h *AttendanceHandler) MarkAbsent(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	response.Success(c, http.StatusOK, gin.H{"ack": h.presence.MarkAbsent(c.Request.Context(), key, claims.UserID)})
}
