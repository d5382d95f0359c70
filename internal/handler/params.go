package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/response"
)

const maxIDLength = 64

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLength && strings.TrimSpace(id) == id
}

// courseIDParam reads :course_id, writing a 400 when it is malformed.
func courseIDParam(c *gin.Context) (string, bool) {
	id := c.Param("course_id")
	if !validID(id) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return id, true
}

// sessionKeyParam reads :course_id and :class_id, writing a 400 when either is malformed.
func sessionKeyParam(c *gin.Context) (model.SessionKey, bool) {
	key := model.SessionKey{CourseID: c.Param("course_id"), ClassID: c.Param("class_id")}
	if !validID(key.CourseID) || !validID(key.ClassID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return model.SessionKey{}, false
	}
	return key, true
}

// markStatus maps an engine result onto the HTTP status and error code. An empty
// code means success.
func markStatus(result model.MarkResult) (int, response.ErrCode) {
	switch result {
	case model.MarkOK, model.MarkAlreadyMarked:
		return http.StatusOK, ""
	case model.MarkSessionExpired:
		return http.StatusConflict, response.ErrSessionExpired
	case model.MarkUnauthenticated:
		return http.StatusUnauthorized, response.ErrUnauthenticated
	case model.MarkNotFound:
		return http.StatusNotFound, response.ErrNotFound
	default:
		return http.StatusServiceUnavailable, response.ErrStoreUnavailable
	}
}
