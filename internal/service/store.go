package service

import (
	"context"
	"errors"

	"github.com/stemsi/academy-attendance/internal/model"
)

// Engine errors surfaced to the HTTP layer.
var (
	ErrUnauthenticated  = errors.New("caller identity is not a valid user id")
	ErrSessionNotFound  = errors.New("attendance session not found")
	ErrSessionExpired   = errors.New("attendance window is closed")
	ErrStoreUnavailable = errors.New("attendance store unavailable")
	ErrCourseNotFound   = errors.New("course not found")
	ErrInvalidTimer     = errors.New("timer_minutes must be positive")
)

// SessionStore is the backing store the engine reads sessions from and merges presence into.
// AddAttendee must re-check the window at commit and fail with repository.ErrSessionNotFound
// when the session cannot be located.
type SessionStore interface {
	ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error)
	GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error)
	AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error)
}

// SessionAdminStore covers the instructor-side writes.
type SessionAdminStore interface {
	SessionStore
	EnsureCourse(ctx context.Context, c model.Course) error
	CreateSession(ctx context.Context, s *model.AttendanceSession) error
	CloseSession(ctx context.Context, key model.SessionKey) error
}
