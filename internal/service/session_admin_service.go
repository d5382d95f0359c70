package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
)

// SessionAdminService opens and closes attendance windows on behalf of instructors.
type SessionAdminService struct {
	store   SessionAdminStore
	clock   clock.Clock
	timeout time.Duration
	log     zerolog.Logger
}

// NewSessionAdminService creates a new SessionAdminService.
func NewSessionAdminService(store SessionAdminStore, clk clock.Clock, timeout time.Duration, log zerolog.Logger) *SessionAdminService {
	return &SessionAdminService{
		store:   store,
		clock:   clk,
		timeout: timeout,
		log:     log.With().Str("component", "session_admin_service").Logger(),
	}
}

// OpenSession starts a new window for courseID at the authoritative now.
// The course row is created on demand since the catalog lives elsewhere.
func (s *SessionAdminService) OpenSession(ctx context.Context, courseID string, req model.OpenSessionRequest) (*model.AttendanceSession, error) {
	if req.TimerMinutes <= 0 {
		return nil, ErrInvalidTimer
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.EnsureCourse(ctx, model.Course{ID: courseID}); err != nil {
		return nil, fmt.Errorf("ensure course: %w", storeError(err))
	}

	// Millisecond precision survives every backend unchanged.
	startedAt := s.clock.Now().Truncate(time.Millisecond)
	session := &model.AttendanceSession{
		ClassID:         uuid.NewString(),
		CourseID:        courseID,
		Topic:           req.Topic,
		TimerMinutes:    req.TimerMinutes,
		StartedAt:       startedAt,
		ExpiresAt:       model.ExpiresAtFor(startedAt, req.TimerMinutes),
		Status:          model.SessionStatusActive,
		StudentsPresent: []string{},
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", storeError(err))
	}

	s.log.Info().
		Str("course_id", courseID).
		Str("class_id", session.ClassID).
		Int("timer_minutes", session.TimerMinutes).
		Time("expires_at", session.ExpiresAt).
		Msg("Attendance session opened")
	return session, nil
}

// CloseSession ends a window early. Closing a closed session succeeds.
func (s *SessionAdminService) CloseSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.CloseSession(ctx, key); err != nil {
		return nil, storeError(err)
	}
	session, err := s.store.GetSession(ctx, key)
	if err != nil {
		return nil, storeError(err)
	}

	s.log.Info().Str("class_id", key.ClassID).Int("attendees", len(session.StudentsPresent)).Msg("Attendance session closed")
	return session, nil
}
