package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/repository"
	"github.com/stemsi/academy-attendance/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LifecycleService derives effective session status and lists open sessions.
// It never writes.
type LifecycleService struct {
	store   SessionStore
	clock   clock.Clock
	timeout time.Duration
	log     zerolog.Logger
}

// NewLifecycleService creates a new LifecycleService. Every store read is bounded by timeout.
func NewLifecycleService(store SessionStore, clk clock.Clock, timeout time.Duration, log zerolog.Logger) *LifecycleService {
	return &LifecycleService{
		store:   store,
		clock:   clk,
		timeout: timeout,
		log:     log.With().Str("component", "lifecycle_service").Logger(),
	}
}

// Now exposes the authoritative clock to callers that stamp responses.
func (s *LifecycleService) Now() time.Time {
	return s.clock.Now()
}

// EffectiveStatus evaluates a session against the authoritative clock.
func (s *LifecycleService) EffectiveStatus(session *model.AttendanceSession) model.EffectiveStatus {
	return session.StatusAt(s.clock.Now())
}

// Remaining returns max(0, expires_at - now).
func (s *LifecycleService) Remaining(session *model.AttendanceSession) time.Duration {
	return session.RemainingAt(s.clock.Now())
}

// ListEffectiveSessions returns the effectively open sessions of the given courses,
// ordered by course id then started_at.
func (s *LifecycleService) ListEffectiveSessions(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	ids := dedupe(courseIDs)

	ctx, span := telemetry.Tracer().Start(ctx, "LifecycleService.ListEffectiveSessions")
	defer span.End()
	span.SetAttributes(attribute.Int("attendance.course_count", len(ids)))

	if len(ids) == 0 {
		return []model.AttendanceSession{}, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	all, err := s.store.ListByCourses(storeCtx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list sessions")
		s.log.Error().Err(err).Int("course_count", len(ids)).Msg("Failed to list attendance sessions")
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	now := s.clock.Now()
	open := make([]model.AttendanceSession, 0, len(all))
	for i := range all {
		if all[i].StatusAt(now) == model.EffectiveOpen {
			open = append(open, all[i])
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].CourseID != open[j].CourseID {
			return open[i].CourseID < open[j].CourseID
		}
		return open[i].StartedAt.Before(open[j].StartedAt)
	})
	span.SetAttributes(attribute.Int("attendance.open_count", len(open)))
	return open, nil
}

// GetSession reads one session regardless of its status.
func (s *LifecycleService) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.store.GetSession(storeCtx, key)
	if err != nil {
		return nil, storeError(err)
	}
	return session, nil
}

// storeError maps storage failures onto engine errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, repository.ErrCourseNotFound):
		return ErrCourseNotFound
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
