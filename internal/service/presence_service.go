package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/repository"
	"github.com/stemsi/academy-attendance/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PresenceService is the only writer of a session's presence set.
type PresenceService struct {
	store   SessionStore
	clock   clock.Clock
	bus     PresenceBus
	timeout time.Duration
	log     zerolog.Logger

	// initialRetry is the first backoff step between commit attempts.
	initialRetry time.Duration
}

// NewPresenceService creates a new PresenceService. timeout bounds the whole mark,
// retries included; bus may be nil when no monitor needs live events.
func NewPresenceService(store SessionStore, clk clock.Clock, bus PresenceBus, timeout time.Duration, log zerolog.Logger) *PresenceService {
	return &PresenceService{
		store:        store,
		clock:        clk,
		bus:          bus,
		timeout:      timeout,
		log:          log.With().Str("component", "presence_service").Logger(),
		initialRetry: 50 * time.Millisecond,
	}
}

// MarkPresent idempotently adds userID to the session's presence set.
//
// Preconditions are checked in order (identity, existence, window, membership) on a
// snapshot, and again by the store at commit, so a mark that starts before expiry but
// commits after it is rejected. OK and ALREADY_MARKED return a nil error; every other
// result returns the matching sentinel.
func (s *PresenceService) MarkPresent(ctx context.Context, key model.SessionKey, userID string) (result model.MarkResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "PresenceService.MarkPresent")
	defer func() {
		span.SetAttributes(attribute.String("attendance.result", string(result)))
		if err != nil && result == model.MarkStoreUnavailable {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store unavailable")
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("attendance.course_id", key.CourseID),
		attribute.String("attendance.class_id", key.ClassID),
	)

	if !model.ValidUserID(userID) {
		return model.MarkUnauthenticated, ErrUnauthenticated
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Fast path: answer from a snapshot when the outcome is already decided.
	snapshot, err := s.store.GetSession(storeCtx, key)
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return model.MarkNotFound, ErrSessionNotFound
	case err != nil:
		// The commit re-reads everything it needs.
		s.log.Debug().Err(err).Str("class_id", key.ClassID).Msg("Pre-read failed, going straight to commit")
	default:
		if snapshot.StatusAt(s.clock.Now()) != model.EffectiveOpen {
			return model.MarkSessionExpired, ErrSessionExpired
		}
		if snapshot.HasAttendee(userID) {
			return model.MarkAlreadyMarked, nil
		}
	}

	outcome, err := s.commit(storeCtx, key, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return model.MarkNotFound, ErrSessionNotFound
		}
		s.log.Error().Err(err).
			Str("class_id", key.ClassID).
			Str("user_id", userID).
			Msg("Failed to commit presence mark")
		return model.MarkStoreUnavailable, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	switch outcome {
	case model.AddOutcomeAdded:
		s.log.Info().Str("class_id", key.ClassID).Str("user_id", userID).Msg("Student marked present")
		s.publish(ctx, key, userID)
		return model.MarkOK, nil
	case model.AddOutcomeAlreadyPresent:
		return model.MarkAlreadyMarked, nil
	case model.AddOutcomeWindowClosed:
		return model.MarkSessionExpired, ErrSessionExpired
	default:
		return model.MarkStoreUnavailable, fmt.Errorf("%w: unknown outcome %q", ErrStoreUnavailable, outcome)
	}
}

// commit runs the store's atomic add, retrying transient failures with exponential
// backoff until ctx's deadline. Retrying is safe because the add is idempotent.
func (s *PresenceService) commit(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialRetry
	b.MaxInterval = s.timeout / 2

	attempt := 0
	return backoff.Retry(ctx, func() (model.AddOutcome, error) {
		attempt++
		outcome, err := s.store.AddAttendee(ctx, key, userID)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, repository.ErrSessionNotFound) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn().Err(err).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Str("class_id", key.ClassID).
				Msg("Presence commit failed, retrying")
		}),
	)
}

// publish announces a new mark. Failures are logged and never change the result.
func (s *PresenceService) publish(ctx context.Context, key model.SessionKey, userID string) {
	if s.bus == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	ev := PresenceEvent{
		Type:     PresenceEventType,
		CourseID: key.CourseID,
		ClassID:  key.ClassID,
		UserID:   userID,
		MarkedAt: s.clock.Now(),
	}
	if err := s.bus.Publish(pubCtx, ev); err != nil {
		s.log.Warn().Err(err).Str("class_id", key.ClassID).Msg("Failed to publish presence event")
	}
}

// MarkAbsent acknowledges an absence notice. Nothing is persisted and the
// presence set is not consulted.
func (s *PresenceService) MarkAbsent(ctx context.Context, key model.SessionKey, userID string) model.Ack {
	s.log.Debug().Str("class_id", key.ClassID).Str("user_id", userID).Msg("Absence acknowledged")
	return model.Ack{Acknowledged: true, Key: key, At: s.clock.Now()}
}
