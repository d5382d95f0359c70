package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/repository"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const testCourse = "physics-101"

// mockSessionStore wraps the in-memory store with call counters and failure toggles.
type mockSessionStore struct {
	*repository.MemorySessionStore

	getCalls atomic.Int32
	addCalls atomic.Int32

	// Control behavior for testing
	shouldFailList bool
	shouldFailGet  bool
	failAdds       atomic.Int32 // fail this many AddAttendee calls before delegating
	blockAdd       bool         // block AddAttendee until ctx ends
	beforeAdd      func()       // runs before each delegated AddAttendee
}

func newMockSessionStore(clk clock.Clock) *mockSessionStore {
	store := &mockSessionStore{MemorySessionStore: repository.NewMemorySessionStore(clk)}
	_ = store.EnsureCourse(context.Background(), model.Course{ID: testCourse, Name: "Physics"})
	return store
}

func (m *mockSessionStore) ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	if m.shouldFailList {
		return nil, errors.New("database list failed")
	}
	return m.MemorySessionStore.ListByCourses(ctx, courseIDs)
}

func (m *mockSessionStore) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	m.getCalls.Add(1)
	if m.shouldFailGet {
		return nil, errors.New("database read failed")
	}
	return m.MemorySessionStore.GetSession(ctx, key)
}

func (m *mockSessionStore) AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	m.addCalls.Add(1)
	if m.blockAdd {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.failAdds.Load() > 0 {
		m.failAdds.Add(-1)
		return "", errors.New("connection reset by peer")
	}
	if m.beforeAdd != nil {
		m.beforeAdd()
	}
	return m.MemorySessionStore.AddAttendee(ctx, key, userID)
}

// openSession stores a session started at startedAt and returns its key.
func (m *mockSessionStore) openSession(t *testing.T, classID string, startedAt time.Time, timerMinutes int) model.SessionKey {
	t.Helper()
	s := &model.AttendanceSession{
		ClassID:      classID,
		CourseID:     testCourse,
		Topic:        "Kinematics",
		TimerMinutes: timerMinutes,
		StartedAt:    startedAt,
		ExpiresAt:    model.ExpiresAtFor(startedAt, timerMinutes),
		Status:       model.SessionStatusActive,
	}
	if err := m.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s.Key()
}

// failingBus rejects every publish.
type failingBus struct{}

func (failingBus) Publish(ctx context.Context, ev PresenceEvent) error {
	return errors.New("redis: connection refused")
}

func (failingBus) Subscribe(ctx context.Context, classID string) (<-chan PresenceEvent, func(), error) {
	return nil, nil, errors.New("redis: connection refused")
}

func newPresenceService(store SessionStore, clk clock.Clock, bus PresenceBus) *PresenceService {
	svc := NewPresenceService(store, clk, bus, 2*time.Second, testLogger())
	svc.initialRetry = time.Millisecond
	return svc
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
