package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/database"
	"github.com/stemsi/academy-attendance/internal/model"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// attendanceStore is the surface every backend implements.
type attendanceStore interface {
	EnsureCourse(ctx context.Context, c model.Course) error
	CreateSession(ctx context.Context, s *model.AttendanceSession) error
	CloseSession(ctx context.Context, key model.SessionKey) error
	GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error)
	ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error)
	AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error)
}

// Backends that judge the window with their own server clock are driven from
// wall time, so every fixture is built relative to time.Now.
func wallClock() *clock.Manual {
	return clock.NewManual(time.Now().UTC().Truncate(time.Millisecond))
}

func TestMemoryStoreConformance(t *testing.T) {
	factory := func(t *testing.T, clk clock.Clock) attendanceStore {
		return NewMemorySessionStore(clk)
	}
	runStoreConformance(t, factory)
	runInjectedClockCommit(t, factory)
}

func TestSQLiteStoreConformance(t *testing.T) {
	factory := func(t *testing.T, clk clock.Clock) attendanceStore {
		db, err := sql.Open("sqlite", database.SQLiteDSN(filepath.Join(t.TempDir(), "attendance.db")))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		repo, err := NewSQLiteAttendanceRepository(context.Background(), db, clk)
		if err != nil {
			t.Fatalf("new sqlite repository: %v", err)
		}
		return repo
	}
	runStoreConformance(t, factory)
	runInjectedClockCommit(t, factory)
}

// Requires a database migrated with cmd/migrate.
func TestPostgresStoreConformance(t *testing.T) {
	url := os.Getenv("ATTENDANCE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ATTENDANCE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	runStoreConformance(t, func(t *testing.T, clk clock.Clock) attendanceStore {
		return NewAttendanceRepository(pool)
	})
}

func TestMongoStoreConformance(t *testing.T) {
	uri := os.Getenv("ATTENDANCE_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("ATTENDANCE_TEST_MONGODB_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	db := client.Database("attendance_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	factory := func(t *testing.T, clk clock.Clock) attendanceStore {
		repo, err := NewMongoAttendanceRepository(ctx, db, clk)
		if err != nil {
			t.Fatalf("new mongo repository: %v", err)
		}
		return repo
	}
	runStoreConformance(t, factory)
	runInjectedClockCommit(t, factory)
}

// ─── Shared suite ───────────────────────────────────────────────────────────

// runInjectedClockCommit covers the stores whose commit guard reads the injected clock:
// once that clock passes expires_at the commit is refused even though wall time has not.
func runInjectedClockCommit(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("commit judged by injected clock", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 0, 5)

		f.clock.Advance(5*time.Minute + time.Second)
		out, err := f.store.AddAttendee(ctx, key, "dave")
		if err != nil {
			t.Fatalf("AddAttendee: %v", err)
		}
		if out != model.AddOutcomeWindowClosed {
			t.Errorf("outcome = %q, want window_closed", out)
		}
		got, err := f.store.GetSession(ctx, key)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.HasAttendee("dave") {
			t.Error("commit past the injected clock's expiry was recorded")
		}
	})
}

type storeFactory func(t *testing.T, clk clock.Clock) attendanceStore

type fixture struct {
	store  attendanceStore
	clock  *clock.Manual
	course string
}

func newFixture(t *testing.T, factory storeFactory) *fixture {
	t.Helper()
	clk := wallClock()
	f := &fixture{store: factory(t, clk), clock: clk, course: "course-" + uuid.NewString()}
	if err := f.store.EnsureCourse(context.Background(), model.Course{ID: f.course, Name: "Physics"}); err != nil {
		t.Fatalf("EnsureCourse: %v", err)
	}
	return f
}

// session creates a session that started `ago` before the fixture clock.
func (f *fixture) session(t *testing.T, ago time.Duration, timerMinutes int) model.SessionKey {
	t.Helper()
	started := f.clock.Now().Add(-ago)
	s := &model.AttendanceSession{
		ClassID:         "class-" + uuid.NewString(),
		CourseID:        f.course,
		Topic:           "Kinematics",
		TimerMinutes:    timerMinutes,
		StartedAt:       started,
		ExpiresAt:       model.ExpiresAtFor(started, timerMinutes),
		Status:          model.SessionStatusActive,
		StudentsPresent: []string{},
	}
	if err := f.store.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s.Key()
}

func runStoreConformance(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, time.Minute, 5)

		got, err := f.store.GetSession(ctx, key)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Topic != "Kinematics" || got.TimerMinutes != 5 {
			t.Errorf("unexpected session: %+v", got)
		}
		if !got.ExpiresAt.Equal(model.ExpiresAtFor(got.StartedAt, 5)) {
			t.Errorf("expires_at %v is not started_at+5m (%v)", got.ExpiresAt, got.StartedAt)
		}
		if got.Status != model.SessionStatusActive {
			t.Errorf("status = %q, want active", got.Status)
		}
		if len(got.StudentsPresent) != 0 {
			t.Errorf("roster = %v, want empty", got.StudentsPresent)
		}
	})

	t.Run("unknown course and duplicate class", func(t *testing.T) {
		f := newFixture(t, factory)
		now := f.clock.Now()
		orphan := &model.AttendanceSession{
			ClassID: "class-" + uuid.NewString(), CourseID: "missing-" + uuid.NewString(),
			Topic: "x", TimerMinutes: 1, StartedAt: now, ExpiresAt: model.ExpiresAtFor(now, 1),
			Status: model.SessionStatusActive,
		}
		if err := f.store.CreateSession(ctx, orphan); !errors.Is(err, ErrCourseNotFound) {
			t.Errorf("orphan CreateSession err = %v, want ErrCourseNotFound", err)
		}

		key := f.session(t, 0, 5)
		dup := &model.AttendanceSession{
			ClassID: key.ClassID, CourseID: f.course,
			Topic: "again", TimerMinutes: 1, StartedAt: now, ExpiresAt: model.ExpiresAtFor(now, 1),
			Status: model.SessionStatusActive,
		}
		if err := f.store.CreateSession(ctx, dup); !errors.Is(err, ErrDuplicateClass) {
			t.Errorf("duplicate CreateSession err = %v, want ErrDuplicateClass", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 0, 5)

		wrongCourse := model.SessionKey{CourseID: "other-" + uuid.NewString(), ClassID: key.ClassID}
		if _, err := f.store.GetSession(ctx, wrongCourse); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession err = %v, want ErrSessionNotFound", err)
		}
		if _, err := f.store.AddAttendee(ctx, wrongCourse, "alice"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("AddAttendee err = %v, want ErrSessionNotFound", err)
		}
		missing := model.SessionKey{CourseID: f.course, ClassID: "class-" + uuid.NewString()}
		if err := f.store.CloseSession(ctx, missing); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("CloseSession err = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("add is idempotent", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, time.Minute, 5)

		first, err := f.store.AddAttendee(ctx, key, "alice")
		if err != nil || first != model.AddOutcomeAdded {
			t.Fatalf("first add = %q, %v; want added", first, err)
		}
		second, err := f.store.AddAttendee(ctx, key, "alice")
		if err != nil || second != model.AddOutcomeAlreadyPresent {
			t.Fatalf("second add = %q, %v; want already_present", second, err)
		}

		got, err := f.store.GetSession(ctx, key)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if len(got.StudentsPresent) != 1 || got.StudentsPresent[0] != "alice" {
			t.Errorf("roster = %v, want [alice]", got.StudentsPresent)
		}
	})

	t.Run("expired window rejects", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 10*time.Minute, 5)

		out, err := f.store.AddAttendee(ctx, key, "bob")
		if err != nil {
			t.Fatalf("AddAttendee: %v", err)
		}
		if out != model.AddOutcomeWindowClosed {
			t.Errorf("outcome = %q, want window_closed", out)
		}
		got, _ := f.store.GetSession(ctx, key)
		if got != nil && got.HasAttendee("bob") {
			t.Error("late attendee must not be recorded")
		}
	})

	t.Run("closed window rejects", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 0, 30)

		if err := f.store.CloseSession(ctx, key); err != nil {
			t.Fatalf("CloseSession: %v", err)
		}
		if err := f.store.CloseSession(ctx, key); err != nil {
			t.Fatalf("second CloseSession: %v", err)
		}
		out, err := f.store.AddAttendee(ctx, key, "carol")
		if err != nil {
			t.Fatalf("AddAttendee: %v", err)
		}
		if out != model.AddOutcomeWindowClosed {
			t.Errorf("outcome = %q, want window_closed", out)
		}
	})

	t.Run("list filters by course", func(t *testing.T) {
		f := newFixture(t, factory)
		a := f.session(t, 2*time.Minute, 5)
		b := f.session(t, time.Minute, 5)

		other := "course-" + uuid.NewString()
		if err := f.store.EnsureCourse(ctx, model.Course{ID: other}); err != nil {
			t.Fatalf("EnsureCourse: %v", err)
		}
		now := f.clock.Now()
		if err := f.store.CreateSession(ctx, &model.AttendanceSession{
			ClassID: "class-" + uuid.NewString(), CourseID: other, Topic: "Optics",
			TimerMinutes: 5, StartedAt: now, ExpiresAt: model.ExpiresAtFor(now, 5),
			Status: model.SessionStatusActive,
		}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		got, err := f.store.ListByCourses(ctx, []string{f.course})
		if err != nil {
			t.Fatalf("ListByCourses: %v", err)
		}
		seen := map[string]bool{}
		for _, s := range got {
			if s.CourseID != f.course {
				t.Errorf("session from course %q leaked into listing", s.CourseID)
			}
			seen[s.ClassID] = true
		}
		if len(got) != 2 || !seen[a.ClassID] || !seen[b.ClassID] {
			t.Errorf("listing = %+v, want both sessions of %s", got, f.course)
		}

		empty, err := f.store.ListByCourses(ctx, nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("empty listing = %v, %v", empty, err)
		}
	})

	t.Run("concurrent distinct users", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 0, 30)

		const k = 20
		var wg sync.WaitGroup
		errs := make(chan error, k)
		for i := 0; i < k; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := f.store.AddAttendee(ctx, key, fmt.Sprintf("student-%02d", i))
				if err != nil {
					errs <- err
					return
				}
				if out != model.AddOutcomeAdded {
					errs <- fmt.Errorf("student-%02d: outcome %q", i, out)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}

		got, err := f.store.GetSession(ctx, key)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if len(got.StudentsPresent) != k {
			t.Errorf("roster size = %d, want %d", len(got.StudentsPresent), k)
		}
	})

	t.Run("concurrent same user", func(t *testing.T) {
		f := newFixture(t, factory)
		key := f.session(t, 0, 30)

		const n = 10
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			added int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := f.store.AddAttendee(ctx, key, "dave")
				if err != nil {
					t.Errorf("AddAttendee: %v", err)
					return
				}
				if out == model.AddOutcomeAdded {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if added != 1 {
			t.Errorf("added %d times, want exactly once", added)
		}
	})
}
