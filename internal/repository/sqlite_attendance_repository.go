package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteAttendanceRepository stores attendance sessions in a single-node SQLite file.
// The DSN must open transactions with BEGIN IMMEDIATE (see database.NewSQLite) so the
// window check and the insert run under the write lock.
type SQLiteAttendanceRepository struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteAttendanceRepository applies the schema and returns a ready repository.
func NewSQLiteAttendanceRepository(ctx context.Context, db *sql.DB, clk clock.Clock) (*SQLiteAttendanceRepository, error) {
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLiteAttendanceRepository{db: db, clock: clk}, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// EnsureCourse inserts the course row if missing.
func (r *SQLiteAttendanceRepository) EnsureCourse(ctx context.Context, c model.Course) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO courses (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, c.ID, c.Name)
	return err
}

// CreateSession inserts a new session.
func (r *SQLiteAttendanceRepository) CreateSession(ctx context.Context, s *model.AttendanceSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attendance_sessions (class_id, course_id, topic, timer_minutes, started_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ClassID, s.CourseID, s.Topic, s.TimerMinutes, toMillis(s.StartedAt), toMillis(s.ExpiresAt), string(s.Status),
	)
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return ErrCourseNotFound
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return ErrDuplicateClass
		case sqlite3lib.SQLITE_CONSTRAINT:
			// Extended result codes disabled; fall back to the message.
			if strings.Contains(sqliteErr.Error(), "FOREIGN KEY") {
				return ErrCourseNotFound
			}
			return ErrDuplicateClass
		}
	}
	return err
}

// CloseSession marks a session closed.
func (r *SQLiteAttendanceRepository) CloseSession(ctx context.Context, key model.SessionKey) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attendance_sessions SET status = 'closed' WHERE course_id = ? AND class_id = ?`,
		key.CourseID, key.ClassID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession retrieves one session with its presence set.
func (r *SQLiteAttendanceRepository) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	sessions, err := r.query(ctx,
		`WHERE s.course_id = ? AND s.class_id = ?`, key.CourseID, key.ClassID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrSessionNotFound
	}
	return &sessions[0], nil
}

// ListByCourses retrieves every session of the given courses.
func (r *SQLiteAttendanceRepository) ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(courseIDs)), ",")
	args := make([]any, len(courseIDs))
	for i, id := range courseIDs {
		args[i] = id
	}
	return r.query(ctx, `WHERE s.course_id IN (`+placeholders+`)`, args...)
}

// query folds the session/presence join into sessions, one row per attendee.
func (r *SQLiteAttendanceRepository) query(ctx context.Context, where string, args ...any) ([]model.AttendanceSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.class_id, s.course_id, s.topic, s.timer_minutes, s.started_at, s.expires_at, s.status, p.user_id
		 FROM attendance_sessions s
		 LEFT JOIN attendance_presence p ON p.class_id = s.class_id
		 `+where+`
		 ORDER BY s.course_id, s.started_at, s.class_id, p.marked_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.AttendanceSession
	for rows.Next() {
		var (
			s                model.AttendanceSession
			startedMs, expMs int64
			status           string
			userID           sql.NullString
		)
		if err := rows.Scan(&s.ClassID, &s.CourseID, &s.Topic, &s.TimerMinutes, &startedMs, &expMs, &status, &userID); err != nil {
			return nil, err
		}
		if n := len(sessions); n == 0 || sessions[n-1].ClassID != s.ClassID {
			s.StartedAt = fromMillis(startedMs)
			s.ExpiresAt = fromMillis(expMs)
			s.Status = model.SessionStatus(status)
			s.StudentsPresent = []string{}
			sessions = append(sessions, s)
		}
		if userID.Valid {
			last := &sessions[len(sessions)-1]
			last.StudentsPresent = append(last.StudentsPresent, userID.String)
		}
	}
	return sessions, rows.Err()
}

// AddAttendee merges userID into the presence set. The window is checked against the
// injected clock after the write lock is taken, immediately before the insert commits.
func (r *SQLiteAttendanceRepository) AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var (
		status string
		expMs  int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, expires_at FROM attendance_sessions WHERE course_id = ? AND class_id = ?`,
		key.CourseID, key.ClassID,
	).Scan(&status, &expMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}

	now := r.clock.Now()
	window := model.AttendanceSession{Status: model.SessionStatus(status), ExpiresAt: fromMillis(expMs)}
	if window.StatusAt(now) != model.EffectiveOpen {
		return model.AddOutcomeWindowClosed, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO attendance_presence (class_id, user_id, marked_at) VALUES (?, ?, ?)`,
		key.ClassID, userID, toMillis(now))
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	if n == 0 {
		return model.AddOutcomeAlreadyPresent, nil
	}
	return model.AddOutcomeAdded, nil
}
