package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/academy-attendance/internal/model"
)

const sessionColumns = `
	s.class_id, s.course_id, s.topic, s.timer_minutes, s.started_at, s.expires_at, s.status,
	COALESCE(array_agg(p.user_id ORDER BY p.marked_at) FILTER (WHERE p.user_id IS NOT NULL), '{}')`

// AttendanceRepository stores attendance sessions in PostgreSQL. Sessions and
// presence marks live in separate tables so one session's writes never rewrite another's.
type AttendanceRepository struct {
	pool *pgxpool.Pool
}

// NewAttendanceRepository creates a new AttendanceRepository.
func NewAttendanceRepository(pool *pgxpool.Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

// EnsureCourse inserts the course row if missing.
func (r *AttendanceRepository) EnsureCourse(ctx context.Context, c model.Course) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO courses (id, name) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`, c.ID, c.Name)
	return err
}

// CreateSession inserts a new session. The roster always starts empty.
func (r *AttendanceRepository) CreateSession(ctx context.Context, s *model.AttendanceSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attendance_sessions (class_id, course_id, topic, timer_minutes, started_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ClassID, s.CourseID, s.Topic, s.TimerMinutes, s.StartedAt, s.ExpiresAt, s.Status,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return ErrCourseNotFound
		case "23505":
			return ErrDuplicateClass
		}
	}
	return err
}

// CloseSession marks a session closed. Closing an already closed session succeeds.
func (r *AttendanceRepository) CloseSession(ctx context.Context, key model.SessionKey) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attendance_sessions SET status = 'closed'
		 WHERE course_id = $1 AND class_id = $2`, key.CourseID, key.ClassID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession retrieves one session with its presence set.
func (r *AttendanceRepository) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	s := &model.AttendanceSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM attendance_sessions s
		 LEFT JOIN attendance_presence p ON p.class_id = s.class_id
		 WHERE s.course_id = $1 AND s.class_id = $2
		 GROUP BY s.class_id`, key.CourseID, key.ClassID,
	).Scan(&s.ClassID, &s.CourseID, &s.Topic, &s.TimerMinutes, &s.StartedAt, &s.ExpiresAt, &s.Status, &s.StudentsPresent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByCourses retrieves every session of the given courses.
func (r *AttendanceRepository) ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM attendance_sessions s
		 LEFT JOIN attendance_presence p ON p.class_id = s.class_id
		 WHERE s.course_id = ANY($1)
		 GROUP BY s.class_id
		 ORDER BY s.course_id, s.started_at`, courseIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.AttendanceSession
	for rows.Next() {
		var s model.AttendanceSession
		if err := rows.Scan(&s.ClassID, &s.CourseID, &s.Topic, &s.TimerMinutes, &s.StartedAt, &s.ExpiresAt, &s.Status, &s.StudentsPresent); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AddAttendee merges userID into the presence set in a single statement.
//
// The session row is share-locked so a concurrent close serializes against the insert,
// and the window is judged with clock_timestamp() while the statement runs, so a
// request that started before expiry but commits after it is rejected.
func (r *AttendanceRepository) AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	var open *bool
	var inserted bool
	err := r.pool.QueryRow(ctx,
		`WITH target AS (
			SELECT class_id,
			       status = 'active' AND clock_timestamp() < expires_at AS open
			FROM attendance_sessions
			WHERE course_id = $1 AND class_id = $2
			FOR SHARE
		),
		inserted AS (
			INSERT INTO attendance_presence (class_id, user_id)
			SELECT class_id, $3 FROM target WHERE open
			ON CONFLICT (class_id, user_id) DO NOTHING
			RETURNING user_id
		)
		SELECT (SELECT open FROM target), EXISTS (SELECT 1 FROM inserted)`,
		key.CourseID, key.ClassID, userID,
	).Scan(&open, &inserted)
	if err != nil {
		return "", err
	}

	switch {
	case open == nil:
		return "", ErrSessionNotFound
	case !*open:
		return model.AddOutcomeWindowClosed, nil
	case inserted:
		return model.AddOutcomeAdded, nil
	default:
		return model.AddOutcomeAlreadyPresent, nil
	}
}
