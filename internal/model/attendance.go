package model

import (
	"time"
	"unicode"
)

// SessionStatus enumerates stored attendance session states.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// EffectiveStatus is the computed state of a session at a given instant.
type EffectiveStatus string

const (
	EffectiveOpen    EffectiveStatus = "OPEN"
	EffectiveExpired EffectiveStatus = "EXPIRED"
	EffectiveClosed  EffectiveStatus = "CLOSED"
)

// MaxUserIDLength bounds identifiers accepted from the identity provider.
const MaxUserIDLength = 128

// SessionKey addresses one session inside a course's session collection.
type SessionKey struct {
	CourseID string `json:"course_id"`
	ClassID  string `json:"class_id"`
}

// AttendanceSession is a time-boxed window during which students mark themselves present.
// StartedAt, TimerMinutes and ExpiresAt never change after creation.
type AttendanceSession struct {
	ClassID         string        `json:"class_id" bson:"class_id"`
	CourseID        string        `json:"course_id" bson:"course_id"`
	Topic           string        `json:"topic" bson:"topic"`
	TimerMinutes    int           `json:"timer_minutes" bson:"timer_minutes"`
	StartedAt       time.Time     `json:"started_at" bson:"started_at"`
	ExpiresAt       time.Time     `json:"expires_at" bson:"expires_at"`
	Status          SessionStatus `json:"status" bson:"status"`
	StudentsPresent []string      `json:"students_present" bson:"students_present"`
}

// ExpiresAtFor derives the expiry instant of a window opened at startedAt.
func ExpiresAtFor(startedAt time.Time, timerMinutes int) time.Time {
	return startedAt.Add(time.Duration(timerMinutes) * time.Minute)
}

// Key returns the store address of the session.
func (s *AttendanceSession) Key() SessionKey {
	return SessionKey{CourseID: s.CourseID, ClassID: s.ClassID}
}

// StatusAt evaluates the effectively-open predicate at now.
// Closed wins over expired so an administratively closed session always reports CLOSED.
func (s *AttendanceSession) StatusAt(now time.Time) EffectiveStatus {
	if s.Status == SessionStatusClosed {
		return EffectiveClosed
	}
	if !now.Before(s.ExpiresAt) {
		return EffectiveExpired
	}
	return EffectiveOpen
}

// RemainingAt returns max(0, expires_at - now).
func (s *AttendanceSession) RemainingAt(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// HasAttendee reports whether userID is already in the presence set.
func (s *AttendanceSession) HasAttendee(userID string) bool {
	for _, id := range s.StudentsPresent {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share the presence slice with a store.
func (s *AttendanceSession) Clone() *AttendanceSession {
	c := *s
	c.StudentsPresent = append([]string(nil), s.StudentsPresent...)
	return &c
}

// ValidUserID reports whether id looks like a durable identity: non-empty, bounded,
// and free of whitespace or control characters.
func ValidUserID(id string) bool {
	if id == "" || len(id) > MaxUserIDLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// AddOutcome is the commit-time result of merging an attendee into a session.
type AddOutcome string

const (
	AddOutcomeAdded          AddOutcome = "added"
	AddOutcomeAlreadyPresent AddOutcome = "already_present"
	AddOutcomeWindowClosed   AddOutcome = "window_closed"
)

// MarkResult is what MarkPresent reports to callers.
type MarkResult string

const (
	MarkOK               MarkResult = "OK"
	MarkAlreadyMarked    MarkResult = "ALREADY_MARKED"
	MarkSessionExpired   MarkResult = "SESSION_EXPIRED"
	MarkUnauthenticated  MarkResult = "UNAUTHENTICATED"
	MarkNotFound         MarkResult = "NOT_FOUND"
	MarkStoreUnavailable MarkResult = "STORE_UNAVAILABLE"
)

// Succeeded reports whether the caller ends up present.
func (r MarkResult) Succeeded() bool {
	return r == MarkOK || r == MarkAlreadyMarked
}

// Ack is returned by MarkAbsent. Nothing is persisted.
type Ack struct {
	Acknowledged bool       `json:"acknowledged"`
	Key          SessionKey `json:"session"`
	At           time.Time  `json:"at"`
}

// CountdownTick is one sample of a session countdown.
type CountdownTick struct {
	Remaining time.Duration `json:"-"`
	Expired   bool          `json:"expired"`
}

// Seconds rounds the remaining time up to whole seconds for display,
// so a countdown shows 1 until the window has actually closed.
func (t CountdownTick) Seconds() int64 {
	return CeilSeconds(t.Remaining)
}

// CeilSeconds rounds a non-negative duration up to whole seconds.
func CeilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// StudentSessionView is the student-facing projection of a session. The roster is omitted;
// Marked tells the caller whether they are already present.
type StudentSessionView struct {
	ClassID          string          `json:"class_id"`
	CourseID         string          `json:"course_id"`
	Topic            string          `json:"topic"`
	TimerMinutes     int             `json:"timer_minutes"`
	StartedAt        time.Time       `json:"started_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	EffectiveStatus  EffectiveStatus `json:"effective_status"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	Marked           bool            `json:"marked"`
}

// InstructorSessionView is the full session plus derived state.
type InstructorSessionView struct {
	AttendanceSession
	EffectiveStatus  EffectiveStatus `json:"effective_status"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	AttendeeCount    int             `json:"attendee_count"`
}

// NewStudentSessionView projects s for userID at now.
func NewStudentSessionView(s *AttendanceSession, userID string, now time.Time) StudentSessionView {
	return StudentSessionView{
		ClassID:          s.ClassID,
		CourseID:         s.CourseID,
		Topic:            s.Topic,
		TimerMinutes:     s.TimerMinutes,
		StartedAt:        s.StartedAt,
		ExpiresAt:        s.ExpiresAt,
		EffectiveStatus:  s.StatusAt(now),
		RemainingSeconds: CeilSeconds(s.RemainingAt(now)),
		Marked:           s.HasAttendee(userID),
	}
}

// NewInstructorSessionView projects s at now.
func NewInstructorSessionView(s *AttendanceSession, now time.Time) InstructorSessionView {
	c := s.Clone()
	if c.StudentsPresent == nil {
		c.StudentsPresent = []string{}
	}
	return InstructorSessionView{
		AttendanceSession: *c,
		EffectiveStatus:   s.StatusAt(now),
		RemainingSeconds:  CeilSeconds(s.RemainingAt(now)),
		AttendeeCount:     len(s.StudentsPresent),
	}
}

// OpenSessionRequest is the payload an instructor sends to open a window.
type OpenSessionRequest struct {
	Topic        string `json:"topic" binding:"required,min=1,max=200,trimmed"`
	TimerMinutes int    `json:"timer_minutes" binding:"required,min=1,max=720"`
}

// ListSessionsQuery carries the course ids a student is enrolled in.
type ListSessionsQuery struct {
	CourseIDs []string `form:"course_id" binding:"required,min=1,max=50,dive,required,max=64,trimmed"`
}
