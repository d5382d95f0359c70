package repository

import (
	"context"
	"sync"

	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
)

// MemorySessionStore keeps sessions in process. Each session has its own mutex,
// so presence writes serialize per class_id and never across sessions.
type MemorySessionStore struct {
	clock clock.Clock

	mu       sync.RWMutex
	courses  map[string]model.Course
	sessions map[string]*memorySession // class_id -> session
}

type memorySession struct {
	mu      sync.Mutex
	session *model.AttendanceSession
	members map[string]struct{}
}

// NewMemorySessionStore creates an empty store whose commit checks use clk.
func NewMemorySessionStore(clk clock.Clock) *MemorySessionStore {
	return &MemorySessionStore{
		clock:    clk,
		courses:  make(map[string]model.Course),
		sessions: make(map[string]*memorySession),
	}
}

// EnsureCourse registers a course if it is not known yet.
func (s *MemorySessionStore) EnsureCourse(ctx context.Context, c model.Course) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.courses[c.ID]; !ok {
		s.courses[c.ID] = c
	}
	return nil
}

// CreateSession appends a session to its course.
func (s *MemorySessionStore) CreateSession(ctx context.Context, session *model.AttendanceSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[session.CourseID]; !ok {
		return ErrCourseNotFound
	}
	if _, ok := s.sessions[session.ClassID]; ok {
		return ErrDuplicateClass
	}

	stored := session.Clone()
	members := make(map[string]struct{}, len(stored.StudentsPresent))
	for _, id := range stored.StudentsPresent {
		members[id] = struct{}{}
	}
	s.sessions[session.ClassID] = &memorySession{session: stored, members: members}
	return nil
}

// CloseSession marks a session closed. Closing twice is a no-op.
func (s *MemorySessionStore) CloseSession(ctx context.Context, key model.SessionKey) error {
	entry, err := s.lookup(ctx, key)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	entry.session.Status = model.SessionStatusClosed
	entry.mu.Unlock()
	return nil
}

// ListByCourses returns snapshots of every session belonging to courseIDs.
func (s *MemorySessionStore) ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(courseIDs))
	for _, id := range courseIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	entries := make([]*memorySession, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []model.AttendanceSession
	for _, e := range entries {
		e.mu.Lock()
		if _, ok := wanted[e.session.CourseID]; ok {
			out = append(out, *e.session.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

// GetSession returns a snapshot of one session.
func (s *MemorySessionStore) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	entry, err := s.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Clone(), nil
}

// AddAttendee merges userID into the presence set if the window is still open at the
// moment the session lock is held.
func (s *MemorySessionStore) AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	entry, err := s.lookup(ctx, key)
	if err != nil {
		return "", err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session.StatusAt(s.clock.Now()) != model.EffectiveOpen {
		return model.AddOutcomeWindowClosed, nil
	}
	if _, ok := entry.members[userID]; ok {
		return model.AddOutcomeAlreadyPresent, nil
	}
	entry.members[userID] = struct{}{}
	entry.session.StudentsPresent = append(entry.session.StudentsPresent, userID)
	return model.AddOutcomeAdded, nil
}

func (s *MemorySessionStore) lookup(ctx context.Context, key model.SessionKey) (*memorySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.sessions[key.ClassID]
	s.mu.RUnlock()
	if !ok || entry.session.CourseID != key.CourseID {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}
