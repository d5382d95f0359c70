package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/repository"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
	"github.com/stemsi/academy-attendance/internal/validator"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const testCourse = "physics-101"

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

// flakyStore fails reads on demand and otherwise delegates to the in-memory store.
// afterGet, when set, runs once right after the next GetSession read returns.
type flakyStore struct {
	*repository.MemorySessionStore
	failList bool
	afterGet func()
}

func (s *flakyStore) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	got, err := s.MemorySessionStore.GetSession(ctx, key)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return got, err
}

func (s *flakyStore) ListByCourses(ctx context.Context, ids []string) ([]model.AttendanceSession, error) {
	if s.failList {
		return nil, errors.New("connection refused")
	}
	return s.MemorySessionStore.ListByCourses(ctx, ids)
}

type testEnv struct {
	clk       *clock.Manual
	store     *flakyStore
	bus       *service.MemoryPresenceBus
	auth      *service.AuthService
	lifecycle *service.LifecycleService
	presence  *service.PresenceService
	admin     *service.SessionAdminService
	feed      *service.CountdownFeed
	engine    *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	clk := clock.NewManual(t0)
	store := &flakyStore{MemorySessionStore: repository.NewMemorySessionStore(clk)}
	bus := service.NewMemoryPresenceBus()

	e := &testEnv{
		clk:       clk,
		store:     store,
		bus:       bus,
		auth:      service.NewAuthService("handler-secret", 24*time.Hour, clk),
		lifecycle: service.NewLifecycleService(store, clk, time.Second, log),
		presence:  service.NewPresenceService(store, clk, bus, time.Second, log),
		admin:     service.NewSessionAdminService(store, clk, time.Second, log),
		feed:      service.NewCountdownFeed(clk, 10*time.Millisecond),
	}

	attendance := NewAttendanceHandler(e.lifecycle, e.presence)
	instructor := NewInstructorHandler(e.lifecycle, e.admin, log)
	wsHandler := NewWSHandler(e.lifecycle, e.presence, e.feed, log, nil)
	monitor := NewMonitorHandler(e.lifecycle, e.feed, bus, log)

	r := gin.New()
	r.Use(response.RequestIDMiddleware(), response.ClockMiddleware(clk))

	student := r.Group("/api/v1/student", middleware.RequireStudentJWT(e.auth))
	student.GET("/attendance", attendance.ListSessions)
	student.POST("/courses/:course_id/attendance/:class_id/present", attendance.MarkPresent)
	student.POST("/courses/:course_id/attendance/:class_id/absent", attendance.MarkAbsent)

	r.GET("/ws/v1/student/courses/:course_id/attendance/:class_id/countdown",
		middleware.RequireStudentWSAuth(e.auth), wsHandler.CountdownStream)

	inst := r.Group("/api/v1/instructor", middleware.RequireInstructorJWT(e.auth))
	inst.POST("/courses/:course_id/attendance", instructor.OpenSession)
	inst.GET("/courses/:course_id/attendance/:class_id", instructor.GetSession)
	inst.POST("/courses/:course_id/attendance/:class_id/close", instructor.CloseSession)
	inst.GET("/courses/:course_id/attendance/:class_id/monitor", monitor.MonitorSessionSSE)

	e.engine = r
	return e
}

func (e *testEnv) token(t *testing.T, tt service.TokenType, userID string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(tt, userID)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// openSession opens a window of the given length starting at the current clock.
func (e *testEnv) openSession(t *testing.T, minutes int) *model.AttendanceSession {
	t.Helper()
	s, err := e.admin.OpenSession(context.Background(), testCourse, model.OpenSessionRequest{Topic: "Kinematics", TimerMinutes: minutes})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return s
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Data     json.RawMessage     `json:"data"`
	Error    *response.ErrorBody `json:"error"`
	Metadata response.Metadata   `json:"metadata"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	if data != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v (%s)", err, env.Data)
		}
	}
	return env
}

func sessionPath(prefix string, s *model.AttendanceSession, suffix string) string {
	return prefix + "/courses/" + s.CourseID + "/attendance/" + s.ClassID + suffix
}

