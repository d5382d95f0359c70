//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/service"
)

const (
	defaultBaseURL = "http://localhost:8080/api/v1"
	e2eCourse      = "e2e-physics"
	concurrentMark = 20
)

var (
	baseURL         string
	auth            *service.AuthService
	instructorToken string
	classID         string
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "change-this-to-a-secure-random-string"
	}
	auth = service.NewAuthService(secret, time.Hour, clock.System)

	// 1. Clean previous runs when pointed at PostgreSQL
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := cleanup(dbURL); err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	instructorToken, err = auth.IssueToken(service.TokenTypeInstructor, "e2e-instructor")
	if err != nil {
		fmt.Printf("Token failed: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func cleanup(dbURL string) error {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer conn.Close(ctx)

	// Order matters due to FK
	for _, stmt := range []string{
		`DELETE FROM attendance_presence WHERE course_id = $1`,
		`DELETE FROM attendance_sessions WHERE course_id = $1`,
	} {
		if _, err := conn.Exec(ctx, stmt, e2eCourse); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}

func TestE2EFlow(t *testing.T) {
	alice := studentToken(t, "e2e-alice")
	sessionPath := func(suffix string) string {
		return fmt.Sprintf("/courses/%s/attendance/%s%s", e2eCourse, classID, suffix)
	}

	// Step 1: Instructor opens a window
	t.Run("OpenSession", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/instructor/courses/"+e2eCourse+"/attendance",
			model.OpenSessionRequest{Topic: "E2E Kinematics", TimerMinutes: 5}, instructorToken)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Session model.InstructorSessionView `json:"session"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		classID = body.Data.Session.ClassID
		if classID == "" || body.Data.Session.EffectiveStatus != model.EffectiveOpen {
			t.Fatalf("unexpected session %+v", body.Data.Session)
		}
	})

	// Step 2: Student sees it
	t.Run("ListSessions", func(t *testing.T) {
		resp := do(t, http.MethodGet, "/student/attendance?course_id="+e2eCourse, nil, alice)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		var body struct {
			Data struct {
				Sessions []model.StudentSessionView `json:"sessions"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		found := false
		for _, s := range body.Data.Sessions {
			found = found || s.ClassID == classID
		}
		if !found {
			t.Fatalf("session %s not listed", classID)
		}
	})

	// Step 3: Mark twice, second is idempotent
	t.Run("MarkPresentIdempotent", func(t *testing.T) {
		for _, want := range []model.MarkResult{model.MarkOK, model.MarkAlreadyMarked} {
			if got := mark(t, sessionPath("/present"), alice, http.StatusOK); got != want {
				t.Errorf("result = %s, want %s", got, want)
			}
		}
	})

	// Step 4: Concurrent students are all recorded
	t.Run("ConcurrentMarks", func(t *testing.T) {
		var wg sync.WaitGroup
		statuses := make([]int, concurrentMark)
		for i := 0; i < concurrentMark; i++ {
			token := studentToken(t, fmt.Sprintf("e2e-student-%02d", i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				statuses[i] = post(baseURL+"/student"+sessionPath("/present"), token)
			}()
		}
		wg.Wait()
		for i, code := range statuses {
			if code != http.StatusOK {
				t.Errorf("student %d: status %d", i, code)
			}
		}

		resp := do(t, http.MethodGet, "/instructor"+sessionPath(""), nil, instructorToken)
		defer resp.Body.Close()
		var body struct {
			Data struct {
				Session model.InstructorSessionView `json:"session"`
			} `json:"data"`
		}
		decodeJSON(t, resp, &body)
		if body.Data.Session.AttendeeCount != concurrentMark+1 {
			t.Errorf("attendee_count = %d, want %d", body.Data.Session.AttendeeCount, concurrentMark+1)
		}
	})

	// Step 5: Close and verify late marks are rejected
	t.Run("CloseSession", func(t *testing.T) {
		resp := do(t, http.MethodPost, "/instructor"+sessionPath("/close"), nil, instructorToken)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", resp.StatusCode, readBody(resp))
		}

		late := studentToken(t, "e2e-late")
		if got := mark(t, sessionPath("/present"), late, http.StatusConflict); got != model.MarkSessionExpired {
			t.Errorf("late result = %s", got)
		}
	})
}

// Helpers

func studentToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(service.TokenTypeStudent, userID)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func mark(t *testing.T, path, token string, wantStatus int) model.MarkResult {
	t.Helper()
	resp := do(t, http.MethodPost, "/student"+path, nil, token)
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Errorf("mark status %d, want %d", resp.StatusCode, wantStatus)
	}
	var body struct {
		Data struct {
			Result model.MarkResult `json:"result"`
		} `json:"data"`
	}
	decodeJSON(t, resp, &body)
	return body.Data.Result
}

func do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// post is safe to call off the test goroutine; it reports only the status code.
func post(url, token string) int {
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("Authorization", "Bearer "+token)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}
