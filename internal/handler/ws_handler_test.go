package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/service"
	ws "github.com/stemsi/academy-attendance/internal/websocket"
)

type wsMessage struct {
	Event            ws.Event         `json:"event"`
	RemainingSeconds int64            `json:"remaining_seconds"`
	Result           model.MarkResult `json:"result"`
	Error            string           `json:"error"`
}

// nextEvent reads until an event of the given type arrives, skipping countdown ticks.
func nextEvent(t *testing.T, conn *websocket.Conn, want ws.Event) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Event == want {
			return msg
		}
		if msg.Event != ws.EventCountdown {
			t.Fatalf("got %+v while waiting for %s", msg, want)
		}
	}
}

func TestCountdownStream(t *testing.T) {
	e := newTestEnv(t)
	s := e.openSession(t, 5)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		sessionPath("/ws/v1/student", s, "/countdown") + "?token=" + e.token(t, service.TokenTypeStudent, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := nextEvent(t, conn, ws.EventCountdown)
	if first.RemainingSeconds != 300 {
		t.Errorf("first countdown = %d, want 300", first.RemainingSeconds)
	}

	if err := conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, conn, ws.EventPong)

	if err := conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionMarkPresent}); err != nil {
		t.Fatal(err)
	}
	if got := nextEvent(t, conn, ws.EventMarked); got.Result != model.MarkOK {
		t.Errorf("mark result = %s", got.Result)
	}

	if err := conn.WriteJSON(ws.RequestEnvelope{Action: "teleport"}); err != nil {
		t.Fatal(err)
	}
	if got := nextEvent(t, conn, ws.EventError); !strings.Contains(got.Error, "teleport") {
		t.Errorf("error = %q", got.Error)
	}

	e.clk.Advance(5 * time.Minute)
	nextEvent(t, conn, ws.EventExpired)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("stream kept going after expiry: %+v", msg)
	}
}

func TestCountdownStreamUnknownSession(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws/v1/student/courses/" + testCourse + "/attendance/missing/countdown?token=" + e.token(t, service.TokenTypeStudent, "alice")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

// brokenReplyConn serves queued actions but cannot deliver any reply.
type brokenReplyConn struct {
	actions []ws.Action
	reads   int
}

func (c *brokenReplyConn) ReadJSON(v interface{}) error {
	if c.reads == len(c.actions) {
		return io.EOF
	}
	v.(*ws.RequestEnvelope).Action = c.actions[c.reads]
	c.reads++
	return nil
}

func (c *brokenReplyConn) WriteTyped(v interface{}) error { return errors.New("write: broken pipe") }

func (c *brokenReplyConn) WriteError(string) error { return errors.New("write: broken pipe") }

func TestReadActionsStopsOnReplyWriteFailure(t *testing.T) {
	e := newTestEnv(t)
	s := e.openSession(t, 5)
	var logs bytes.Buffer
	h := NewWSHandler(e.lifecycle, e.presence, e.feed, zerolog.Nop(), nil)

	conn := &brokenReplyConn{actions: []ws.Action{ws.ActionMarkPresent, ws.ActionPing}}
	h.readActions(context.Background(), conn, zerolog.New(&logs).Level(zerolog.DebugLevel), s.Key(), "alice")

	if conn.reads != 1 {
		t.Errorf("reads = %d, want 1: the reader must stop once a reply cannot be written", conn.reads)
	}
	if !strings.Contains(logs.String(), "Reply write failed") || !strings.Contains(logs.String(), "broken pipe") {
		t.Errorf("write failure not logged: %s", logs.String())
	}
	got, err := e.lifecycle.GetSession(context.Background(), s.Key())
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasAttendee("alice") {
		t.Error("mark committed before the failed reply was lost")
	}
}
