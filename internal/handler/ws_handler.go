package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
	ws "github.com/stemsi/academy-attendance/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a session countdown to a student and accepts in-band marks.
type WSHandler struct {
	lifecycle *service.LifecycleService
	presence  *service.PresenceService
	feed      *service.CountdownFeed
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	lifecycle *service.LifecycleService,
	presence *service.PresenceService,
	feed *service.CountdownFeed,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		lifecycle: lifecycle,
		presence:  presence,
		feed:      feed,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// CountdownStream godoc
// WS /ws/v1/student/courses/:course_id/attendance/:class_id/countdown
// Emits a countdown event per tick and a final expired event, then closes.
func (h *WSHandler) CountdownStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	session, err := h.lifecycle.GetSession(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewSafeConn(raw)

	wsLog := h.log.With().
		Str("user_id", claims.UserID).
		Str("class_id", key.ClassID).
		Logger()
	wsLog.Info().Msg("Student connected")

	// A hijacked connection's request context does not end on disconnect; the reader does.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		h.readActions(ctx, conn, wsLog, key, claims.UserID)
	}()

	for tick := range h.feed.Remaining(ctx, session) {
		var msg interface{}
		if tick.Expired {
			msg = ws.ExpiredResponse{Event: ws.EventExpired, ClassID: key.ClassID}
		} else {
			msg = ws.CountdownResponse{
				Event:            ws.EventCountdown,
				ClassID:          key.ClassID,
				RemainingSeconds: tick.Seconds(),
				ServerTime:       h.lifecycle.Now().UTC().Format(response.TimestampFormat),
			}
		}
		if err := conn.WriteTyped(msg); err != nil {
			wsLog.Debug().Err(err).Msg("Countdown write failed")
			break
		}
	}

	conn.Close()
	<-readerDone
	wsLog.Debug().Msg("Countdown stream finished")
}

// actionConn is the part of a student connection the action reader uses.
type actionConn interface {
	ReadJSON(v interface{}) error
	WriteTyped(v interface{}) error
	WriteError(errMsg string) error
}

// readActions serves student actions until the connection fails to read or to take a reply.
func (h *WSHandler) readActions(ctx context.Context, conn actionConn, wsLog zerolog.Logger, key model.SessionKey, userID string) {
	for {
		var msg ws.RequestEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var err error
		switch msg.Action {
		case ws.ActionMarkPresent:
			result, _ := h.presence.MarkPresent(ctx, key, userID)
			err = conn.WriteTyped(ws.MarkedResponse{Event: ws.EventMarked, Result: result})
		case ws.ActionPing:
			err = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			err = conn.WriteError("unknown action: " + string(msg.Action))
		}
		if err != nil {
			wsLog.Debug().Err(err).Str("action", string(msg.Action)).Msg("Reply write failed")
			return
		}
	}
}
