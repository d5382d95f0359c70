package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/model"
	"github.com/stemsi/academy-attendance/internal/response"
	"github.com/stemsi/academy-attendance/internal/service"
)

const keepAliveInterval = 30 * time.Second

// MonitorHandler streams live attendance of one session to an instructor.
type MonitorHandler struct {
	lifecycle *service.LifecycleService
	feed      *service.CountdownFeed
	bus       service.PresenceBus
	log       zerolog.Logger

	keepAlive time.Duration
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(
	lifecycle *service.LifecycleService,
	feed *service.CountdownFeed,
	bus service.PresenceBus,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		lifecycle: lifecycle,
		feed:      feed,
		bus:       bus,
		log:       log.With().Str("component", "monitor_handler").Logger(),
		keepAlive: keepAliveInterval,
	}
}

// MonitorSessionSSE godoc
// GET /api/v1/instructor/courses/:course_id/attendance/:class_id/monitor
// Sends a snapshot, then one event per new attendee, an expired event when the
// window closes, and periodic pings.
func (h *MonitorHandler) MonitorSessionSSE(c *gin.Context) {
	key, ok := sessionKeyParam(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	// Subscribe before reading the snapshot so a mark committed in between reaches the
	// snapshot or the stream. Events for attendees already in the snapshot are skipped.
	events, stop, err := h.bus.Subscribe(reqCtx, key.ClassID)
	if err != nil {
		h.log.Error().Err(err).Str("class_id", key.ClassID).Msg("Failed to subscribe to presence events")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
		return
	}
	defer stop()

	session, err := h.lifecycle.GetSession(reqCtx, key)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable)
		return
	}

	seen := make(map[string]struct{}, len(session.StudentsPresent))
	for _, id := range session.StudentsPresent {
		seen[id] = struct{}{}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": model.NewInstructorSessionView(session, h.lifecycle.Now()),
	})
	c.Writer.Flush()

	countdown := h.feed.Remaining(reqCtx, session)

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("class_id", key.ClassID).Msg("Instructor attached to attendance monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("class_id", key.ClassID).Msg("Instructor detached from attendance monitor")
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if _, dup := seen[ev.UserID]; dup {
				continue
			}
			seen[ev.UserID] = struct{}{}
			c.SSEvent("message", ev)
			c.Writer.Flush()

		case tick, ok := <-countdown:
			if !ok {
				countdown = nil
				continue
			}
			if tick.Expired {
				c.SSEvent("message", gin.H{"type": "expired", "class_id": key.ClassID})
				c.Writer.Flush()
				countdown = nil
			}

		case <-keepAliveTicker.C:
			c.SSEvent("message", gin.H{"type": "ping"})
			c.Writer.Flush()
		}
	}
}
