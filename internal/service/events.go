package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/config"
)

// PresenceEventType tags presence events on the wire.
const PresenceEventType = "presence"

// PresenceEvent announces that a student was added to a session's presence set.
type PresenceEvent struct {
	Type     string    `json:"type"`
	CourseID string    `json:"course_id"`
	ClassID  string    `json:"class_id"`
	UserID   string    `json:"user_id"`
	MarkedAt time.Time `json:"marked_at"`
}

// PresenceBus fans presence events out to live monitors.
// Subscribe returns once the subscription is live, so every event published after it
// returns is delivered. The channel is closed when ctx ends or the stop func runs.
type PresenceBus interface {
	Publish(ctx context.Context, ev PresenceEvent) error
	Subscribe(ctx context.Context, classID string) (<-chan PresenceEvent, func(), error)
}

// ─── Redis ──────────────────────────────────────────────────────────────────

// RedisPresenceBus publishes events on a per-session Pub/Sub channel so every
// server instance's monitors see every mark.
type RedisPresenceBus struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisPresenceBus creates a new RedisPresenceBus.
func NewRedisPresenceBus(rdb *redis.Client, log zerolog.Logger) *RedisPresenceBus {
	return &RedisPresenceBus{
		rdb: rdb,
		log: log.With().Str("component", "presence_bus").Logger(),
	}
}

// Publish sends ev to the session's channel.
func (b *RedisPresenceBus) Publish(ctx context.Context, ev PresenceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, config.CacheKey.AttendancePresenceChannel(ev.ClassID), payload).Err()
}

// Subscribe listens on the session's channel until ctx ends or stop is called. It waits
// for Redis to confirm the subscription before returning.
func (b *RedisPresenceBus) Subscribe(ctx context.Context, classID string) (<-chan PresenceEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	channel := config.CacheKey.AttendancePresenceChannel(classID)
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		cancel()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan PresenceEvent, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed presence event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// ─── In-process ─────────────────────────────────────────────────────────────

// MemoryPresenceBus delivers events to subscribers in the same process. Slow
// subscribers drop events rather than block publishers.
type MemoryPresenceBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan PresenceEvent // class_id -> subscriber id -> channel
}

// NewMemoryPresenceBus creates a new MemoryPresenceBus.
func NewMemoryPresenceBus() *MemoryPresenceBus {
	return &MemoryPresenceBus{subs: make(map[string]map[int]chan PresenceEvent)}
}

// Publish delivers ev to every current subscriber of its session.
func (b *MemoryPresenceBus) Publish(ctx context.Context, ev PresenceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.ClassID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for classID.
func (b *MemoryPresenceBus) Subscribe(ctx context.Context, classID string) (<-chan PresenceEvent, func(), error) {
	ch := make(chan PresenceEvent, 16)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[classID] == nil {
		b.subs[classID] = make(map[int]chan PresenceEvent)
	}
	b.subs[classID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[classID], id)
			if len(b.subs[classID]) == 0 {
				delete(b.subs, classID)
			}
			close(ch)
			b.mu.Unlock()
			close(stopped)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()
	return ch, stop, nil
}
