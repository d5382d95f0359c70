package config

import (
	"fmt"
	"time"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttendancePresenceChannel returns the Redis PubSub channel carrying presence marks for a session
func (r *CacheKeyStruct) AttendancePresenceChannel(classID string) string {
	return fmt.Sprintf("attendance:%s:presence", classID)
}

// MarkRateLimitKey returns the counter key for a user's presence writes in the window containing now
func (r *CacheKeyStruct) MarkRateLimitKey(userID string, now time.Time, window time.Duration) string {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("ratelimit:mark:%s:%d", userID, now.Unix()/secs)
}

var CacheKey = NewCacheKeyStruct()
