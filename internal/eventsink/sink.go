// Package eventsink publishes lifecycle events (node state transitions,
// execution errors, group outcomes) to a Redis pub/sub channel for
// external observers. It is a sink only — never a source of truth; the
// daemon's own in-memory state (internal/lcm, internal/health) is always
// authoritative, and nothing here is read back to reconstruct state after
// a restart (persistence across boot is an explicit non-goal).
package eventsink

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	redisclient "github.com/score-lcm/lifecyclemgrd/redis"
)

// Event is one published lifecycle occurrence.
type Event struct {
	Kind      string    `json:"kind"` // "node_state" | "group_outcome" | "execution_error"
	Group     string    `json:"group,omitempty"`
	Proc      string    `json:"proc,omitempty"`
	State     string    `json:"state,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Code      int32     `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink publishes Events to a Redis channel, best-effort: a publish failure
// is logged and dropped, never retried. Publish runs synchronously in the
// caller's goroutine, so the caller waits for the round-trip, bounded by the
// publish timeout; a flaky Redis connection delays the caller by at most
// that timeout per event.
//
// Grounded on redis/client.go (connection wrapper, ping diagnostics) reused
// unchanged, and internal/service/channel_summary.go's singleflight-backed
// cache, generalized here from "collapse concurrent reads of the same
// summary" to "collapse concurrent publishes of the same (kind, proc)":
// several goroutines publishing the same kind of event for the same process
// at once produce one network round-trip, not one per caller. Events of
// different kinds (a node_state event and an execution_error event for the
// same process) use different keys and are published separately.
type Sink struct {
	log     *zap.Logger
	client  *redisclient.Client
	channel string

	sf singleflight.Group
}

// NewSink constructs a Sink publishing to channel over client.
func NewSink(log *zap.Logger, client *redisclient.Client, channel string) *Sink {
	return &Sink{
		log:     log.Named("eventsink"),
		client:  client,
		channel: channel,
	}
}

// Publish best-effort publishes ev, coalescing concurrent overlapping
// publishes of the same (Kind, Proc) pair into one round-trip.
func (s *Sink) Publish(ctx context.Context, ev Event) {
	key := ev.Kind + "|" + ev.Proc
	_, _, _ = s.sf.Do(key, func() (interface{}, error) {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.log.Warn("event marshal failed", zap.Error(err))
			return nil, nil
		}
		pubCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		if err := s.client.Publish(pubCtx, s.channel, payload).Err(); err != nil {
			s.log.Warn("event publish failed", zap.String("kind", ev.Kind), zap.Error(err))
		}
		return nil, nil
	})
}
