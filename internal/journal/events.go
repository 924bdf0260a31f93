package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventTail mirrors recent run events into a capped Redis stream so
// GET /runs/{id}/events can serve the hot path without round-tripping
// to Postgres for every poll. PostgresJournal remains the system of
// record; this is a cache with its own trim policy.
type EventTail struct {
	rdb       *redis.Client
	maxLength int64
}

func NewEventTail(rdb *redis.Client) *EventTail {
	return &EventTail{rdb: rdb, maxLength: 1000}
}

func eventsStreamKey(runID string) string {
	return fmt.Sprintf("events:%s", runID)
}

// Publish appends an event to the run's tail stream, trimming to the
// most recent maxLength entries.
func (t *EventTail) Publish(ctx context.Context, runID string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: marshal tail event: %w", err)
	}
	err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventsStreamKey(runID),
		MaxLen: t.maxLength,
		Approx: true,
		Values: map[string]any{"payload": data, "at": at.UnixMilli()},
	}).Err()
	if err != nil {
		return fmt.Errorf("journal: publish tail event: %w", err)
	}
	return nil
}

// Tail returns up to limit of the most recent events for a run, newest
// last (chronological), read straight from the capped stream.
func (t *EventTail) Tail(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := t.rdb.XRevRangeN(ctx, eventsStreamKey(runID), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("journal: read tail: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		payloadStr, _ := m.Values["payload"].(string)
		var at time.Time
		if atStr, ok := m.Values["at"].(string); ok {
			var ms int64
			if _, err := fmt.Sscanf(atStr, "%d", &ms); err == nil {
				at = time.UnixMilli(ms)
			}
		}
		events = append(events, Event{RunID: runID, Payload: json.RawMessage(payloadStr), At: at})
	}
	for i, k := 0, len(events)-1; i < k; i, k = i+1, k-1 {
		events[i], events[k] = events[k], events[i]
	}
	return events, nil
}
