// Package events is a synchronous in-process bus for hub lifecycle
// events. Events are persisted to the HubDB event collection and can be
// fanned out over NATS for external observers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/bioforge/datahub/internal/hubdb"
	"github.com/bioforge/datahub/internal/logfields"
)

// Event is one hub lifecycle notification.
type Event struct {
	ID        string         `json:"_id"`
	Type      string         `json:"type"` // e.g. dump_started, build_done
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler processes an Event; returning an error only logs it, handlers
// cannot veto publication.
type Handler func(Event)

// Bus delivers events to subscribers synchronously, persists them, and
// optionally republishes over NATS.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler

	col    hubdb.Collection // optional persistence
	nc     *nats.Conn       // optional fan-out
	prefix string
}

// NewBus creates a bus with no persistence or fan-out.
func NewBus() *Bus { return &Bus{subscribers: map[string][]Handler{}} }

// WithStore persists published events into the given HubDB collection.
func (b *Bus) WithStore(col hubdb.Collection) *Bus {
	b.col = col
	return b
}

// WithNATS republishes events on "<prefix>.<type>".
func (b *Bus) WithNATS(url, prefix string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	b.nc = nc
	b.prefix = prefix
	return b, nil
}

// Subscribe registers a handler for a given event type. The empty type
// subscribes to everything.
func (b *Bus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], h)
	b.mu.Unlock()
}

// Publish records and delivers an event. Persistence and fan-out failures
// are logged, never propagated; the hub must not fail because observers do.
func (b *Bus) Publish(ctx context.Context, eventType, source string, fields map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	if b.col != nil {
		rec := hubdb.Record{
			"_id":       ev.ID,
			"type":      ev.Type,
			"source":    ev.Source,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		}
		if len(fields) > 0 {
			rec["fields"] = fields
		}
		if err := b.col.InsertOne(ctx, rec); err != nil {
			slog.Warn("Failed to persist hub event", logfields.Error(err), slog.String("type", ev.Type))
		}
	}

	if b.nc != nil {
		if payload, err := json.Marshal(ev); err == nil {
			if err := b.nc.Publish(b.prefix+"."+ev.Type, payload); err != nil {
				slog.Warn("Failed to publish hub event to NATS", logfields.Error(err), slog.String("type", ev.Type))
			}
		}
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[ev.Type]...)
	hs = append(hs, b.subscribers[""]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Close drains the NATS connection if one is configured.
func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
