// Package notify delivers operator alerts to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level grades an alert.
type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// Alert is a message for a human operator.
type Alert struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text renders the alert as a single chat message.
func (a Alert) Text() string {
	s := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	if a.TaskID != "" {
		s += " task=" + a.TaskID
	}
	if a.AgentID != "" {
		s += " agent=" + a.AgentID
	}
	if a.Detail != "" {
		s += "\n" + a.Detail
	}
	return s
}

// Adapter posts alerts to one platform.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Notify(ctx context.Context, a Alert) error
	Close() error
}

// Record is one delivered alert kept for the status API.
type Record struct {
	Alert   Alert    `json:"alert"`
	Targets []string `json:"targets"`
	Failed  []string `json:"failed,omitempty"`
}

const defaultHistory = 200

// Broadcaster fans alerts out to every adapter and keeps recent history.
// It works with zero adapters, in which case alerts are only logged and
// recorded.
type Broadcaster struct {
	adapters []Adapter
	history  []Record
	limit    int
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewBroadcaster creates a broadcaster with no adapters.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{limit: defaultHistory, logger: logger}
}

// Register adds an adapter.
func (b *Broadcaster) Register(a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters = append(b.adapters, a)
	b.logger.Info("registered notify adapter", zap.String("platform", a.Platform()))
}

// ConnectAll connects every adapter, stopping at the first failure.
func (b *Broadcaster) ConnectAll(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.adapters {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.Platform(), err)
		}
		b.logger.Info("notify adapter connected", zap.String("platform", a.Platform()))
	}
	return nil
}

// Send delivers a to every adapter. Delivery errors are joined; the alert
// is recorded either way.
func (b *Broadcaster) Send(ctx context.Context, a Alert) error {
	if a.Title == "" {
		return fmt.Errorf("alert title is required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Level == "" {
		a.Level = Info
	}

	b.logger.Info("operator alert",
		zap.String("level", string(a.Level)),
		zap.String("title", a.Title),
		zap.String("task", a.TaskID),
		zap.String("agent", a.AgentID))

	b.mu.RLock()
	adapters := make([]Adapter, len(b.adapters))
	copy(adapters, b.adapters)
	b.mu.RUnlock()

	rec := Record{Alert: a, Targets: []string{}}
	var errs []error
	for _, ad := range adapters {
		rec.Targets = append(rec.Targets, ad.Platform())
		if err := ad.Notify(ctx, a); err != nil {
			b.logger.Warn("alert delivery failed",
				zap.String("platform", ad.Platform()), zap.Error(err))
			rec.Failed = append(rec.Failed, ad.Platform())
			errs = append(errs, err)
		}
	}

	b.mu.Lock()
	b.history = append(b.history, rec)
	if len(b.history) > b.limit {
		b.history = append([]Record(nil), b.history[len(b.history)-b.limit:]...)
	}
	b.mu.Unlock()

	return errors.Join(errs...)
}

// History returns up to limit of the most recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Record, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Close closes every adapter.
func (b *Broadcaster) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.adapters {
		if err := a.Close(); err != nil {
			b.logger.Error("notify adapter close failed",
				zap.String("platform", a.Platform()), zap.Error(err))
		}
	}
	return nil
}
