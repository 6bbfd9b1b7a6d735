// Package dispatch fans out state-change notifications across channels.
// Push is the primary channel; SMS is reserved for critical types. Each
// channel attempt is independent: one provider failing never blocks the
// others, and the aggregated history write is best-effort.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityCritical Priority = "critical"
)

// Types that may go out over SMS when the user has SMS enabled.
var criticalTypes = map[string]bool{
	"emergency":      true,
	"payment_failed": true,
}

type Payload struct {
	TargetUserID string            `json:"target_user_id"`
	Type         string            `json:"type"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Data         map[string]string `json:"data,omitempty"`
	Channels     []Channel         `json:"channels,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
}

type DeliveryResult struct {
	Channel   Channel   `json:"channel"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider sends one payload over one channel. Implementations wrap a
// transport (FCM, Expo, an SMS gateway, a websocket session).
type Provider interface {
	Send(ctx context.Context, target string, p Payload) (messageID string, err error)
}

// Preferences are the stored per-user channel switches.
type Preferences struct {
	PushEnabled bool
	SMSEnabled  bool
}

type PreferenceStore interface {
	Preferences(ctx context.Context, userID string) (Preferences, error)
}

// StaticPreferences returns the same preferences for every user; the
// default for deployments without a preference backend.
type StaticPreferences struct{ Prefs Preferences }

func (s StaticPreferences) Preferences(ctx context.Context, userID string) (Preferences, error) {
	return s.Prefs, nil
}

type Dispatcher struct {
	Providers map[Channel]Provider
	Prefs     PreferenceStore
	History   storage.HistoryStore
	Clock     clock.Clock
	Logger    *slog.Logger
}

func NewDispatcher(providers map[Channel]Provider, prefs PreferenceStore, history storage.HistoryStore, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if prefs == nil {
		prefs = StaticPreferences{Prefs: Preferences{PushEnabled: true}}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{Providers: providers, Prefs: prefs, History: history, Clock: clk, Logger: logger}
}

// Dispatch attempts every resolved channel and returns one result per
// attempt. It never returns an error: transport failures are reported
// inside the results.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) []DeliveryResult {
	channels := p.Channels
	if len(channels) == 0 {
		channels = d.resolveChannels(ctx, p)
	}

	results := make([]DeliveryResult, 0, len(channels))
	for _, ch := range channels {
		results = append(results, d.attempt(ctx, ch, p))
	}

	d.recordHistory(ctx, p, results)
	return results
}

func (d *Dispatcher) resolveChannels(ctx context.Context, p Payload) []Channel {
	prefs, err := d.Prefs.Preferences(ctx, p.TargetUserID)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("preference lookup failed, defaulting to push", "user_id", p.TargetUserID, "error", err)
		}
		return []Channel{ChannelPush}
	}
	var out []Channel
	if prefs.PushEnabled {
		out = append(out, ChannelPush)
	}
	if prefs.SMSEnabled && (criticalTypes[p.Type] || p.Priority == PriorityCritical) {
		out = append(out, ChannelSMS)
	}
	if len(out) == 0 {
		out = []Channel{ChannelPush}
	}
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, p Payload) DeliveryResult {
	res := DeliveryResult{Channel: ch, Timestamp: d.Clock.Now()}
	prov, ok := d.Providers[ch]
	if !ok {
		res.Error = "no provider configured"
		observability.NotificationsTotal.WithLabelValues(string(ch), "failure").Inc()
		return res
	}
	id, err := prov.Send(ctx, p.TargetUserID, p)
	if err != nil {
		res.Error = err.Error()
		observability.NotificationsTotal.WithLabelValues(string(ch), "failure").Inc()
		if d.Logger != nil {
			d.Logger.Warn("notification send failed", "channel", string(ch), "user_id", p.TargetUserID, "error", err)
		}
		return res
	}
	res.Success = true
	res.MessageID = id
	observability.NotificationsTotal.WithLabelValues(string(ch), "success").Inc()
	return res
}

func (d *Dispatcher) recordHistory(ctx context.Context, p Payload, results []DeliveryResult) {
	if d.History == nil {
		return
	}
	h := models.NotificationHistory{
		UserID:    p.TargetUserID,
		Type:      p.Type,
		Title:     p.Title,
		Message:   p.Message,
		Delivered: make(map[string]bool, len(results)),
		SentAt:    make(map[string]time.Time, len(results)),
		CreatedAt: d.Clock.Now(),
	}
	for _, r := range results {
		h.Delivered[string(r.Channel)] = r.Success
		if r.Success {
			h.SentAt[string(r.Channel)] = r.Timestamp
		}
	}
	if err := d.History.AppendHistory(ctx, h); err != nil && d.Logger != nil {
		// History is a side-write; the notification call already happened.
		d.Logger.Warn("notification history write failed", "user_id", p.TargetUserID, "error", err)
	}
}
