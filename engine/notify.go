package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// NOTIFIER - One-way sink for user-facing events
// =============================================================================

// Notifier receives notifications after the unit that produced them commits.
// Delivery is fire-and-forget: nothing the sink does can fail the operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NopNotifier drops everything.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) {}

// LogNotifier writes each notification to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("notification",
		zap.Int64("notification_id", n.ID),
		zap.String("user_id", string(n.UserID)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
		zap.String("reference_id", n.ReferenceID),
		zap.String("reference_type", string(n.ReferenceType)),
	)
}

// RecordingNotifier keeps every notification in memory.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *RecordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// Sent returns a copy of what has been delivered so far.
func (r *RecordingNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// For returns the notifications delivered to one user.
func (r *RecordingNotifier) For(userID UserID) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
