package relation

import (
	"time"

	"github.com/artpar/relsync/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NoticeKind identifies what a Notification reports.
type NoticeKind string

const (
	NoticeAuthRequired NoticeKind = "auth_required"
	NoticeActivated    NoticeKind = "activated"
	NoticeDeactivated  NoticeKind = "deactivated"
	NoticeError        NoticeKind = "error"
)

// Notification is a user-visible message produced by a toggle.
type Notification struct {
	ID       string
	Relation string
	EntityID string
	Kind     NoticeKind
	// Error is the failure class, set only when Kind is NoticeError.
	Error   remote.Kind
	Message string
	Time    time.Time
}

// Notifier receives toggle notifications.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to a zap logger. A nil Logger discards
// them.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs n at a level matching its kind.
func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{
		zap.String("id", n.ID),
		zap.String("relation", n.Relation),
		zap.String("entity", n.EntityID),
		zap.String("kind", string(n.Kind)),
	}
	switch n.Kind {
	case NoticeError:
		logger.Error(n.Message, append(fields, zap.Stringer("error_kind", n.Error))...)
	case NoticeAuthRequired:
		logger.Warn(n.Message, fields...)
	default:
		logger.Info(n.Message, fields...)
	}
}

// MultiNotifier fans a notification out to several notifiers in order.
type MultiNotifier []Notifier

// Notify delivers n to every notifier.
func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		notifier.Notify(n)
	}
}

// ErrorMessage returns the user-facing text for a failure class.
func ErrorMessage(kind remote.Kind) string {
	switch kind {
	case remote.KindNetwork:
		return "Network error. Check your connection and try again."
	case remote.KindAuthExpired:
		return "Your session has expired. Please sign in again."
	case remote.KindNotFound:
		return "This item no longer exists."
	case remote.KindServer:
		return "Server error. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}

func newNotification(relation, entityID string, kind NoticeKind, message string) Notification {
	return Notification{
		ID:       uuid.NewString(),
		Relation: relation,
		EntityID: entityID,
		Kind:     kind,
		Message:  message,
		Time:     time.Now(),
	}
}
