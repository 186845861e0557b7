package syncer

import (
	"fmt"

	"go.uber.org/zap"
)

// NoticeKind identifies a user-facing sync notice.
type NoticeKind string

const (
	NoticeQueuedOffline      NoticeKind = "queued_offline"
	NoticeQueuedAfterFailure NoticeKind = "queued_after_failure"
	NoticeSyncSucceeded      NoticeKind = "sync_succeeded"
	NoticeStillPending       NoticeKind = "still_pending"
)

// Notice is a soft, non-blocking message for the user.
type Notice struct {
	Kind  NoticeKind
	Count int
}

// Message renders the notice for display.
func (n Notice) Message() string {
	switch n.Kind {
	case NoticeQueuedOffline:
		return "You are offline. Changes are saved on this device and will sync when the connection returns."
	case NoticeQueuedAfterFailure:
		return "The change could not be sent. It was saved and will be retried."
	case NoticeSyncSucceeded:
		return fmt.Sprintf("%d pending change(s) synced.", n.Count)
	case NoticeStillPending:
		return fmt.Sprintf("%d change(s) still waiting to sync.", n.Count)
	}
	return string(n.Kind)
}

// Notifier receives sync notices.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(notice Notice) {
	f(notice)
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(notice Notice) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info(notice.Message(), zap.String("notice", string(notice.Kind)), zap.Int("count", notice.Count))
}

type noOpNotifier struct{}

func (noOpNotifier) Notify(Notice) {}
