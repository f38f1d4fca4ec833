package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/khanghh/identcore/params"
)

type Message struct {
	Subject string
	Body    string
}

// Sender delivers a message to an email address or phone number.
type Sender interface {
	Send(ctx context.Context, destination string, message *Message) error
}

// LogSender drops messages after logging their destination. Message bodies
// carry codes and are never logged.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, destination string, message *Message) error {
	slog.Info("Notification suppressed", "destination", destination, "subject", message.Subject)
	return nil
}

// Dispatch sends message in the background. Delivery failures are logged and
// never reach the caller.
func Dispatch(ctx context.Context, sender Sender, destination string, message *Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), params.NotificationSendTimeout)
	go func() {
		defer cancel()
		start := time.Now()
		if err := sender.Send(ctx, destination, message); err != nil {
			slog.Error("Failed to send notification", "subject", message.Subject, "elapsed", time.Since(start), "error", err)
		}
	}()
}
