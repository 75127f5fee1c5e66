package external

import (
	"context"
	"fmt"
	"log/slog"

	"notifly/internal/types"
)

// StubSender implements Sender by logging calls and returning a predictable
// fake message ID. Used when APP_ENV=local so the workers can run without
// real provider credentials.
type StubSender struct {
	provider types.Provider
	logger   *slog.Logger
}

// NewStubSender creates a stub for the given provider.
func NewStubSender(provider types.Provider, logger *slog.Logger) *StubSender {
	return &StubSender{provider: provider, logger: logger}
}

func (s *StubSender) Provider() types.Provider {
	return s.provider
}

func (s *StubSender) Send(ctx context.Context, msg types.SendMessage) (string, error) {
	s.logger.InfoContext(ctx, "stub: Send called",
		"provider", string(s.provider),
		"channel", string(msg.Channel),
		"recipient", msg.Recipient,
		"notification_id", msg.NotificationID,
	)
	return fmt.Sprintf("msg_stub_%s", msg.NotificationID), nil
}

var _ Sender = (*StubSender)(nil)
