package external

import (
	"context"

	"notifly/internal/types"
)

// Sender abstracts a delivery provider for one channel. Implementations
// translate the SendMessage envelope into the vendor's wire format and
// return the provider's message ID for webhook correlation.
type Sender interface {
	// Provider returns the vendor identifier recorded on the notification
	// row ("sendgrid", "twilio", "fcm").
	Provider() types.Provider

	// Send transmits the message. The returned provider message ID keys
	// later status webhooks back to the notification record.
	Send(ctx context.Context, msg types.SendMessage) (providerMsgID string, err error)
}

// SenderRegistry routes a send message to the Sender for its channel.
type SenderRegistry interface {
	// SenderFor returns the Sender registered for the channel.
	// Returns an error if the channel has no configured provider.
	SenderFor(channel types.Channel) (Sender, error)
}
