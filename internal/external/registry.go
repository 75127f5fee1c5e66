package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notifly/internal/config"
	"notifly/internal/types"
)

// ClientRegistry holds one Sender per delivery channel. It is the single
// point of access for workers to reach third-party providers (SendGrid,
// Twilio, FCM). In local mode it is populated with stub implementations
// that log actions without requiring real credentials.
type ClientRegistry struct {
	senders map[types.Channel]Sender
}

// SenderFor returns the Sender registered for the channel.
func (r *ClientRegistry) SenderFor(channel types.Channel) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidChannel,
			fmt.Sprintf("no delivery provider configured for channel %q", channel),
			nil,
		)
	}
	return s, nil
}

// NewClientRegistry initializes the delivery provider clients.
// If cfg.Environment is "local", the registry is populated with Stub
// implementations that log actions without requiring real credentials.
// Otherwise, real client implementations are initialized with strict
// per-provider timeouts.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Environment == "local" {
		logger.Info("initializing delivery providers in STUB mode",
			"environment", cfg.Environment,
		)
		return newStubRegistry(logger), nil
	}

	logger.Info("initializing delivery providers in PRODUCTION mode",
		"environment", cfg.Environment,
	)
	return newProductionRegistry(cfg, logger), nil
}

// newStubRegistry creates a ClientRegistry populated entirely with stub
// senders. This allows the workers to run locally without any provider
// credentials.
func newStubRegistry(logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")

	return &ClientRegistry{
		senders: map[types.Channel]Sender{
			types.ChannelEmail: NewStubSender(types.ProviderSendGrid, stubLogger),
			types.ChannelSMS:   NewStubSender(types.ProviderTwilio, stubLogger),
			types.ChannelPush:  NewStubSender(types.ProviderFCM, stubLogger),
		},
	}
}

// newProductionRegistry creates a ClientRegistry with real provider clients
// configured with strict timeouts and resilience patterns.
func newProductionRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	// A slow provider must not stall a worker past its visibility timeout.
	httpTimeout := 10 * time.Second

	email := NewSendGridClient(&http.Client{Timeout: httpTimeout}, SendGridClientConfig{
		APIKey:      cfg.Email.SendGridAPIKey.Unmask(),
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		Logger:      logger.With("client", "sendgrid"),
	})

	sms := NewTwilioClient(&http.Client{Timeout: httpTimeout}, TwilioClientConfig{
		AccountSID:        cfg.SMS.TwilioAccountSID,
		AuthToken:         cfg.SMS.TwilioAuthToken.Unmask(),
		FromNumber:        cfg.SMS.FromNumber,
		StatusCallbackURL: cfg.Server.APIExternalURL + "/v1/webhooks/sms",
		Logger:            logger.With("client", "twilio"),
	})

	push := NewFCMClient(&http.Client{Timeout: httpTimeout}, FCMClientConfig{
		ServerKey: cfg.Push.FCMServerKey.Unmask(),
		Endpoint:  cfg.Push.Endpoint,
		Logger:    logger.With("client", "fcm"),
	})

	return &ClientRegistry{
		senders: map[types.Channel]Sender{
			types.ChannelEmail: email,
			types.ChannelSMS:   sms,
			types.ChannelPush:  push,
		},
	}
}

var _ SenderRegistry = (*ClientRegistry)(nil)
