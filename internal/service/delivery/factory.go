package delivery

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/templui/authmail/internal/config"
)

const (
	ProviderResend = "resend"
	ProviderAzure  = "azure"
	ProviderLog    = "log"
)

// NewTransport creates the email transport selected by EMAIL_PROVIDER.
func NewTransport(cfg *config.Config) (Transport, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	if provider == "" {
		provider = ProviderLog
	}

	slog.Info("initializing email transport", "provider", provider)

	switch provider {
	case ProviderResend:
		t, err := NewResendTransport(ResendOptions{
			APIKey: cfg.ResendAPIKey,
			From:   senderAddress(cfg.EmailFromName, cfg.EmailFrom),
		})
		if err != nil {
			return nil, err
		}
		return t, nil

	case ProviderAzure:
		t, err := NewAzureTransport(AzureOptions{
			Endpoint:  cfg.AzureEmailEndpoint,
			AccessKey: cfg.AzureEmailKey,
			From:      cfg.EmailFrom,
		})
		if err != nil {
			return nil, err
		}
		return t, nil

	case ProviderLog:
		return LogTransport{}, nil

	default:
		return nil, NewError(KindConfiguration, fmt.Sprintf("unknown email provider: %s (supported: resend, azure, log)", provider), nil)
	}
}

func senderAddress(name, addr string) string {
	if name == "" || addr == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
