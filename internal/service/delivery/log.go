package delivery

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/templui/authmail/internal/logger"
)

// LogTransport only logs messages. Used in development.
type LogTransport struct{}

func (LogTransport) Name() string {
	return "log"
}

func (LogTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	id := "dev_" + uuid.New().String()
	slog.Info("email sent (dev mode)",
		"to", logger.MaskEmail(msg.To),
		"subject", msg.Subject,
		"message_id", id,
		"text_bytes", len(msg.Text),
		"html_bytes", len(msg.HTML),
	)
	return Receipt{MessageID: id}, nil
}
