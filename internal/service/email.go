package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/templui/authmail/internal/logger"
	"github.com/templui/authmail/internal/metrics"
	"github.com/templui/authmail/internal/model"
	"github.com/templui/authmail/internal/service/delivery"
	"github.com/templui/authmail/internal/validation"
)

// Sender delivers a rendered code email. *delivery.Pipeline implements it.
type Sender interface {
	Send(ctx context.Context, req delivery.Request) (*delivery.Receipt, error)
}

// EmailService issues a code and emails it to the user.
type EmailService struct {
	authCodes *AuthCodeService
	sender    Sender
	limiter   IssueLimiter
	metrics   *metrics.Metrics
}

func NewEmailService(authCodes *AuthCodeService, sender Sender, limiter IssueLimiter, m *metrics.Metrics) *EmailService {
	if limiter == nil {
		limiter = NoopIssueLimiter{}
	}
	return &EmailService{
		authCodes: authCodes,
		sender:    sender,
		limiter:   limiter,
		metrics:   m,
	}
}

func (s *EmailService) SendConfirmationEmail(ctx context.Context, email, userID string) (*delivery.Receipt, error) {
	return s.send(ctx, email, userID, model.CodeTypeEmailConfirmation)
}

func (s *EmailService) SendPasswordResetEmail(ctx context.Context, email, userID string) (*delivery.Receipt, error) {
	return s.send(ctx, email, userID, model.CodeTypePasswordReset)
}

func (s *EmailService) send(ctx context.Context, email, userID string, codeType model.CodeType) (*delivery.Receipt, error) {
	email = strings.TrimSpace(email)
	userID = strings.TrimSpace(userID)
	masked := logger.MaskEmail(email)

	if err := validation.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if err := s.limiter.Allow(ctx, userID, codeType); err != nil {
		if errors.Is(err, ErrTooManyRequests) {
			slog.Warn("code request throttled", "user_id", userID, "type", codeType, "to", masked, "error", err)
			s.metrics.Delivery(string(codeType), "throttled")
			return nil, err
		}
		// A broken limiter backend should not lock users out.
		slog.Error("issue limiter unavailable, allowing request", "error", err, "user_id", userID, "type", codeType)
	}

	code, err := s.authCodes.GenerateAuthCode(ctx, userID, codeType, 0)
	if err != nil {
		return nil, err
	}

	receipt, err := s.sender.Send(ctx, delivery.Request{To: email, Type: codeType, Code: code})
	if err != nil {
		// An undeliverable code must not stay valid.
		if _, revokeErr := s.authCodes.InvalidateAuthCode(context.WithoutCancel(ctx), code); revokeErr != nil {
			slog.Error("failed to revoke undelivered code", "error", revokeErr, "user_id", userID, "type", codeType)
		}
		slog.Error("code email not delivered", "error", err, "user_id", userID, "type", codeType, "to", masked)
		if !errors.Is(err, delivery.ErrDeliveryFailed) {
			err = &delivery.FailedError{Kind: delivery.KindOf(err), Err: err}
		}
		return nil, err
	}

	slog.Info("code email sent", "user_id", userID, "type", codeType, "to", masked, "message_id", receipt.MessageID, "attempts", receipt.Attempts)
	return receipt, nil
}
