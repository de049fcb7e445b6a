package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/logger"
	"github.com/templui/authmail/internal/metrics"
)

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 30 * time.Second
)

type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// Pipeline renders a code email and sends it, retrying transient failures
// according to its Classifier.
type Pipeline struct {
	renderer       Renderer
	transport      Transport
	classifier     Classifier
	clock          clock.Clock
	metrics        *metrics.Metrics
	maxAttempts    int
	attemptTimeout time.Duration
}

func NewPipeline(renderer Renderer, transport Transport, classifier Classifier, clk clock.Clock, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &Pipeline{
		renderer:       renderer,
		transport:      transport,
		classifier:     classifier,
		clock:          clk,
		metrics:        m,
		maxAttempts:    opts.MaxAttempts,
		attemptTimeout: opts.AttemptTimeout,
	}
}

func (p *Pipeline) Provider() string {
	return p.transport.Name()
}

// Send delivers req. On failure the returned error is a *FailedError that
// carries the attempt count and wraps the last transport error.
func (p *Pipeline) Send(ctx context.Context, req Request) (*Receipt, error) {
	provider := p.transport.Name()
	to := logger.MaskEmail(req.To)

	msg, err := p.renderer.Render(req.Type, req.Code)
	if err != nil {
		var de *Error
		if !errors.As(err, &de) {
			err = NewError(KindTemplate, "failed to render email", err)
		}
		slog.Error("email rendering failed", "error", err, "type", req.Type, "to", to)
		p.metrics.Delivery(string(req.Type), "failed")
		return nil, &FailedError{Attempts: 0, Kind: KindTemplate, Err: err}
	}
	msg.To = req.To

	for attempt := 1; ; attempt++ {
		start := time.Now()
		receipt, err := p.attempt(ctx, msg)
		elapsed := time.Since(start)

		if err == nil {
			receipt.Provider = provider
			receipt.Attempts = attempt
			p.metrics.DeliveryAttempt(provider, "success", "", elapsed)
			p.metrics.Delivery(string(req.Type), "sent")
			slog.Info("email delivered",
				"attempt", attempt,
				"to", to,
				"type", req.Type,
				"provider", provider,
				"message_id", receipt.MessageID,
			)
			return &receipt, nil
		}

		decision := p.classifier.Classify(err)
		p.metrics.DeliveryAttempt(provider, "failure", decision.Kind.String(), elapsed)

		final := !decision.Retryable || attempt >= p.maxAttempts || ctx.Err() != nil
		attrs := []any{
			"error", err,
			"attempt", attempt,
			"max_attempts", p.maxAttempts,
			"to", to,
			"type", req.Type,
			"provider", provider,
			"kind", decision.Kind.String(),
			"retryable", decision.Retryable,
		}
		var de *Error
		if errors.As(err, &de) && de.StatusCode != 0 {
			attrs = append(attrs, "status_code", de.StatusCode)
		}

		if final {
			slog.Error("email delivery failed", attrs...)
			p.metrics.Delivery(string(req.Type), "failed")
			return nil, &FailedError{Attempts: attempt, Kind: decision.Kind, Err: err}
		}

		delay := decision.Delay(attempt)
		slog.Warn("email delivery attempt failed, retrying", append(attrs, "delay", delay)...)

		if sleepErr := p.clock.Sleep(ctx, delay); sleepErr != nil {
			slog.Warn("email delivery cancelled during backoff", "attempt", attempt, "to", to, "error", sleepErr)
			p.metrics.Delivery(string(req.Type), "cancelled")
			return nil, &FailedError{Attempts: attempt, Kind: decision.Kind, Err: err}
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, msg Message) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()

	return p.transport.Send(ctx, msg)
}
