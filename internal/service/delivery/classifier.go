package delivery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

const (
	DefaultBaseDelay     = time.Second
	DefaultRateLimitStep = 30 * time.Second
)

// Decision is the retry verdict for one failure.
type Decision struct {
	Kind      Kind
	Retryable bool

	base time.Duration
	step time.Duration
}

// Delay returns how long to wait after the given 1-indexed failed attempt.
// Rate limited failures back off linearly, everything else exponentially.
func (d Decision) Delay(attempt int) time.Duration {
	if !d.Retryable {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if d.Kind == KindRateLimited {
		return d.step * time.Duration(attempt)
	}
	return d.base << attempt
}

type Classifier struct {
	Base          time.Duration
	RateLimitStep time.Duration
}

func NewClassifier(base, rateLimitStep time.Duration) Classifier {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if rateLimitStep <= 0 {
		rateLimitStep = DefaultRateLimitStep
	}
	return Classifier{Base: base, RateLimitStep: rateLimitStep}
}

func (c Classifier) Classify(err error) Decision {
	kind := KindOf(err)

	retryable := false
	switch kind {
	case KindNetwork, KindRemoteServer, KindRateLimited, KindUnknown:
		retryable = true
	}
	// A caller that went away must not be retried on its behalf.
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	return Decision{
		Kind:      kind,
		Retryable: retryable,
		base:      c.Base,
		step:      c.RateLimitStep,
	}
}

// KindOf reports the failure kind of err. Timeouts and transport level
// errors count as network failures.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) && de.Kind != KindUnknown {
		return de.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}
	return KindUnknown
}
