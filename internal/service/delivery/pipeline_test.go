package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/metrics"
	"github.com/templui/authmail/internal/model"
)

type stubRenderer struct {
	err error
}

func (r stubRenderer) Render(codeType model.CodeType, code string) (Message, error) {
	if r.err != nil {
		return Message{}, r.err
	}
	return Message{Subject: "Confirm", Text: "code " + code, HTML: "<p>code " + code + "</p>"}, nil
}

// scriptedTransport fails with errs[i] on call i and succeeds once the
// script runs out.
type scriptedTransport struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	sent   []Message
	onCall func(call int)
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(call)
	}
	if call < len(s.errs) && s.errs[call] != nil {
		return Receipt{}, s.errs[call]
	}
	return Receipt{MessageID: "msg-1"}, nil
}

func newTestPipeline(tr Transport, r Renderer) (*Pipeline, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	p := NewPipeline(r, tr, NewClassifier(time.Second, 30*time.Second), clk, metrics.New(prometheus.NewRegistry()), Options{
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
	})
	return p, clk
}

var testRequest = Request{To: "alice@example.com", Type: model.CodeTypeEmailConfirmation, Code: "AbCd1234"}

func TestPipelineSuccess(t *testing.T) {
	tr := &scriptedTransport{}
	p, clk := newTestPipeline(tr, stubRenderer{})

	receipt, err := p.Send(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", receipt.MessageID)
	assert.Equal(t, 1, receipt.Attempts)
	assert.Equal(t, "scripted", receipt.Provider)
	assert.Empty(t, clk.Sleeps())

	require.Len(t, tr.sent, 1)
	assert.Equal(t, "alice@example.com", tr.sent[0].To)
	assert.Equal(t, "code AbCd1234", tr.sent[0].Text)
}

func TestPipelineRetriesServerErrors(t *testing.T) {
	tr := &scriptedTransport{errs: []error{StatusError(500, nil), StatusError(503, nil)}}
	p, clk := newTestPipeline(tr, stubRenderer{})

	receipt, err := p.Send(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clk.Sleeps())
}

func TestPipelineRateLimitedExhaustsAttempts(t *testing.T) {
	limited := StatusError(429, []byte(`{"message":"slow down"}`))
	tr := &scriptedTransport{errs: []error{limited, limited, limited}}
	p, clk := newTestPipeline(tr, stubRenderer{})

	_, err := p.Send(context.Background(), testRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, KindRateLimited, failed.Kind)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 429, de.StatusCode)

	assert.Equal(t, 3, tr.calls)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, clk.Sleeps())
}

func TestPipelineClientErrorFailsImmediately(t *testing.T) {
	tr := &scriptedTransport{errs: []error{StatusError(400, nil)}}
	p, clk := newTestPipeline(tr, stubRenderer{})

	_, err := p.Send(context.Background(), testRequest)
	require.Error(t, err)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, KindRemoteClient, failed.Kind)
	assert.Equal(t, 1, tr.calls)
	assert.Empty(t, clk.Sleeps())
}

func TestPipelineRenderFailure(t *testing.T) {
	tr := &scriptedTransport{}
	p, _ := newTestPipeline(tr, stubRenderer{err: errors.New("missing template")})

	_, err := p.Send(context.Background(), testRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, KindTemplate, failed.Kind)
	assert.Zero(t, failed.Attempts)
	assert.Zero(t, tr.calls)
}

func TestPipelineStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &scriptedTransport{
		errs:   []error{StatusError(500, nil), StatusError(500, nil)},
		onCall: func(int) { cancel() },
	}
	p, clk := newTestPipeline(tr, stubRenderer{})

	_, err := p.Send(ctx, testRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 1, tr.calls)
	assert.Empty(t, clk.Sleeps())
}

type blockingTransport struct {
	calls int
}

func (b *blockingTransport) Name() string { return "blocking" }

func (b *blockingTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	b.calls++
	<-ctx.Done()
	return Receipt{}, ctx.Err()
}

func TestPipelineAttemptTimeoutIsNetworkFailure(t *testing.T) {
	tr := &blockingTransport{}
	clk := clock.NewFake(time.Now())
	p := NewPipeline(stubRenderer{}, tr, NewClassifier(time.Second, 30*time.Second), clk, nil, Options{
		MaxAttempts:    2,
		AttemptTimeout: 20 * time.Millisecond,
	})

	_, err := p.Send(context.Background(), testRequest)
	require.Error(t, err)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, KindNetwork, failed.Kind)
	assert.Equal(t, 2, failed.Attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, tr.calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.Sleeps())
}
