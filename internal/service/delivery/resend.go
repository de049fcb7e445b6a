package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/resend/resend-go/v2"
)

// ResendTransport sends through the Resend API. The SDK reports failures as
// plain errors, so the HTTP client records the raw response status and body
// for classification.
type ResendTransport struct {
	client *resend.Client
	from   string
}

type ResendOptions struct {
	APIKey string
	From   string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	Client  *http.Client
}

func NewResendTransport(opts ResendOptions) (*ResendTransport, error) {
	if opts.APIKey == "" {
		return nil, NewError(KindConfiguration, "missing RESEND_API_KEY", nil)
	}
	if opts.From == "" {
		return nil, NewError(KindConfiguration, "missing sender address", nil)
	}

	base := http.DefaultTransport
	if opts.Client != nil && opts.Client.Transport != nil {
		base = opts.Client.Transport
	}
	httpClient := &http.Client{Transport: recordingRoundTripper{base: base}}

	client := resend.NewCustomClient(httpClient, opts.APIKey)
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, NewError(KindConfiguration, "invalid resend base url", err)
		}
		client.BaseURL = u
	}

	return &ResendTransport{client: client, from: opts.From}, nil
}

func (t *ResendTransport) Name() string {
	return "resend"
}

func (t *ResendTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	rec := &responseRecord{}
	ctx = context.WithValue(ctx, responseRecordKey{}, rec)

	params := &resend.SendEmailRequest{
		From:    t.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	sent, err := t.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		if rec.status >= 300 {
			se := StatusError(rec.status, rec.body)
			se.Err = err
			return Receipt{}, se
		}
		return Receipt{}, fmt.Errorf("resend: %w", err)
	}

	return Receipt{MessageID: sent.Id}, nil
}

type responseRecordKey struct{}

type responseRecord struct {
	status int
	body   []byte
}

type recordingRoundTripper struct {
	base http.RoundTripper
}

func (rt recordingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	rec, ok := req.Context().Value(responseRecordKey{}).(*responseRecord)
	if !ok {
		return resp, nil
	}

	rec.status = resp.StatusCode
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		rec.body = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}
