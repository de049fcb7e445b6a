package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const azureAPIVersion = "2023-03-31"

// AzureTransport sends through Azure Communication Services using
// HMAC-SHA256 signed requests.
type AzureTransport struct {
	endpoint *url.URL
	key      []byte
	from     string
	client   *http.Client
	now      func() time.Time
}

type AzureOptions struct {
	Endpoint  string
	AccessKey string
	From      string
	Client    *http.Client
}

func NewAzureTransport(opts AzureOptions) (*AzureTransport, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" {
		return nil, NewError(KindConfiguration, "missing AZURE_EMAIL_ENDPOINT or AZURE_EMAIL_KEY", nil)
	}
	if opts.From == "" {
		return nil, NewError(KindConfiguration, "missing sender address", nil)
	}

	endpoint, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil || endpoint.Host == "" {
		return nil, NewError(KindConfiguration, "invalid azure endpoint", err)
	}

	key, err := base64.StdEncoding.DecodeString(opts.AccessKey)
	if err != nil {
		return nil, NewError(KindConfiguration, "azure access key is not valid base64", err)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &AzureTransport{
		endpoint: endpoint,
		key:      key,
		from:     opts.From,
		client:   client,
		now:      time.Now,
	}, nil
}

func (t *AzureTransport) Name() string {
	return "azure"
}

type azureAddress struct {
	Address string `json:"address"`
}

type azureEmailRequest struct {
	SenderAddress string `json:"senderAddress"`
	Content       struct {
		Subject   string `json:"subject"`
		HTML      string `json:"html"`
		PlainText string `json:"plainText,omitempty"`
	} `json:"content"`
	Recipients struct {
		To []azureAddress `json:"to"`
	} `json:"recipients"`
}

func (t *AzureTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload := azureEmailRequest{SenderAddress: t.from}
	payload.Content.Subject = msg.Subject
	payload.Content.HTML = msg.HTML
	payload.Content.PlainText = msg.Text
	payload.Recipients.To = []azureAddress{{Address: msg.To}}

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, NewError(KindTemplate, "failed to encode azure request", err)
	}

	u := *t.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + "/emails:send"
	u.RawQuery = url.Values{"api-version": {azureAPIVersion}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Receipt{}, NewError(KindConfiguration, "failed to build azure request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.sign(req, body)

	resp, err := t.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("azure: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, fmt.Errorf("azure: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, StatusError(resp.StatusCode, respBody)
	}

	var result struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(respBody, &result)
	if result.ID == "" {
		result.ID = resp.Header.Get("x-ms-request-id")
	}

	return Receipt{MessageID: result.ID}, nil
}

// sign adds the x-ms-date, x-ms-content-sha256 and Authorization headers.
func (t *AzureTransport) sign(req *http.Request, body []byte) {
	date := t.now().UTC().Format(http.TimeFormat)

	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	stringToSign := req.Method + "\n" + req.URL.RequestURI() + "\n" + date + ";" + req.URL.Host + ";" + contentHash

	mac := hmac.New(sha256.New, t.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
