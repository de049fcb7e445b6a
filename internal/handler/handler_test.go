package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/config"
	"github.com/templui/authmail/internal/ctxkeys"
	"github.com/templui/authmail/internal/db"
	"github.com/templui/authmail/internal/repository"
	"github.com/templui/authmail/internal/service"
	"github.com/templui/authmail/internal/service/delivery"
)

type stubTransport struct {
	err  error
	sent []delivery.Message
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	s.sent = append(s.sent, msg)
	if s.err != nil {
		return delivery.Receipt{}, s.err
	}
	return delivery.Receipt{MessageID: "msg-42"}, nil
}

type testEnv struct {
	db        *sqlx.DB
	handler   *authCodeHandler
	authCodes *service.AuthCodeService
	transport *stubTransport
	clock     *clock.Fake
}

func newTestEnv(t *testing.T, limiter service.IssueLimiter) *testEnv {
	t.Helper()
	database, err := db.Init("sqlite", ":memory:?_time_format=sqlite")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database.DB, "sqlite"))
	t.Cleanup(func() { _ = db.Close(database) })

	clk := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	authCodes := service.NewAuthCodeService(repository.NewAuthCodeRepository(database), service.NewCodeGenerator(), clk, nil, 5*time.Minute)

	renderer, err := service.NewTemplateRenderer("Acme", "https://acme.test", "/auth/confirm", "/auth/reset", authCodes.DefaultExpiry())
	require.NoError(t, err)

	tr := &stubTransport{}
	pipeline := delivery.NewPipeline(renderer, tr, delivery.NewClassifier(time.Second, 30*time.Second), clk, nil, delivery.Options{MaxAttempts: 3})
	emails := service.NewEmailService(authCodes, pipeline, limiter, nil)

	return &testEnv{
		db:        database,
		handler:   NewAuthCodeHandler(authCodes, emails, clk),
		authCodes: authCodes,
		transport: tr,
		clock:     clk,
	}
}

func (e *testEnv) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, e.transport.sent)
	_, after, ok := strings.Cut(e.transport.sent[len(e.transport.sent)-1].Text, "?code=")
	require.True(t, ok)
	return after[:service.CodeLength]
}

func postJSON(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSendConfirmationAndValidate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler.SendConfirmation, "/api/v1/send-confirmation", `{"email":"alice@example.com","user_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true,"message":"Confirmation email sent","message_id":"msg-42"}`, rec.Body.String())

	code := env.lastCode(t)

	// Wrong purpose is rejected without consuming.
	rec = postJSON(env.handler.ValidateCode, "/api/v1/validate-code", `{"code":"`+code+`","code_type":"password_reset"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"reason":"type_mismatch"}`, rec.Body.String())

	rec = postJSON(env.handler.ValidateCode, "/api/v1/validate-code", `{"code":"`+code+`","code_type":"email_confirmation"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"user_id":"u1","code_type":"email_confirmation"}`, rec.Body.String())

	rec = postJSON(env.handler.ValidateCode, "/api/v1/validate-code", `{"code":"`+code+`","code_type":"email_confirmation"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"reason":"already_used"}`, rec.Body.String())
}

func TestValidateCodeExpired(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler.SendPasswordReset, "/api/v1/send-password-reset", `{"email":"bob@example.com","user_id":"u2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	code := env.lastCode(t)

	env.clock.Advance(6 * time.Minute)
	rec = postJSON(env.handler.ValidateCode, "/api/v1/validate-code", `{"code":"`+code+`","code_type":"password_reset"}`)
	assert.JSONEq(t, `{"valid":false,"reason":"expired"}`, rec.Body.String())
}

func TestValidateCodeBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"code":`},
		{"unknown field", `{"code":"abcdefgh","code_type":"password_reset","extra":1}`},
		{"short code", `{"code":"abc","code_type":"password_reset"}`},
		{"long code", `{"code":"` + strings.Repeat("a", 65) + `","code_type":"password_reset"}`},
		{"unknown type", `{"code":"abcdefghij","code_type":"magic_link"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(env.handler.ValidateCode, "/api/v1/validate-code", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, decodeBody(t, rec)["success"])
		})
	}

	rec := postJSON(env.handler.ValidateCode, "/api/v1/validate-code", `{"code":"abcdefghij","code_type":"password_reset"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false,"reason":"not_found"}`, rec.Body.String())
}

func TestSendInvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postJSON(env.handler.SendConfirmation, "/api/v1/send-confirmation", `{"email":"not-an-email","user_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(env.handler.SendConfirmation, "/api/v1/send-confirmation", `{"email":"alice@example.com","user_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.transport.sent)
}

func TestSendThrottled(t *testing.T) {
	limited := newTestEnv(t, service.NewMemoryIssueLimiter(time.Hour, 1, 0, clock.Real()))

	rec := postJSON(limited.handler.SendConfirmation, "/api/v1/send-confirmation", `{"email":"alice@example.com","user_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(limited.handler.SendConfirmation, "/api/v1/send-confirmation", `{"email":"alice@example.com","user_id":"u1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10800", rec.Header().Get("Retry-After"))
	assert.Len(t, limited.transport.sent, 1)
}

func TestSendDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.transport.err = delivery.StatusError(http.StatusUnprocessableEntity, []byte(`{"message":"invalid from address"}`))

	rec := postJSON(env.handler.SendPasswordReset, "/api/v1/send-password-reset", `{"email":"alice@example.com","user_id":"u1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"failed to send email, please try again later"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "invalid from address")

	// The undelivered code was revoked.
	code := env.lastCode(t)
	ok, err := env.authCodes.IsCodeValidForUser(context.Background(), code, "password_reset", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.authCodes.GenerateAuthCode(ctx, "u1", "email_confirmation", 0)
	require.NoError(t, err)
	_, err = env.authCodes.GenerateAuthCode(ctx, "u1", "password_reset", 0)
	require.NoError(t, err)

	list := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/u1/codes"+query, nil)
		req.SetPathValue("id", "u1")
		rec := httptest.NewRecorder()
		env.handler.UserCodes(rec, req)
		return rec
	}

	rec := list("")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp userCodesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u1", resp.UserID)
	assert.Len(t, resp.Codes, 2)
	assert.NotContains(t, rec.Body.String(), "code_hash")

	rec = list("?type=password_reset")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Codes, 1)
	assert.Equal(t, "password_reset", string(resp.Codes[0].Type))
	assert.Equal(t, "active", string(resp.Codes[0].Status))

	rec = list("?type=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	h := NewHealthHandler(env.db)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req = req.WithContext(ctxkeys.WithConfig(req.Context(), &config.Config{AppEnv: "test", Version: "1.2.3"}))
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.NotEmpty(t, body["timestamp"])

	require.NoError(t, env.db.Close())
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
}
