package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/templui/authmail/internal/app"
	"github.com/templui/authmail/internal/config"
	"github.com/templui/authmail/internal/middleware"
)

const adminSecret = "test-admin-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		AppName:               "Acme",
		AppEnv:                "development",
		AppURL:                "https://acme.test",
		Version:               "test",
		DBDriver:              "sqlite",
		DBConnection:          ":memory:?_time_format=sqlite",
		AuthCodeExpiry:        5 * time.Minute,
		ConfirmationPath:      "/auth/confirm",
		ResetPath:             "/auth/reset",
		EmailProvider:         "log",
		DeliveryMaxAttempts:   3,
		DeliveryBaseDelay:     time.Second,
		DeliveryRateLimitStep: 30 * time.Second,
		DeliveryTimeout:       5 * time.Second,
		IssueWindow:           15 * time.Minute,
		IssueMax:              5,
		AdminJWTSecret:        adminSecret,
	}

	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(SetupRoutes(a))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "development", body["environment"])
	assert.Equal(t, "test", body["version"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestSendAndAdminListing(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/send-confirmation", "application/json",
		strings.NewReader(`{"email":"alice@example.com","user_id":"u1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sent map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sent))
	assert.Equal(t, true, sent["success"])
	assert.True(t, strings.HasPrefix(sent["message_id"].(string), "dev_"))

	list := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/users/u1/codes?type=email_confirmation", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, list("").StatusCode)

	token, err := middleware.NewAdminToken(adminSecret, "ops", time.Minute)
	require.NoError(t, err)
	resp = list(token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var codes struct {
		Codes []map[string]any `json:"codes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&codes))
	require.Len(t, codes.Codes, 1)
	assert.Equal(t, "active", codes.Codes[0]["status"])
	assert.NotContains(t, codes.Codes[0], "code_hash")
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
