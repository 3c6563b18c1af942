package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/phi-sentinel/internal/app"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/protect"
	"github.com/raaihank/phi-sentinel/internal/websocket"
)

const ssnText = "My SSN is 123-45-6789"

func testConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.Encryption.Key = "server-test-key"
	cfg.Policy.OfflineMode = true
	cfg.Logging.Redact = false
	return cfg
}

func newServer(t *testing.T, cfg *config.Config, hub *websocket.Hub) *Server {
	t.Helper()
	rt, err := app.Build(cfg, logger.NewNop(), app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	rt.LoadPolicy(context.Background())

	s, err := New(rt, hub, "test")
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func TestHealth(t *testing.T) {
	t.Run("Ready", func(t *testing.T) {
		s := newServer(t, testConfig(), nil)
		rec := do(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	})

	t.Run("PolicyNotLoaded", func(t *testing.T) {
		rt, err := app.Build(testConfig(), nil, app.Options{})
		require.NoError(t, err)
		defer rt.Close()
		s, err := New(rt, nil, "test")
		require.NoError(t, err)

		rec := do(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	})
}

func TestInfo(t *testing.T) {
	s := newServer(t, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	info := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "phi-sentinel", info["name"])
	assert.Equal(t, "test", info["version"])
	assert.Equal(t, true, info["reversible"])
	assert.NotContains(t, info, "websocket")
}

func TestRequestID(t *testing.T) {
	s := newServer(t, testConfig(), nil)

	t.Run("Reused", func(t *testing.T) {
		id := "2f1b8f8e-7a43-4c36-9d0e-0c7f6f0b5a11"
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, id)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, id, rec.Header().Get(RequestIDHeader))
	})

	t.Run("Malformed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "not\na-uuid")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.NotEqual(t, "not\na-uuid", rec.Header().Get(RequestIDHeader))
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	})
}

func TestDetect(t *testing.T) {
	s := newServer(t, testConfig(), nil)

	t.Run("Found", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: ssnText})
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody[detectResponse](t, rec)
		assert.True(t, resp.HasPII)
		assert.Equal(t, 1, resp.Counts["SSN"])
		require.Len(t, resp.Entities, 1)
		assert.Equal(t, "123-45-6789", resp.Entities[0].Value)
		assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.RequestID)
	})

	t.Run("Clean", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: "nothing to see"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[detectResponse](t, rec)
		assert.False(t, resp.HasPII)
		assert.NotNil(t, resp.Entities)
		assert.Contains(t, rec.Body.String(), `"entities":[]`)
	})

	t.Run("FilteredKinds", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{
			Text:        ssnText + ", mail jane.doe@example.org",
			EntityTypes: []string{"email"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[detectResponse](t, rec)
		assert.Equal(t, map[string]int{"EMAIL": 1}, resp.Counts)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: ssnText, EntityTypes: []string{"SHOE_SIZE"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request_error", decodeBody[errorResponse](t, rec).Error.Type)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/detect", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/detect", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestProtectAndRestore(t *testing.T) {
	s := newServer(t, testConfig(), nil)

	rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: ssnText})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[protectResponse](t, rec)
	assert.NotContains(t, resp.Text, "123-45-6789")
	assert.True(t, strings.HasPrefix(resp.Text, "My SSN is "))
	assert.Equal(t, protect.Reversible, resp.Mode)
	require.NotEmpty(t, resp.SessionID)
	require.Len(t, resp.Entities, 1)
	assert.True(t, resp.Entities[0].Reversible)
	assert.NotContains(t, rec.Body.String(), "mapping")

	t.Run("BySession", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/restore", restoreRequest{
			Text:      "The answer mentions " + strings.TrimPrefix(resp.Text, "My SSN is "),
			SessionID: resp.SessionID,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "The answer mentions 123-45-6789", decodeBody[restoreResponse](t, rec).Text)
	})

	t.Run("AppendsToSession", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{
			Text:      "card 4111 1111 1111 1111",
			SessionID: resp.SessionID,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		second := decodeBody[protectResponse](t, rec)
		assert.Equal(t, resp.SessionID, second.SessionID)

		rec = do(t, s, http.MethodPost, "/v1/restore", restoreRequest{
			Text:      resp.Text + " / " + second.Text,
			SessionID: resp.SessionID,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ssnText+" / card 4111 1111 1111 1111", decodeBody[restoreResponse](t, rec).Text)
	})

	t.Run("ByMapping", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/restore", restoreRequest{
			Text:    "Hello TOK_ABC",
			Mapping: protect.Mapping{"TOK_ABC": "Jane"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Hello Jane", decodeBody[restoreResponse](t, rec).Text)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/restore", restoreRequest{Text: "x", SessionID: "missing"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found_error", decodeBody[errorResponse](t, rec).Error.Type)
	})

	t.Run("NothingToRestoreWith", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/restore", restoreRequest{Text: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProtectSeedsFromStoredSession(t *testing.T) {
	s := newServer(t, testConfig(), nil)
	text := "patient Ramesh Kumar was admitted"
	decoyOf := func(resp protectResponse) string {
		return strings.TrimSuffix(strings.TrimPrefix(resp.Text, "patient "), " was admitted")
	}

	rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: text})
	require.Equal(t, http.StatusOK, rec.Code)
	decoy := decoyOf(decodeBody[protectResponse](t, rec))

	// Another patient already holds that decoy in the ward session.
	_, err := s.rt.Sessions.Append(context.Background(), "ward-7", protect.Mapping{decoy: "Jolaa Smith"})
	require.NoError(t, err)

	rec = do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: text, SessionID: "ward-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decoyOf(decodeBody[protectResponse](t, rec))
	assert.NotEqual(t, decoy, got)

	rec = do(t, s, http.MethodPost, "/v1/restore", restoreRequest{Text: decoy + " / " + got, SessionID: "ward-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Jolaa Smith / Ramesh Kumar", decodeBody[restoreResponse](t, rec).Text)
}

func TestProtectModes(t *testing.T) {
	s := newServer(t, testConfig(), nil)

	t.Run("Display", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{
			Text:    "call 555-123-4567",
			Mode:    "display",
			Context: "logs",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[protectResponse](t, rec)
		assert.Equal(t, protect.Display, resp.Mode)
		assert.Empty(t, resp.SessionID)
		assert.NotContains(t, resp.Text, "555-123-4567")
		assert.Contains(t, resp.Text, "4567")
	})

	t.Run("NoEntities", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: "all clear"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[protectResponse](t, rec)
		assert.Equal(t, "all clear", resp.Text)
		assert.Empty(t, resp.SessionID)
		assert.Contains(t, rec.Body.String(), `"entities":[]`)
	})

	t.Run("UnknownMode", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: ssnText, Mode: "sideways"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMask(t *testing.T) {
	s := newServer(t, testConfig(), nil)

	tests := []struct {
		name string
		req  maskRequest
		code int
		want string
	}{
		{
			name: "ConfiguredPattern",
			req:  maskRequest{Value: "555-123-4567", EntityType: "PHONE"},
			code: http.StatusOK,
			want: "***-***-4567",
		},
		{
			name: "RequestPattern",
			req: maskRequest{Value: "555-123-4567", EntityType: "PHONE",
				Pattern: &config.MaskPattern{Type: config.MaskShowLast, ShowLast: 4, MaskChar: "*"}},
			code: http.StatusOK,
			want: "******4567",
		},
		{
			name: "Strategy",
			req:  maskRequest{Value: "123-45-6789", EntityType: "SSN", Strategy: "partial"},
			code: http.StatusOK,
			want: "***-**-6789",
		},
		{
			name: "Redact",
			req:  maskRequest{Value: "hunter2", EntityType: "PASSWORD", Strategy: "REDACT"},
			code: http.StatusOK,
			want: "[REDACTED_PASSWORD]",
		},
		{
			name: "ReversibleStrategy",
			req:  maskRequest{Value: "123-45-6789", EntityType: "SSN", Strategy: "FPE"},
			code: http.StatusBadRequest,
		},
		{
			name: "InvalidPattern",
			req: maskRequest{Value: "x", EntityType: "PHONE",
				Pattern: &config.MaskPattern{Type: "sideways"}},
			code: http.StatusBadRequest,
		},
		{
			name: "UnknownKind",
			req:  maskRequest{Value: "x", EntityType: "SHOE_SIZE"},
			code: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/mask", tt.req)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.want, decodeBody[maskResponse](t, rec).Masked)
			}
		})
	}
}

func TestPolicyEndpoints(t *testing.T) {
	t.Run("Offline", func(t *testing.T) {
		s := newServer(t, testConfig(), nil)

		rec := do(t, s, http.MethodGet, "/v1/policy", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[policyResponse](t, rec)
		require.NotNil(t, resp.Policy)
		assert.NotEmpty(t, resp.Policy.Rules)
		assert.Equal(t, "default", string(resp.Status.Source))

		rec = do(t, s, http.MethodPost, "/v1/policy/refresh", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("RefreshFailureKeepsPolicy", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusInternalServerError)
		}))
		defer upstream.Close()

		cfg := testConfig()
		cfg.Policy.OfflineMode = false
		cfg.Policy.BaseURL = upstream.URL
		cfg.Policy.AppID = "app"
		cfg.Policy.Timeout = time.Second
		s := newServer(t, cfg, nil)

		rec := do(t, s, http.MethodPost, "/v1/policy/refresh", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "policy_error")

		rec = do(t, s, http.MethodGet, "/v1/policy", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decodeBody[policyResponse](t, rec).Policy.Rules)
	})

	t.Run("NotLoaded", func(t *testing.T) {
		rt, err := app.Build(testConfig(), nil, app.Options{})
		require.NoError(t, err)
		defer rt.Close()
		s, err := New(rt, nil, "test")
		require.NoError(t, err)

		rec := do(t, s, http.MethodGet, "/v1/policy", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	s := newServer(t, cfg, nil)

	rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: strings.Repeat("a", 200)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMin: 1, Burst: 2}
	s := newServer(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s, http.MethodPost, "/v1/detect", detectRequest{Text: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, testConfig(), nil)
	do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: ssnText})

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phi_sentinel_entities_protected_total")
	assert.Contains(t, rec.Body.String(), `route="/v1/protect"`)
	assert.NotContains(t, rec.Body.String(), "123-45-6789")

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Metrics.Enabled = false
		s := newServer(t, cfg, nil)
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", nil).Code)
	})
}

func TestWebSocketEvents(t *testing.T) {
	hub := websocket.NewHub(&websocket.HubConfig{BroadcastDetections: true}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := newServer(t, testConfig(), hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return hub.GetStats().ActiveConnections == 1
	}, time.Second, 5*time.Millisecond)

	rec := do(t, s, http.MethodPost, "/v1/protect", protectRequest{Text: ssnText})
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get(RequestIDHeader)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "123-45-6789")

	var ev struct {
		Type      string                   `json:"type"`
		RequestID string                   `json:"request_id"`
		Data      websocket.DetectionEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, "detection", ev.Type)
	assert.Equal(t, requestID, ev.RequestID)
	assert.Equal(t, "protect", ev.Data.Operation)
	assert.Equal(t, map[string]int{"SSN": 1}, ev.Data.Counts)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "203.0.113.7", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", getClientIP(req))
}
