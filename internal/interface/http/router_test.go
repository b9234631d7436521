package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/weereg/internal/domain/registry"
	"github.com/yanqian/weereg/internal/infra/config"
	apperrors "github.com/yanqian/weereg/pkg/errors"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRouter_RegisterLegacyAccepted(t *testing.T) {
	svc := &stubService{
		registerFn: func(_ context.Context, req registry.RegisterRequest) (registry.Outcome, error) {
			require.Equal(t, "https://a.local", req.Fields[registry.KeyStationURL])
			require.Equal(t, "45.5", req.Fields[registry.KeyLatitude])
			require.Equal(t, "192.0.2.1", req.RemoteAddr)
			return registry.Accepted{FirstSeen: true}, nil
		},
	}

	rec := performRequest(http.MethodGet, "/api/v1/stations?station_url=https://a.local&latitude=45.5&longitude=1", "", newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestRouter_RegisterRejectionKeepsStatus(t *testing.T) {
	cases := []struct {
		name     string
		rejected registry.Rejected
	}{
		{"too frequent", registry.Rejected{Code: registry.CodeRegisteringTooFrequent, Reason: "Registering too frequently", Status: http.StatusTooManyRequests}},
		{"missing url", registry.Rejected{Code: registry.CodeMissingStationURL, Reason: "Missing parameter station_url", Status: http.StatusBadRequest}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{
				registerFn: func(context.Context, registry.RegisterRequest) (registry.Outcome, error) {
					return tc.rejected, nil
				},
			}

			rec := performRequest(http.MethodPost, "/api/v2/stations", `{"station_url":"https://a.local"}`, newRouterUnderTest(t, svc))

			require.Equal(t, tc.rejected.Status, rec.Code)
			body := decodeErrorBody(t, rec.Body.Bytes())
			require.Equal(t, tc.rejected.Code, body["error"]["code"])
			require.Equal(t, tc.rejected.Reason, body["error"]["message"])
		})
	}
}

func TestRouter_RegisterJSON(t *testing.T) {
	svc := &stubService{
		registerFn: func(_ context.Context, req registry.RegisterRequest) (registry.Outcome, error) {
			require.Equal(t, 45.5, req.Fields[registry.KeyLatitude])
			return registry.Accepted{FirstSeen: false}, nil
		},
	}

	rec := performRequest(http.MethodPost, "/api/v2/stations", `{"station_url":"https://a.local","latitude":45.5,"longitude":1}`, newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","first_seen":false}`, rec.Body.String())
}

func TestRouter_RegisterInvalidJSON(t *testing.T) {
	rec := performRequest(http.MethodPost, "/api/v2/stations", `[1,2`, newRouterUnderTest(t, &stubService{}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
}

func TestRouter_RegisterStorageFailureIsInternal(t *testing.T) {
	svc := &stubService{
		registerFn: func(context.Context, registry.RegisterRequest) (registry.Outcome, error) {
			return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to store report", errors.New("conn refused"))
		},
	}

	rec := performRequest(http.MethodPost, "/api/v2/stations", `{}`, newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeErrorBody(t, rec.Body.Bytes())
	require.Equal(t, "storage_error", body["error"]["code"])
	require.NotContains(t, body["error"]["message"], "conn refused")
}

func TestRouter_SnapshotDefaultsToMaxAge(t *testing.T) {
	svc := &stubService{
		snapshotFn: func(_ context.Context, q registry.SnapshotQuery) ([]registry.Report, error) {
			require.Equal(t, fixedNow.Add(-720*time.Hour).Unix(), q.Since)
			require.Equal(t, 2000, q.Limit)
			return []registry.Report{{StationURL: "https://a.local", LastSeen: 10}}, nil
		},
	}

	rec := performRequest(http.MethodGet, "/api/v2/stations", "", newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []registry.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "https://a.local", got[0].StationURL)
	require.Contains(t, rec.Body.String(), `"description":null`)
	require.Contains(t, rec.Body.String(), `"last_addr":null`)
}

func TestRouter_SnapshotParams(t *testing.T) {
	var seen registry.SnapshotQuery
	svc := &stubService{
		snapshotFn: func(_ context.Context, q registry.SnapshotQuery) ([]registry.Report, error) {
			seen = q
			return nil, nil
		},
	}
	server := newRouterUnderTest(t, svc)

	rec := performRequest(http.MethodGet, "/api/v2/stations?since=1700000000&limit=5", "", server)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, registry.SnapshotQuery{Since: 1700000000, Limit: 5}, seen)
	require.Equal(t, "[]", rec.Body.String())

	rec = performRequest(http.MethodGet, "/api/v2/stations?max_age=2h", "", server)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, fixedNow.Add(-2*time.Hour).Unix(), seen.Since)

	rec = performRequest(http.MethodGet, "/api/v2/stations?max_age=90", "", server)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, fixedNow.Unix()-90, seen.Since)
}

func TestRouter_SnapshotRejectsBadParams(t *testing.T) {
	server := newRouterUnderTest(t, &stubService{})
	for _, query := range []string{
		"since=10&max_age=1d",
		"since=abc",
		"max_age=3w",
		"limit=-1",
	} {
		rec := performRequest(http.MethodGet, "/api/v2/stations?"+query, "", server)
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
		require.Equal(t, "invalid_request", decodeErrorBody(t, rec.Body.Bytes())["error"]["code"], query)
	}
}

func TestRouter_Stats(t *testing.T) {
	svc := &stubService{
		statsFn: func(_ context.Context, q registry.StatsQuery) (registry.Stats, error) {
			require.Equal(t, "weewx_info", q.Field)
			require.NotNil(t, q.Since)
			require.Equal(t, int64(1000), *q.Since)
			require.Equal(t, 14, q.BatchSize)
			require.True(t, q.Consolidate)
			return registry.Stats{"5.0": {Timestamps: []int64{86400}, Counts: []int64{3}}}, nil
		},
	}

	rec := performRequest(http.MethodGet, "/api/v2/stats/weewx_info?since=1000&batch_size=14&consolidate=true", "", newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"5.0":[[86400],[3]]}`, rec.Body.String())
}

func TestRouter_StatsRejectsUnknownField(t *testing.T) {
	var called atomic.Bool
	svc := &stubService{
		statsFn: func(context.Context, registry.StatsQuery) (registry.Stats, error) {
			called.Store(true)
			return nil, nil
		},
	}

	rec := performRequest(http.MethodGet, "/api/v2/stats/last_addr", "", newRouterUnderTest(t, svc))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
	require.False(t, called.Load())
}

func TestRouter_RetriesQueriesOnServerError(t *testing.T) {
	var attempts atomic.Int32
	svc := &stubService{
		statsFn: func(context.Context, registry.StatsQuery) (registry.Stats, error) {
			if attempts.Add(1) < 2 {
				return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to compute stats", errors.New("timeout"))
			}
			return registry.Stats{}, nil
		},
	}
	cfg := testConfig()
	cfg.HTTP.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 3, BaseBackoff: time.Millisecond}

	rec := performRequest(http.MethodGet, "/api/v2/stats/python_info", "", newRouterWithConfig(t, svc, cfg))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int32(2), attempts.Load())
}

func TestRouter_NeverRetriesRegistration(t *testing.T) {
	var attempts atomic.Int32
	svc := &stubService{
		registerFn: func(context.Context, registry.RegisterRequest) (registry.Outcome, error) {
			attempts.Add(1)
			return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to store report", errors.New("timeout"))
		},
	}
	cfg := testConfig()
	cfg.HTTP.Retry = config.RetryConfig{Enabled: true, MaxAttempts: 3, BaseBackoff: time.Millisecond}
	server := newRouterWithConfig(t, svc, cfg)

	rec := performRequest(http.MethodGet, "/api/v1/stations?station_url=https://a.local", "", server)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	rec = performRequest(http.MethodPost, "/api/v2/stations", `{}`, server)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Equal(t, int32(2), attempts.Load())
}

func TestRouter_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	server := newRouterWithConfig(t, &stubService{}, cfg)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, performRequest(http.MethodGet, "/healthz", "", server).Code)
	}
	rec := performRequest(http.MethodGet, "/healthz", "", server)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	code := decodeErrorBody(t, rec.Body.Bytes())["error"]["code"]
	require.Equal(t, "client_rate_limited", code)
	require.NotEqual(t, registry.CodeRegisteringTooFrequent, code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRouter_RateLimitIgnoresForwardedFor(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	server := newRouterWithConfig(t, &stubService{}, cfg)

	first := requestFrom(http.MethodGet, "/healthz", "203.0.113.7:4242", map[string]string{"X-Forwarded-For": "6.6.6.1"})
	require.Equal(t, http.StatusOK, serve(server, first).Code)

	second := requestFrom(http.MethodGet, "/healthz", "203.0.113.7:4243", map[string]string{"X-Forwarded-For": "6.6.6.2"})
	require.Equal(t, http.StatusTooManyRequests, serve(server, second).Code)

	other := requestFrom(http.MethodGet, "/healthz", "203.0.113.8:4242", nil)
	require.Equal(t, http.StatusOK, serve(server, other).Code)
}

func TestRouter_ClientAddress(t *testing.T) {
	cases := []struct {
		name    string
		proxies []string
		peer    string
		want    string
	}{
		{"forwarded header from untrusted peer", nil, "203.0.113.7:51000", "203.0.113.7"},
		{"forwarded header from trusted proxy", []string{"10.0.0.0/8"}, "10.1.2.3:51000", "6.6.6.6"},
		{"forwarded header from peer outside trusted range", []string{"10.0.0.0/8"}, "203.0.113.7:51000", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			svc := &stubService{
				registerFn: func(_ context.Context, req registry.RegisterRequest) (registry.Outcome, error) {
					got = req.RemoteAddr
					return registry.Accepted{}, nil
				},
			}
			cfg := testConfig()
			cfg.HTTP.TrustedProxies = tc.proxies

			req := requestFrom(http.MethodGet, "/api/v1/stations?station_url=https://a.local", tc.peer, map[string]string{"X-Forwarded-For": "6.6.6.6"})
			rec := serve(newRouterWithConfig(t, svc, cfg), req)

			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRouter_RefusalsLogAtDebug(t *testing.T) {
	refusals := []registry.Rejected{
		{Code: registry.CodeRegisteringTooFrequent, Reason: "Registering too frequently", Status: http.StatusTooManyRequests},
		{Code: registry.CodeSillyStationURL, Reason: "Silly station_url", Status: http.StatusBadRequest},
	}
	for _, refusal := range refusals {
		t.Run(refusal.Code, func(t *testing.T) {
			svc := &stubService{
				registerFn: func(context.Context, registry.RegisterRequest) (registry.Outcome, error) {
					return refusal, nil
				},
			}
			var logs bytes.Buffer
			server := newRouterWithLogger(t, svc, testConfig(), &logs)

			rec := performRequest(http.MethodGet, "/api/v1/stations?station_url=https://example.com", "", server)

			require.Equal(t, refusal.Status, rec.Code)
			require.NotContains(t, logs.String(), "level=WARN")
			require.NotContains(t, logs.String(), "level=ERROR")
			require.Contains(t, logs.String(), `level=DEBUG msg="registration refused"`)
			require.Contains(t, logs.String(), "code="+refusal.Code)
		})
	}
}

func TestRouter_MalformedRequestLogsWarning(t *testing.T) {
	var logs bytes.Buffer
	server := newRouterWithLogger(t, &stubService{}, testConfig(), &logs)

	rec := performRequest(http.MethodPost, "/api/v2/stations", `{"station_url":`, server)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, logs.String(), `level=WARN msg="malformed request"`)
}

func TestRouter_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.CORSOrigins = []string{"https://map.weewx.local"}
	req := httptest.NewRequest(http.MethodOptions, "/api/v2/stations", nil)
	req.Header.Set("Origin", "https://map.weewx.local")
	rec := httptest.NewRecorder()

	newRouterWithConfig(t, &stubService{}, cfg).Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://map.weewx.local", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestRouter_CORSUnknownOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.CORSOrigins = []string{"https://map.weewx.local"}
	req := requestFrom(http.MethodGet, "/api/v2/stations", "192.0.2.1:1234", map[string]string{"Origin": "https://elsewhere.test"})

	rec := serve(newRouterWithConfig(t, &stubService{}, cfg), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_CORSOpenByDefault(t *testing.T) {
	req := requestFrom(http.MethodGet, "/healthz", "192.0.2.1:1234", map[string]string{"Origin": "https://elsewhere.test"})

	rec := serve(newRouterUnderTest(t, &stubService{}), req)

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Vary"))
}

func performRequest(method, path, body string, server *http.Server) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	return rec
}

func requestFrom(method, path, remoteAddr string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func serve(server *http.Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	return rec
}

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			Address:      ":0",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Registry: config.RegistryConfig{
			StationsMaxAge: 720 * time.Hour,
			StationsLimit:  2000,
			BatchSize:      7,
		},
	}
}

func newRouterUnderTest(t *testing.T, svc registry.Service) *http.Server {
	t.Helper()
	return newRouterWithConfig(t, svc, testConfig())
}

func newRouterWithConfig(t *testing.T, svc registry.Service, cfg *config.Config) *http.Server {
	t.Helper()
	handler := NewHandler(svc, cfg, newTestLogger())
	handler.now = func() time.Time { return fixedNow }
	return NewRouter(cfg, handler, newTestLogger())
}

func newRouterWithLogger(t *testing.T, svc registry.Service, cfg *config.Config, out io.Writer) *http.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	handler := NewHandler(svc, cfg, logger)
	handler.now = func() time.Time { return fixedNow }
	return NewRouter(cfg, handler, logger)
}

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return slog.New(handler)
}

type stubService struct {
	registerFn func(ctx context.Context, req registry.RegisterRequest) (registry.Outcome, error)
	snapshotFn func(ctx context.Context, q registry.SnapshotQuery) ([]registry.Report, error)
	statsFn    func(ctx context.Context, q registry.StatsQuery) (registry.Stats, error)
}

func (s *stubService) Register(ctx context.Context, req registry.RegisterRequest) (registry.Outcome, error) {
	if s.registerFn != nil {
		return s.registerFn(ctx, req)
	}
	return registry.Accepted{}, nil
}

func (s *stubService) Snapshot(ctx context.Context, q registry.SnapshotQuery) ([]registry.Report, error) {
	if s.snapshotFn != nil {
		return s.snapshotFn(ctx, q)
	}
	return nil, nil
}

func (s *stubService) Stats(ctx context.Context, q registry.StatsQuery) (registry.Stats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx, q)
	}
	return registry.Stats{}, nil
}

func decodeErrorBody(t *testing.T, raw []byte) map[string]map[string]string {
	t.Helper()
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &body), strings.TrimSpace(string(raw)))
	return body
}
