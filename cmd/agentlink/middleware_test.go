package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/agentlink/internal/ctxkeys"
	"github.com/BaSui01/agentlink/internal/metrics"
)

func okInner() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(okInner(), mark("a"), mark("b"), mark("c"))
	serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"INTERNAL"`)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, strings.HasPrefix(seen, "req-"))
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "caller-supplied")
	w = serve(h, r)
	assert.Equal(t, "caller-supplied", seen)
	assert.Equal(t, "caller-supplied", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okInner()), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRequestLogger_LogsAndRecordsRoute(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /connections/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Chain(mux, RequestID(), RequestLogger(zap.New(core), collector))

	serve(h, httptest.NewRequest(http.MethodGet, "/connections/abc", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/connections/def", nil))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.NotEmpty(t, fields["request_id"])

	n, err := prom.GatherAndCount(reg, "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "path ids collapse into one route label")
}

func TestOTelTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var traceID string
	h := OTelTracing(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID, _ = ctxkeys.TraceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	serve(h, httptest.NewRequest(http.MethodPost, "/broadcast", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /broadcast", spans[0].Name())
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), traceID)

	var status int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(http.StatusAccepted), status)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := RateLimiter(ctx, 1, 2, zap.NewNop())(okInner())
	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2:1000"), "limits are per client ip")
}

func TestRateLimiter_DisabledWhenZero(t *testing.T) {
	h := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okInner())
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	}
}

func signAdminToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "exp": exp.Unix()})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	var caller string
	h := JWTAuth("admin-secret", []string{"/health"}, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ = ctxkeys.Caller(r.Context())
	}))
	withToken := func(path, token string) int {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(h, r).Code
	}

	assert.Equal(t, http.StatusOK, withToken("/health", ""), "skip paths bypass auth")
	assert.Equal(t, http.StatusUnauthorized, withToken("/connections", ""))
	assert.Equal(t, http.StatusUnauthorized, withToken("/connections", "garbage"))
	assert.Equal(t, http.StatusUnauthorized,
		withToken("/connections", signAdminToken(t, "other-secret", "ops", time.Now().Add(time.Hour))))
	assert.Equal(t, http.StatusUnauthorized,
		withToken("/connections", signAdminToken(t, "admin-secret", "ops", time.Now().Add(-time.Minute))))

	assert.Equal(t, http.StatusOK,
		withToken("/connections", signAdminToken(t, "admin-secret", "ops", time.Now().Add(time.Hour))))
	assert.Equal(t, "ops", caller)
}

func TestJWTAuth_DisabledWithoutSecret(t *testing.T) {
	h := JWTAuth("", nil, zap.NewNop())(okInner())
	assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/connections", nil)).Code)
}
