// Package applog is the gateway's single logging surface. It replaces the
// three near-duplicate Loki-push implementations this codebase used to carry
// (internal/log/log.go, internal/log/logHelpers.go, internal/proxy/log.go)
// with one zap-backed logger plus an optional best-effort Loki push.
package applog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base   atomic.Pointer[zap.Logger]
	initMu sync.Mutex
)

func init() {
	l, _ := zap.NewProduction()
	base.Store(l)
}

// L returns the process-wide logger. Configure replaces it.
func L() *zap.Logger {
	if l := base.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// LokiConfig describes the optional Loki push sink.
type LokiConfig struct {
	Enabled bool
	URL     string
	Labels  map[string]string
}

var lokiCfg atomic.Pointer[LokiConfig]
var lokiClient = &http.Client{Timeout: 2 * time.Second}

// Configure installs the process logger level and the optional Loki sink.
// Safe to call again on config reload.
func Configure(level string, development bool, loki LokiConfig) {
	initMu.Lock()
	defer initMu.Unlock()

	var zl zapcore.Level
	if err := zl.Set(level); err != nil {
		zl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zl)
	l, err := cfg.Build()
	if err != nil {
		return
	}
	base.Store(l)
	lokiCfg.Store(&loki)
}

// MustHostname returns the local hostname or "unknown" on error, mirroring
// a defensive hostname lookup used to label log lines.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// RequestFields builds the common structured fields for a proxied request,
// generalized from a prior LogProxyRequest label set (method, path,
// status, cache) to the gateway's richer context (upstream, key, queue).
func RequestFields(requestID, method, path, upstreamID, keyID string, status int, elapsedMs float64) []zap.Field {
	return []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("upstream_id", upstreamID),
		zap.String("key_id", keyID),
		zap.Int("status", status),
		zap.Float64("elapsed_ms", elapsedMs),
	}
}

// LogProxyRequest logs the completion of a proxied request at info level,
// warn for a 4xx status, or error for a 5xx status.
func LogProxyRequest(requestID, method, path, upstreamID, keyID string, status int, elapsedMs float64) {
	fields := RequestFields(requestID, method, path, upstreamID, keyID, status, elapsedMs)
	if status >= 500 {
		L().Error("proxy_request", fields...)
	} else if status >= 400 {
		L().Warn("proxy_request", fields...)
	} else {
		L().Info("proxy_request", fields...)
	}
	pushLoki("proxy_request", fields)
}

// LogProxyError logs a request-path error with its gateway error kind.
func LogProxyError(requestID, kind, message string, err error) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("kind", kind),
		zap.String("message", message),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	L().Error("proxy_error", fields...)
	pushLoki("proxy_error", fields)
}

// lokiStream mirrors Loki's push API payload shape.
type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

// pushLoki sends a best-effort, fire-and-forget log line to Loki when
// configured. Failures are swallowed; Loki is an observability sink, never
// a dependency of the request path.
func pushLoki(event string, fields []zap.Field) {
	cfg := lokiCfg.Load()
	if cfg == nil || !cfg.Enabled || cfg.URL == "" {
		return
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	enc.Fields["event"] = event
	line, err := json.Marshal(enc.Fields)
	if err != nil {
		return
	}
	labels := map[string]string{"job": "gateway", "host": MustHostname()}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	payload := lokiPush{Streams: []lokiStream{{
		Stream: labels,
		Values: [][2]string{{time.Now().Format(time.RFC3339Nano), string(line)}},
	}}}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	go func() {
		req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := lokiClient.Do(req)
		if err != nil {
			return
		}
		_ = resp.Body.Close()
	}()
}
