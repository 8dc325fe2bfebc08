package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := global.Load()
	global.Store(zap.New(core))
	t.Cleanup(func() { global.Store(prev) })
	return logs
}

func TestMiddlewareAssignsRequestID(t *testing.T) {
	logs := observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		WithContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/files", nil))

	if seen == "" {
		t.Fatal("request id not set in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("header request id = %q, want %q", got, seen)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ContextMap()["request_id"] != seen {
			t.Errorf("entry %q missing request_id", e.Message)
		}
	}
	done := entries[1]
	if done.Level != zapcore.InfoLevel || done.ContextMap()["status"] != int64(http.StatusCreated) {
		t.Errorf("completion entry = %v %v", done.Level, done.ContextMap())
	}
}

func TestMiddlewareKeepsClientRequestID(t *testing.T) {
	observe(t)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q, want abc-123", got)
	}
}

func TestMiddlewareLevelByStatus(t *testing.T) {
	tests := []struct {
		path   string
		status int
		want   zapcore.Level
	}{
		{"/api/files", http.StatusOK, zapcore.InfoLevel},
		{"/api/files", http.StatusNotFound, zapcore.WarnLevel},
		{"/api/files", http.StatusInternalServerError, zapcore.ErrorLevel},
		{"/health", http.StatusOK, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		logs := observe(t)
		h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

		entries := logs.All()
		if len(entries) != 1 || entries[0].Level != tt.want {
			t.Errorf("%s %d: entries = %v, want one at %v", tt.path, tt.status, entries, tt.want)
		}
	}
}

func TestWithAddsFields(t *testing.T) {
	logs := observe(t)
	ctx := With(context.Background(), zap.Int64("user_id", 7))
	WithContext(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 || entries[0].ContextMap()["user_id"] != int64(7) {
		t.Fatalf("entries = %v", entries)
	}
}
