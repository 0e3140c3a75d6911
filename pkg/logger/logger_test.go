package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestLevelByEnv(t *testing.T) {
	if Level("local") != slog.LevelDebug || Level("dev") != slog.LevelDebug {
		t.Fatalf("expected debug for local/dev")
	}
	if Level("production") != slog.LevelInfo {
		t.Fatalf("expected info for production")
	}
}

func TestSessionSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter("production", &buf)
	Session(l, "call-1", "", "wf-1", "").Info("x")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["call_id"] != "call-1" || line["workflow_id"] != "wf-1" {
		t.Fatalf("unexpected attrs: %v", line)
	}
	if _, ok := line["provider_call_id"]; ok {
		t.Fatalf("empty attr should be skipped: %v", line)
	}
}

func TestFromFallsBackToDefault(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
}

func TestMiddlewareInjectsRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWriter("local", &buf)

	r := gin.New()
	r.Use(Middleware(l, "/quiet"))
	r.GET("/x", func(c *gin.Context) {
		From(c.Request.Context()).Info("inside")
		c.Status(http.StatusNoContent)
	})
	r.GET("/quiet", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-Id") != "rid-1" {
		t.Fatalf("request id not echoed")
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, ln := range lines {
		if !strings.Contains(ln, `"request_id":"rid-1"`) {
			t.Fatalf("missing request id: %s", ln)
		}
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/quiet", nil))
	if !strings.Contains(buf.String(), `"level":"DEBUG"`) {
		t.Fatalf("quiet path should log at debug: %s", buf.String())
	}
}
