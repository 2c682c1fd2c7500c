package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecoveryReturnsJSON(t *testing.T) {
	w := do(newEngine(Recovery(), Logger()), http.MethodGet, "/panic", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "INTERNAL_ERROR") || strings.Contains(w.Body.String(), "boom") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestBodySizeLimit(t *testing.T) {
	r := newEngine(BodySizeLimit(8))
	if w := do(r, http.MethodPost, "/echo", `{"a":1}`); w.Code != http.StatusOK {
		t.Errorf("small body status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/echo", `{"ingredients":["a","b","c"]}`); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("large body status = %d", w.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	r := newEngine(RateLimitWith(limiter, time.Minute))

	for i := 0; i < 2; i++ {
		if w := do(r, http.MethodPost, "/echo", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := do(r, http.MethodPost, "/echo", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	if !limiter.Allow("10.0.0.2") {
		t.Error("other clients must have their own quota")
	}

	now = now.Add(time.Minute)
	if !limiter.Allow("192.0.2.1") {
		t.Error("quota should refill after the window")
	}
}

func TestDeduplication(t *testing.T) {
	d := NewDeduplicator(time.Second)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }
	r := newEngine(d.Middleware())

	if w := do(r, http.MethodPost, "/echo", `{"epochs":5}`); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/echo", `{"epochs":5}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/echo", `{"epochs":6}`); w.Code != http.StatusOK {
		t.Errorf("different body status = %d", w.Code)
	}

	now = now.Add(2 * time.Second)
	if w := do(r, http.MethodPost, "/echo", `{"epochs":5}`); w.Code != http.StatusOK {
		t.Errorf("after window status = %d", w.Code)
	}
}
