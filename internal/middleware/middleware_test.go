package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	defer rl.Close()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("s1") || !rl.Allow("s1") {
		t.Fatal("first two calls should pass")
	}
	if rl.Allow("s1") {
		t.Fatal("third call within the interval should be limited")
	}
	if !rl.Allow("s2") {
		t.Fatal("buckets must be per key")
	}
	now = now.Add(time.Second)
	if !rl.Allow("s1") {
		t.Fatal("bucket should refill after the interval")
	}
	rl.Forget("s1")
	if !rl.Allow("s1") || !rl.Allow("s1") {
		t.Fatal("forgotten key should start full")
	}
}

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
}

func TestStaffRoutesCheckTokenAndPermission(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/monitor", RequireStaffJWT(auth), RequirePermission(service.PermissionMonitorWrite), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID)
	})

	token := func(typ service.TokenType, perms ...string) string {
		tok, err := auth.GenerateToken(typ, "user-1", "org-1", perms)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"student token", "Bearer " + token(service.TokenTypeStudent), http.StatusForbidden},
		{"teacher without permission", "Bearer " + token(service.TokenTypeTeacher, service.PermissionMonitorRead), http.StatusForbidden},
		{"teacher with permission", "Bearer " + token(service.TokenTypeTeacher, service.PermissionMonitorWrite), http.StatusOK},
		{"admin", "Bearer " + token(service.TokenTypeAdmin), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/monitor", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestWSAuthReadsQueryToken(t *testing.T) {
	auth := newAuth()
	r := gin.New()
	r.GET("/ws", RequireWSAuth(auth, false), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	student, _ := auth.GenerateToken(service.TokenTypeStudent, "student-1", "org-1", nil)
	teacher, _ := auth.GenerateToken(service.TokenTypeTeacher, "teacher-1", "org-1", nil)

	for tok, want := range map[string]int{"": http.StatusUnauthorized, student: http.StatusNoContent, teacher: http.StatusForbidden} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
		if w.Code != want {
			t.Fatalf("token %q: status = %d, want %d", tok, w.Code, want)
		}
	}
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	r := gin.New()
	r.Use(Brotli())
	body := strings.Repeat("session ", 512)
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, body) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=1.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Content-Encoding") != "br" {
		t.Fatalf("large body not compressed")
	}
	plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	if err != nil || string(plain) != body {
		t.Fatalf("round trip failed: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Content-Encoding") != "" || w.Body.String() != "ok" {
		t.Fatalf("small body = %q encoding %q", w.Body.String(), w.Header().Get("Content-Encoding"))
	}
}

func TestRequestLoggerTagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(response.RequestIDMiddleware(), RequestLogger(zerolog.New(&buf)))
	r.GET("/x", func(c *gin.Context) {
		Logger(c).Info().Msg("inside handler")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(response.HeaderRequestID, "trace-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d: %s", len(lines), buf.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, `"request_id":"trace-42"`) {
			t.Fatalf("line without request id: %s", l)
		}
	}
}
