package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"editorSync/backend/config"
	"editorSync/backend/internal/presence"
)

const testSecret = "test-secret"

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func sign(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func accessClaims(sub, username string, ttl time.Duration) *Claims {
	return &Claims{
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

// router 返回的 handler 把中间件写入的提示回显出来
func router(secret string, required bool, got *presence.Hints, seen *bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", JWTAuth(secret, required, quietLogger()), func(c *gin.Context) {
		*got, *seen = HintsFrom(c)
		c.Status(http.StatusNoContent)
	})
	return r
}

func request(r http.Handler, header, query string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws"+query, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestJWTAuth_ValidTokenSetsHints(t *testing.T) {
	var got presence.Hints
	var seen bool
	r := router(testSecret, true, &got, &seen)

	token := sign(t, testSecret, accessClaims("42", "ada", time.Minute))
	if code := request(r, "bearer "+token, ""); code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", code)
	}
	if !seen {
		t.Fatalf("hints not set")
	}
	if diff := cmp.Diff(presence.Hints{Name: "ada", UserID: "42"}, got); diff != "" {
		t.Fatalf("hints mismatch (-want +got):\n%s", diff)
	}

	// 浏览器 websocket 通过 query 传 token
	seen = false
	if code := request(r, "", "?token="+token); code != http.StatusNoContent || !seen {
		t.Fatalf("query token: status = %d, seen = %v", code, seen)
	}
}

func TestJWTAuth_Rejections(t *testing.T) {
	var got presence.Hints
	var seen bool
	required := router(testSecret, true, &got, &seen)
	optional := router(testSecret, false, &got, &seen)

	expired := sign(t, testSecret, accessClaims("1", "x", -time.Minute))
	wrongKey := sign(t, "other", accessClaims("1", "x", time.Minute))
	refresh := accessClaims("1", "x", time.Minute)
	refresh.Type = "refresh"
	refreshToken := sign(t, testSecret, refresh)

	cases := []struct {
		name   string
		r      *gin.Engine
		header string
		want   int
	}{
		{"missing token required", required, "", http.StatusUnauthorized},
		{"missing token optional", optional, "", http.StatusNoContent},
		{"expired", optional, "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", optional, "Bearer " + wrongKey, http.StatusUnauthorized},
		{"refresh token", required, "Bearer " + refreshToken, http.StatusUnauthorized},
		{"garbage", required, "Bearer abc.def", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		if code := request(tc.r, tc.header, ""); code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, code, tc.want)
		}
	}
}

func TestJWTAuth_NoSecretPassesThrough(t *testing.T) {
	var got presence.Hints
	var seen bool
	r := router("", true, &got, &seen)
	if code := request(r, "Bearer whatever", ""); code != http.StatusNoContent || seen {
		t.Fatalf("status = %d seen = %v, want pass-through without hints", code, seen)
	}
}

func TestCORS_FollowsPolicy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	policy := config.ResolvePolicy(func(key string) (string, bool) {
		if key == config.KeyAllowedOrigins {
			return "https://app.example.com", true
		}
		return "", false
	}, quietLogger())

	r := gin.New()
	r.Use(CORS(policy))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	for origin, want := range map[string]bool{
		"https://app.example.com": true,
		"http://localhost:5173":   true,
		"https://evil.example":    false,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", origin)
		r.ServeHTTP(w, req)
		allowed := w.Header().Get("Access-Control-Allow-Origin") == origin
		if allowed != want {
			t.Fatalf("origin %s allowed = %v, want %v (status %d)", origin, allowed, want, w.Code)
		}
	}
}
