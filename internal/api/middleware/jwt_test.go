package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newAuthRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"subject": c.GetString(ContextSubject),
			"role":    c.GetString(ContextRole),
		})
	})
	return r
}

func doAuth(r http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	r := newAuthRouter(secret)

	valid, err := IssueToken(secret, "ops", "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	noTTL, err := IssueToken(secret, "ops", "admin", 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expiredClaims := customClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	stale, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte(secret))
	foreign, _ := IssueToken("other-secret", "ops", "admin", time.Hour)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, customClaims{}).SignedString([]byte(secret))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, http.StatusOK},
		{"lowercase scheme", "bearer " + valid, http.StatusOK},
		{"no ttl", "Bearer " + noTTL, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + stale, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"empty subject", "Bearer " + noSubject, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAuth(r, tt.header)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestIssueToken_Validation(t *testing.T) {
	if _, err := IssueToken("", "ops", "", 0); err == nil {
		t.Fatalf("expected error for empty secret")
	}
	if _, err := IssueToken("s", " ", "", 0); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}
