package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/campus-bulk/internal/config"
	"github.com/yourusername/campus-bulk/internal/tenant"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cfg := &config.Config{
		SessionSecret: "test-secret",
		Accounts: []config.Account{
			{Username: "principal", Role: tenant.RolePrincipal, InstitutionID: "inst-1", PasswordHash: string(hash)},
		},
	}
	manager := NewManager(cfg)

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	router.POST("/api/auth/login", manager.Login)
	protected := router.Group("/api", manager.RequireLogin(), manager.VerifyCSRF())
	protected.GET("/auth/me", manager.Me)
	protected.POST("/echo", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func login(t *testing.T, router *gin.Engine, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "principal", "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginSetsScope(t *testing.T) {
	router := newTestRouter(t)

	rec := login(t, router, "s3cret")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected login status: %d body=%s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(csrfHeader)
	if token == "" {
		t.Fatal("CSRF token header missing")
	}
	cookies := rec.Result().Cookies()

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	meRec := httptest.NewRecorder()
	router.ServeHTTP(meRec, req)
	if meRec.Code != http.StatusOK {
		t.Fatalf("unexpected me status: %d", meRec.Code)
	}
	var scope tenant.Scope
	if err := json.Unmarshal(meRec.Body.Bytes(), &scope); err != nil {
		t.Fatalf("decode scope: %v", err)
	}
	if scope.Role != tenant.RolePrincipal || scope.InstitutionID != "inst-1" || scope.UserID != "principal" {
		t.Fatalf("unexpected scope: %+v", scope)
	}

	post := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	for _, ck := range cookies {
		post.AddCookie(ck)
	}
	postRec := httptest.NewRecorder()
	router.ServeHTTP(postRec, post)
	if postRec.Code != http.StatusForbidden {
		t.Fatalf("POST without CSRF header must be rejected, got %d", postRec.Code)
	}

	post = httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	post.Header.Set(csrfHeader, token)
	for _, ck := range cookies {
		post.AddCookie(ck)
	}
	postRec = httptest.NewRecorder()
	router.ServeHTTP(postRec, post)
	if postRec.Code != http.StatusNoContent {
		t.Fatalf("POST with CSRF header should pass, got %d", postRec.Code)
	}
}

func TestRequireLoginRejectsAnonymous(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginLockout(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < maxLoginAttempts; i++ {
		rec := login(t, router, "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := login(t, router, "s3cret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}
