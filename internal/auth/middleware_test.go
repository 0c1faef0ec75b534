package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAdminContext(header string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/admin/escrow", nil)
	if header != "" {
		c.Request.Header.Set(HeaderAdminSecret, header)
	}
	return c, w
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	c, _ := newAdminContext("supersecret123")

	RequireAdmin("supersecret123")(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
	if !IsAdmin(c) {
		t.Error("Expected request to be marked as admin")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	c, w := newAdminContext("wrongsecret")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
	if IsAdmin(c) {
		t.Error("Expected request not to be marked as admin")
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	c, w := newAdminContext("")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing admin header, got %d", w.Code)
	}
}

func TestRequireAdmin_NoSecretConfigured(t *testing.T) {
	c, _ := newAdminContext("")

	RequireAdmin("")(c)

	if c.IsAborted() {
		t.Error("Expected open access when no secret is configured")
	}
}
