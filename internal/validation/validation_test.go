package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ACM2278", true},
		{"jane.doe@corp", true},
		{"svc_backup-01", true},
		{strings.Repeat("a", 128), true},

		{"", false},
		{"-leading", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 129), false},
	}

	for _, tc := range tests {
		if got := IsValidUserID(tc.id); got != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("user", "ACM2278"),
		ValidUserID("user", "ACM2278"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("action", ""),
		ValidUserID("user", "bad id"),
	)
	if len(errs) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errs))
	}
	if errs.Error() != "action: is required" {
		t.Errorf("unexpected message %q", errs.Error())
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:id", UserIDParamMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})
	r.GET("/search", QueryMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.Query("q"))
	})
	r.POST("/logs", RequestSizeMiddleware(16), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func serve(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))
	return w
}

func TestUserIDParamMiddleware(t *testing.T) {
	r := newRouter()

	if w := serve(r, "GET", "/users/ACM2278", ""); w.Code != http.StatusOK {
		t.Errorf("valid id rejected: %d", w.Code)
	}
	if w := serve(r, "GET", "/users/bad%3Bid", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", w.Code)
	}
}

func TestQueryMiddleware(t *testing.T) {
	r := newRouter()

	w := serve(r, "GET", "/search?q=%20payroll%00%20", "")
	if w.Code != http.StatusOK || w.Body.String() != "payroll" {
		t.Errorf("expected sanitized query, got %d %q", w.Code, w.Body.String())
	}
	if w := serve(r, "GET", "/search?q="+strings.Repeat("x", MaxQueryLength+1), ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for long query, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := newRouter()

	if w := serve(r, "POST", "/logs", `{"a":1}`); w.Code != http.StatusOK {
		t.Errorf("small body rejected: %d", w.Code)
	}
	if w := serve(r, "POST", "/logs", strings.Repeat("x", 64)); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
