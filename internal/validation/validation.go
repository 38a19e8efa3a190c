// Package validation provides input validation middleware for the analyst
// and ingestion APIs.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the default request body limit (1MB).
const MaxRequestSize = 1 << 20

// MaxQueryLength caps free-text search input.
const MaxQueryLength = 256

// userIDRegex matches directory-style identities such as "ACM2278" or
// "jane.doe@corp".
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is an acceptable user identity.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString removes null bytes, trims whitespace and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks a non-empty field against IsValidUserID.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 letters, digits, '.', '_', '@' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// UserIDParamMiddleware rejects malformed :id parameters before the handler
// touches storage.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-128 letters, digits, '.', '_', '@' or '-'",
			})
			return
		}
		c.Next()
	}
}

// QueryMiddleware sanitizes ?q= in place and rejects oversized input.
func QueryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("q")
		if errs := Validate(MaxLength("q", raw, MaxQueryLength)); len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error()})
			return
		}
		if raw != "" {
			q := c.Request.URL.Query()
			q.Set("q", SanitizeString(raw, MaxQueryLength))
			c.Request.URL.RawQuery = q.Encode()
		}
		c.Next()
	}
}
