// Package pagination parses limit/skip/before query parameters.
package pagination

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	ErrInvalidSkip   = errors.New("pagination: skip must be a non-negative integer")
	ErrInvalidBefore = errors.New("pagination: before must be an RFC3339 timestamp")
)

// Page is an offset window into a result set.
type Page struct {
	Limit int `json:"limit"`
	Skip  int `json:"skip"`
}

// Limit reads ?limit=, falling back to def for missing or non-positive
// values and capping at max.
func Limit(c *gin.Context, def, max int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// Parse reads ?limit= and ?skip=. A malformed skip is an error; a
// malformed limit falls back to def.
func Parse(c *gin.Context, def, max int) (Page, error) {
	p := Page{Limit: Limit(c, def, max)}
	if v := c.Query("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, ErrInvalidSkip
		}
		p.Skip = n
	}
	return p, nil
}

// Before reads ?before= as an RFC3339 timestamp. It returns nil when the
// parameter is absent.
func Before(c *gin.Context) (*time.Time, error) {
	v := c.Query("before")
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, ErrInvalidBefore
	}
	return &t, nil
}
