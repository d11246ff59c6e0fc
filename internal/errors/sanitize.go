// Package errors keeps internal details out of error messages returned to API
// clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	filePathPattern      = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)
	ipPattern            = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|pq:|clickhouse|database|connection string|dial tcp|password=|secret=|token=|api[_-]?key=)`)
)

var productionMode atomic.Bool

// SetProductionMode turns sanitization on or off. Development mode returns
// messages unchanged.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction reports whether sanitization is on.
func IsProduction() bool {
	return productionMode.Load()
}

// SanitizeError returns err with a sanitized message in production mode.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !IsProduction() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString strips file paths, masks IP addresses and replaces storage
// or credential details with a generic message.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "storage operation failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return s
}

// userFacing are message fragments clients may always see.
var userFacing = []string{
	"invalid event",
	"invalid request",
	"invalid transition",
	"status transition",
	"not found",
	"insufficient training data",
	"model not trained",
	"queue is full",
	"unauthorized",
}

// SafeErrorMessage passes known client errors through and sanitizes the rest.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) && !internalErrorPattern.MatchString(msg) {
			return msg
		}
	}
	return SanitizeString(msg)
}
