package errors

import (
	"errors"
	"strings"
	"testing"
)

func withProduction(t *testing.T, on bool) {
	t.Helper()
	prev := IsProduction()
	SetProductionMode(on)
	t.Cleanup(func() { SetProductionMode(prev) })
}

func TestSanitizeError_ProductionMode(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name        string
		input       error
		contains    string
		notContains string
	}{
		{"file path removal", errors.New("failed to open /var/lib/arc/model.zst"), "model.zst", "/var/lib/arc"},
		{"ip masking", errors.New("no route to 192.168.1.100:5432"), "192.168.x.x", "192.168.1.100"},
		{"storage details", errors.New("pq: password authentication failed for user arc"), "storage operation failed", "pq:"},
		{"clickhouse details", errors.New("clickhouse: code 60 table arc.events does not exist"), "storage operation failed", "arc.events"},
		{"stack trace", errors.New("panic\ngoroutine 1 [running]:\nmain.go:1"), "internal server error", "goroutine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeError(tt.input).Error()
			if !strings.Contains(got, tt.contains) {
				t.Errorf("expected %q to contain %q", got, tt.contains)
			}
			if strings.Contains(got, tt.notContains) {
				t.Errorf("expected %q not to contain %q", got, tt.notContains)
			}
		})
	}

	if SanitizeError(nil) != nil {
		t.Error("SanitizeError(nil) should be nil")
	}
}

func TestSanitizeError_DevelopmentMode(t *testing.T) {
	withProduction(t, false)

	err := errors.New("pq: failed at /var/lib/arc from 10.1.2.3")
	if got := SanitizeError(err); got != err {
		t.Errorf("development mode should return the original error, got %v", got)
	}
	if got := SanitizeString("10.1.2.3"); got != "10.1.2.3" {
		t.Errorf("SanitizeString() = %q in development mode", got)
	}
}

func TestSafeErrorMessage(t *testing.T) {
	withProduction(t, true)

	tests := []struct {
		name     string
		input    error
		expected string
	}{
		{"nil", nil, ""},
		{"invalid event", errors.New("pipeline: invalid event: event_type is required"), "pipeline: invalid event: event_type is required"},
		{"not found", errors.New("incident: not found"), "incident: not found"},
		{"transition", errors.New("incident: invalid transition from resolved to investigating"), "incident: invalid transition from resolved to investigating"},
		{"insufficient data", errors.New("anomaly: insufficient training data: have 3, need 10"), "anomaly: insufficient training data: have 3, need 10"},
		{"user facing but leaks storage", errors.New("not found: sql: no rows"), "storage operation failed"},
		{"internal", errors.New("dial tcp 10.0.0.5:9000: connection refused"), "storage operation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeErrorMessage(tt.input); got != tt.expected {
				t.Errorf("SafeErrorMessage() = %q, want %q", got, tt.expected)
			}
		})
	}
}
