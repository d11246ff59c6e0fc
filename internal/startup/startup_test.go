package startup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"arc-sentinel/internal/config"
)

// ---------- helpers ----------

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// freePort returns a port that was free a moment ago.
func freePort() int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newTestDiagnostics returns diagnostics over a default config on a free
// port. Dials fail unless the test replaces d.dial.
func newTestDiagnostics() (*Diagnostics, *config.Config, *bytes.Buffer) {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = freePort()
	var buf bytes.Buffer
	d := NewDiagnostics(cfg, "", newTestLogger(&buf))
	d.dial = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	return d, cfg, &buf
}

func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func mustResult(t *testing.T, d *Diagnostics, name string) DiagnosticResult {
	t.Helper()
	r := findResult(d.results, name)
	if r == nil {
		t.Fatalf("result %q not found", name)
	}
	return *r
}

// ---------- Status ----------

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.status.String(); got != tt.expected {
				t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.expected)
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(DiagnosticResult{Name: "x", Status: StatusWarning})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"status":"WARNING"`) {
		t.Errorf("status not rendered by name: %s", data)
	}
}

// ---------- addResult ----------

func TestAddResult(t *testing.T) {
	tests := []struct {
		status Status
		level  string
	}{
		{StatusOK, "INFO"},
		{StatusWarning, "WARN"},
		{StatusError, "ERROR"},
		{StatusSkipped, "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			d, _, buf := newTestDiagnostics()
			d.addResult(DiagnosticResult{Name: "check", Status: tt.status, Details: map[string]string{"k": "v"}})

			if len(d.Results()) != 1 {
				t.Fatalf("results = %d, want 1", len(d.Results()))
			}
			out := buf.String()
			if !strings.Contains(out, "level="+tt.level) {
				t.Errorf("log output missing level %s: %s", tt.level, out)
			}
			if !strings.Contains(out, "k=v") {
				t.Errorf("log output missing details: %s", out)
			}
		})
	}
}

func TestHasErrorsAndWarnings(t *testing.T) {
	d, _, _ := newTestDiagnostics()
	if d.HasErrors() || d.HasWarnings() {
		t.Fatal("empty diagnostics report problems")
	}

	d.addResult(DiagnosticResult{Name: "a", Status: StatusWarning})
	if d.HasErrors() || !d.HasWarnings() {
		t.Error("want warnings only")
	}

	d.addResult(DiagnosticResult{Name: "b", Status: StatusError})
	d.addResult(DiagnosticResult{Name: "c", Status: StatusSkipped})
	if !d.HasErrors() {
		t.Error("HasErrors = false after an error")
	}

	ok, warnings, errs, skipped := d.Counts()
	if ok != 0 || warnings != 1 || errs != 1 || skipped != 1 {
		t.Errorf("Counts = %d/%d/%d/%d, want 0/1/1/1", ok, warnings, errs, skipped)
	}
}

// ---------- checks ----------

func TestCheckSystem(t *testing.T) {
	d, _, _ := newTestDiagnostics()
	d.checkSystem(context.Background())

	r := mustResult(t, d, "runtime")
	if r.Status != StatusOK || r.Details["go_version"] == "" {
		t.Errorf("runtime result = %+v", r)
	}
	if findResult(d.results, "memory") == nil {
		t.Error("memory result missing")
	}
}

func TestCheckConfiguration(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(existing, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		mutate func(*config.Config)
		file   Status
		valid  Status
	}{
		{"no path", "", nil, StatusSkipped, StatusOK},
		{"missing file", filepath.Join(dir, "absent.yaml"), nil, StatusWarning, StatusOK},
		{"existing file", existing, nil, StatusOK, StatusOK},
		{"invalid config", existing, func(c *config.Config) { c.Storage.Backend = "tape" }, StatusOK, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg, _ := newTestDiagnostics()
			d.configPath = tt.path
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			d.checkConfiguration()

			if got := mustResult(t, d, "config_file").Status; got != tt.file {
				t.Errorf("config_file = %v, want %v", got, tt.file)
			}
			if got := mustResult(t, d, "config_validation").Status; got != tt.valid {
				t.Errorf("config_validation = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestCheckPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	d, cfg, _ := newTestDiagnostics()
	cfg.Ingest.TCP.Enabled = true
	cfg.Ingest.TCP.Address = busy.Addr().String()
	d.checkPorts()

	if got := mustResult(t, d, "port_http").Status; got != StatusOK {
		t.Errorf("port_http = %v, want OK", got)
	}
	if got := mustResult(t, d, "port_tcp_ingest").Status; got != StatusError {
		t.Errorf("port_tcp_ingest = %v, want ERROR", got)
	}
}

func TestCheckSecurity(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	for _, f := range []string{cert, key} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  string
		want   Status
	}{
		{"auth disabled", nil, "auth", StatusWarning},
		{"auth disabled in production", func(c *config.Config) { c.Server.Production = true }, "auth", StatusError},
		{"auth enabled", func(c *config.Config) { c.Auth.Enabled = true; c.Auth.APIKeys = []string{"k"} }, "auth", StatusOK},
		{"rate limit on", nil, "rate_limiting", StatusOK},
		{"rate limit off", func(c *config.Config) { c.RateLimit.Enabled = false }, "rate_limiting", StatusWarning},
		{"tcp disabled", nil, "tcp_ingest_security", StatusSkipped},
		{"tcp plain", func(c *config.Config) { c.Ingest.TCP.Enabled = true }, "tcp_ingest_security", StatusWarning},
		{"tcp tls missing certs", func(c *config.Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
			c.Ingest.TCP.TLSCertFile = filepath.Join(dir, "nope.pem")
		}, "tcp_ingest_security", StatusError},
		{"tcp tls", func(c *config.Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
			c.Ingest.TCP.TLSCertFile = cert
			c.Ingest.TCP.TLSKeyFile = key
		}, "tcp_ingest_security", StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg, _ := newTestDiagnostics()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			d.checkSecurity()
			if got := mustResult(t, d, tt.check).Status; got != tt.want {
				t.Errorf("%s = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestCheckModelPath(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	d.checkModelPath()
	if got := mustResult(t, d, "model_path").Status; got != StatusSkipped {
		t.Errorf("no path: %v, want SKIPPED", got)
	}

	d, cfg, _ = newTestDiagnostics()
	cfg.Model.Path = filepath.Join(t.TempDir(), "model.bin")
	d.checkModelPath()
	if got := mustResult(t, d, "model_path").Status; got != StatusOK {
		t.Errorf("writable dir: %v, want OK", got)
	}

	d, cfg, _ = newTestDiagnostics()
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing", "model.bin")
	d.checkModelPath()
	if got := mustResult(t, d, "model_path").Status; got != StatusError {
		t.Errorf("missing dir: %v, want ERROR", got)
	}
}

func TestCheckBackends(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	cfg.Storage.Backend = config.BackendClickHouse
	cfg.ClickHouse.Hosts = []string{"ch:9000"}
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "redis:6379"
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://bus"

	var dialed []string
	d.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if addr == "redis:6379" {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	d.checkBackends(context.Background())

	want := map[string]Status{
		"backend_clickhouse": StatusOK,
		"backend_postgres":   StatusSkipped,
		"backend_redis":      StatusError,
		"backend_kafka":      StatusSkipped,
		"backend_nats":       StatusOK,
	}
	for name, status := range want {
		if got := mustResult(t, d, name).Status; got != status {
			t.Errorf("%s = %v, want %v", name, got, status)
		}
	}
	if strings.Join(dialed, ",") != "ch:9000,redis:6379,bus:4222" {
		t.Errorf("dialed %v", dialed)
	}
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		raw, port, want string
	}{
		{"postgres://u:p@db:5433/x?sslmode=disable", "5432", "db:5433"},
		{"postgres://u:p@db/x", "5432", "db:5432"},
		{"nats://localhost:4222", "4222", "localhost:4222"},
		{"host=db user=arc", "5432", ""},
		{"", "5432", ""},
	}
	for _, tt := range tests {
		if got := hostPort(tt.raw, tt.port); got != tt.want {
			t.Errorf("hostPort(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// ---------- RunAll ----------

func TestRunAll_Defaults(t *testing.T) {
	d, _, buf := newTestDiagnostics()
	results := d.RunAll(context.Background())

	if len(results) == 0 {
		t.Fatal("no results")
	}
	if d.HasErrors() {
		for _, r := range results {
			if r.Status == StatusError {
				t.Errorf("unexpected error: %+v", r)
			}
		}
	}
	// Authentication is off by default.
	if !d.HasWarnings() {
		t.Error("expected warnings for default config")
	}
	if !strings.Contains(buf.String(), "diagnostics summary") {
		t.Error("summary not logged")
	}
}
