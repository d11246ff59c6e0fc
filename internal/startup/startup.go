// Package startup runs preflight diagnostics against the loaded configuration:
// listener ports, TLS material, the model directory, security settings and
// reachability of every enabled backend.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"arc-sentinel/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DialTimeout bounds each backend reachability probe.
const DialTimeout = 3 * time.Second

// Diagnostics runs the preflight checks.
type Diagnostics struct {
	cfg        *config.Config
	configPath string
	results    []DiagnosticResult
	logger     *slog.Logger
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDiagnostics creates a diagnostics runner. configPath is the file the
// configuration was loaded from; a nil logger uses slog.Default.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{Timeout: DialTimeout}
	return &Diagnostics{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		dial:       d.DialContext,
	}
}

// RunAll runs every check and returns the results in order.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem(ctx)
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurity()
	d.checkModelPath()
	d.checkBackends(ctx)
	d.logSummary()

	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem(ctx context.Context) {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
		},
	})

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "memory",
			Status:  StatusSkipped,
			Message: fmt.Sprintf("Memory statistics unavailable: %s", err),
		})
		return
	}
	status, msg := StatusOK, "Host memory available"
	if vm.UsedPercent > 90 {
		status, msg = StatusWarning, "Host memory above 90% used"
	}
	d.addResult(DiagnosticResult{
		Name:    "memory",
		Status:  status,
		Message: msg,
		Details: map[string]string{
			"total_mb":     strconv.FormatUint(vm.Total/1024/1024, 10),
			"available_mb": strconv.FormatUint(vm.Available/1024/1024, 10),
			"used_percent": fmt.Sprintf("%.1f", vm.UsedPercent),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	switch {
	case d.configPath == "":
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusSkipped,
			Message: "No config file given",
		})
	case fileExists(d.configPath):
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPorts() {
	ports := []struct {
		name string
		addr string
	}{
		{"http", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)},
	}
	if d.cfg.Ingest.TCP.Enabled {
		ports = append(ports, struct {
			name string
			addr string
		}{"tcp_ingest", d.cfg.Ingest.TCP.Address})
	}

	for _, p := range ports {
		name := "port_" + p.name
		ln, err := net.Listen("tcp", p.addr)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Address %s is not available: %s", p.addr, err),
				Details: map[string]string{"address": p.addr},
			})
			continue
		}
		ln.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("Address %s is available", p.addr),
			Details: map[string]string{"address": p.addr},
		})
	}
}

func (d *Diagnostics) checkSecurity() {
	switch {
	case d.cfg.Auth.Enabled:
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusOK,
			Message: "API key authentication is enabled",
			Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeys))},
		})
	case d.cfg.Server.Production:
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusError,
			Message: "Production mode without API key authentication",
			Details: map[string]string{"recommendation": "Set auth.enabled=true or ARC_API_KEY"},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "Authentication is DISABLED - enable for production",
			Details: map[string]string{"recommendation": "Set auth.enabled=true"},
		})
	}

	if d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": strconv.Itoa(d.cfg.RateLimit.RequestsPerIP),
				"window":          d.cfg.RateLimit.WindowSize.String(),
			},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
		})
	}

	tcp := d.cfg.Ingest.TCP
	switch {
	case !tcp.Enabled:
		d.addResult(DiagnosticResult{
			Name:    "tcp_ingest_security",
			Status:  StatusSkipped,
			Message: "TCP ingest is disabled",
		})
	case !tcp.TLSEnabled:
		d.addResult(DiagnosticResult{
			Name:    "tcp_ingest_security",
			Status:  StatusWarning,
			Message: "TCP ingest is running WITHOUT TLS encryption",
			Details: map[string]string{"recommendation": "Set ingest.tcp.tls_enabled=true"},
		})
	case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
		d.addResult(DiagnosticResult{
			Name:    "tcp_ingest_security",
			Status:  StatusError,
			Message: "TLS enabled but certificate files missing",
			Details: map[string]string{
				"cert_file": tcp.TLSCertFile,
				"key_file":  tcp.TLSKeyFile,
			},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "tcp_ingest_security",
			Status:  StatusOK,
			Message: "TCP ingest TLS is configured",
		})
	}
}

// checkModelPath verifies the model file's directory exists and is writable.
func (d *Diagnostics) checkModelPath() {
	if d.cfg.S3.Enabled || d.cfg.Model.Path == "" {
		d.addResult(DiagnosticResult{
			Name:    "model_path",
			Status:  StatusSkipped,
			Message: "No local model file configured",
		})
		return
	}
	dir := filepath.Dir(d.cfg.Model.Path)
	f, err := os.CreateTemp(dir, ".arc-preflight-*")
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "model_path",
			Status:  StatusError,
			Message: fmt.Sprintf("Model directory is not writable: %s", err),
			Details: map[string]string{"dir": dir},
		})
		return
	}
	f.Close()
	os.Remove(f.Name())
	d.addResult(DiagnosticResult{
		Name:    "model_path",
		Status:  StatusOK,
		Message: "Model directory is writable",
		Details: map[string]string{"dir": dir},
	})
}

type backend struct {
	name    string
	enabled bool
	addr    string
}

// checkBackends dials every enabled backend. A failed dial is an error since
// startup will fail on it.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	for _, b := range d.backends() {
		name := "backend_" + b.name
		if !b.enabled {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusSkipped,
				Message: "Disabled",
			})
			continue
		}
		if b.addr == "" {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: "Enabled but no address could be determined",
			})
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
		conn, err := d.dial(dialCtx, "tcp", b.addr)
		cancel()
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Cannot reach %s: %s", b.name, err),
				Details: map[string]string{"address": b.addr},
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("%s is reachable", b.name),
			Details: map[string]string{"address": b.addr},
		})
	}
}

func (d *Diagnostics) backends() []backend {
	c := d.cfg
	return []backend{
		{"clickhouse", c.Storage.Backend == config.BackendClickHouse, first(c.ClickHouse.Hosts)},
		{"postgres", c.Postgres.Enabled, hostPort(c.Postgres.DSN, "5432")},
		{"redis", c.Redis.Enabled, c.Redis.Addr},
		{"kafka", c.Kafka.Enabled, first(c.Kafka.Brokers)},
		{"nats", c.NATS.Enabled, hostPort(c.NATS.URL, "4222")},
	}
}

func (d *Diagnostics) logSummary() {
	ok, warnings, errs, skipped := d.Counts()
	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errs,
		"skipped", skipped,
	)
	if errs > 0 {
		d.logger.Error("startup diagnostics found errors - service may not start")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review before production")
	}
}

// Counts tallies the results by status.
func (d *Diagnostics) Counts() (ok, warnings, errs, skipped int) {
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errs++
		case StatusSkipped:
			skipped++
		}
	}
	return ok, warnings, errs, skipped
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func first(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// hostPort extracts host:port from a URL such as a Postgres DSN or a NATS URL.
func hostPort(raw, defaultPort string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
