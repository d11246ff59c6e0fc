// Package detection evaluates events against rule-based threat signatures.
package detection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"
)

// Classifications produced by the built-in rules.
const (
	ClassBruteForce          = "bruteforce"
	ClassPortScan            = "port_scan"
	ClassMalware             = "malware"
	ClassDDoS                = "ddos"
	ClassSQLInjection        = "sql_injection"
	ClassExfiltration        = "data_exfiltration"
	ClassPrivilegeEscalation = "privilege_escalation"
	ClassMaliciousTraffic    = "malicious_traffic"
	// ClassMLAnomaly labels incidents raised by the outlier model alone.
	ClassMLAnomaly = "ml_anomaly"
)

// MITREMapping maps a rule to MITRE ATT&CK.
type MITREMapping struct {
	TacticID    string `json:"tactic_id" yaml:"tactic_id"`
	TacticName  string `json:"tactic_name" yaml:"tactic_name"`
	TechniqueID string `json:"technique_id" yaml:"technique_id"`
}

// Match is a positive rule result.
type Match struct {
	RuleID         string          `json:"rule_id"`
	Classification string          `json:"classification"`
	Severity       schema.Severity `json:"severity"`
	Description    string          `json:"description"`
	Confidence     float64         `json:"confidence"`
	Indicators     []string        `json:"indicators,omitempty"`
	MITRE          *MITREMapping   `json:"mitre,omitempty"`
}

// History is the read access rules need for windowed checks.
type History interface {
	Count(ctx context.Context, f storage.Filter) (int64, error)
	Query(ctx context.Context, f storage.Filter) ([]*schema.Event, error)
}

// Rule inspects one event. A nil match with a nil error means no detection.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, e *schema.Event, h History) (*Match, error)
}

// Config holds rule thresholds and indicator lists.
type Config struct {
	BruteForceThreshold int           `yaml:"bruteforce_threshold"`
	BruteForceWindow    time.Duration `yaml:"bruteforce_window"`
	PortScanThreshold   int           `yaml:"port_scan_threshold"`
	PortScanWindow      time.Duration `yaml:"port_scan_window"`
	TrafficBaseline     int64         `yaml:"traffic_baseline"`
	DDoSMultiplier      int64         `yaml:"ddos_multiplier"`
	ExfiltrationBytes   int64         `yaml:"exfiltration_bytes"`
	SuspiciousProcesses []string      `yaml:"suspicious_processes"`
	MaliciousHashes     []string      `yaml:"malicious_hashes"`
	ElevationTools      []string      `yaml:"elevation_tools"`
	SQLInjection        []string      `yaml:"sql_injection_patterns"`
	BlacklistIPs        []string      `yaml:"blacklist_ips"`
}

// DefaultConfig returns the built-in thresholds and simulated threat
// intelligence.
func DefaultConfig() Config {
	return Config{
		BruteForceThreshold: 5,
		BruteForceWindow:    30 * time.Second,
		PortScanThreshold:   10,
		PortScanWindow:      time.Minute,
		TrafficBaseline:     1000,
		DDoSMultiplier:      4,
		ExfiltrationBytes:   50000,
		SuspiciousProcesses: []string{
			"suspicious.exe", "mimikatz", "pwdump", "keylogger",
			"backdoor", "rootkit", "cryptominer", "ransomware",
		},
		MaliciousHashes: []string{
			"abc123malicious", "def456ransomware", "ghi789trojan", "jkl012rootkit",
		},
		ElevationTools: []string{"sudo", "su", "doas", "pkexec", "runas"},
		SQLInjection: []string{
			"UNION SELECT", "DROP TABLE", "DELETE FROM", "INSERT INTO",
			"UPDATE SET", "'; --", "OR 1=1", "' OR '",
		},
		BlacklistIPs: []string{
			"45.33.32.156", "198.51.100.42", "203.0.113.0", "192.0.2.1", "10.255.255.1",
		},
	}
}

// Validate checks thresholds.
func (c Config) Validate() error {
	if c.BruteForceThreshold < 1 || c.BruteForceWindow <= 0 {
		return fmt.Errorf("detection: bruteforce threshold and window must be positive")
	}
	if c.PortScanThreshold < 2 || c.PortScanWindow <= 0 {
		return fmt.Errorf("detection: port scan threshold must be >= 2 and window positive")
	}
	if c.TrafficBaseline <= 0 || c.DDoSMultiplier <= 0 || c.ExfiltrationBytes <= 0 {
		return fmt.Errorf("detection: byte thresholds must be positive")
	}
	return nil
}

// BuiltinRules returns the standard rule set.
func BuiltinRules(cfg Config) []Rule {
	return []Rule{
		&bruteForceRule{cfg: cfg},
		&portScanRule{cfg: cfg},
		&malwareRule{processes: lowerAll(cfg.SuspiciousProcesses), hashes: setOf(cfg.MaliciousHashes)},
		&ddosRule{cfg: cfg},
		&sqlInjectionRule{patterns: upperAll(cfg.SQLInjection)},
		&exfiltrationRule{cfg: cfg},
		&privilegeEscalationRule{tools: setOf(lowerAll(cfg.ElevationTools))},
		&maliciousTrafficRule{blacklist: setOf(cfg.BlacklistIPs)},
	}
}

// bruteForceRule fires on more than BruteForceThreshold login failures from one
// source within the window, counting the current event.
type bruteForceRule struct{ cfg Config }

func (r *bruteForceRule) ID() string { return "builtin-bruteforce" }

func (r *bruteForceRule) Evaluate(ctx context.Context, e *schema.Event, h History) (*Match, error) {
	if !isLoginFailure(e) {
		return nil, nil
	}
	prior, err := h.Count(ctx, storage.Filter{
		Start:    e.Timestamp.Add(-r.cfg.BruteForceWindow),
		End:      e.Timestamp,
		Type:     schema.TypeLoginFailure,
		SourceIP: e.SourceIP,
	})
	if err != nil {
		return nil, err
	}

	attempts := int(prior) + 1
	if attempts <= r.cfg.BruteForceThreshold {
		return nil, nil
	}
	user, _ := e.Payload.String("username")
	if user == "" {
		user = "unknown"
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassBruteForce,
		Severity:       schema.SeverityHigh,
		Description:    fmt.Sprintf("Brute force attack detected: %d failed login attempts in %s", attempts, r.cfg.BruteForceWindow),
		Confidence:     min(0.95, 0.5+float64(attempts-r.cfg.BruteForceThreshold)*0.1),
		Indicators: []string{
			"Source IP: " + e.SourceIP,
			fmt.Sprintf("Failed attempts: %d", attempts),
			"Target user: " + user,
		},
		MITRE: &MITREMapping{TacticID: "TA0006", TacticName: "Credential Access", TechniqueID: "T1110"},
	}, nil
}

func isLoginFailure(e *schema.Event) bool {
	if e.Type == schema.TypeLoginFailure {
		return true
	}
	if e.Type == "login_event" {
		ok, present := e.Payload["success"].(bool)
		return present && !ok
	}
	return false
}

// portScanRule fires when one source touches PortScanThreshold or more distinct
// destination ports within the window, counting the current event.
type portScanRule struct{ cfg Config }

func (r *portScanRule) ID() string { return "builtin-port-scan" }

func (r *portScanRule) Evaluate(ctx context.Context, e *schema.Event, h History) (*Match, error) {
	if e.DestPort == 0 {
		return nil, nil
	}
	recent, err := h.Query(ctx, storage.Filter{
		Start:    e.Timestamp.Add(-r.cfg.PortScanWindow),
		End:      e.Timestamp,
		SourceIP: e.SourceIP,
	})
	if err != nil {
		return nil, err
	}

	ports := map[int]struct{}{e.DestPort: {}}
	for _, prev := range recent {
		if prev.DestPort > 0 {
			ports[prev.DestPort] = struct{}{}
		}
	}
	if len(ports) < r.cfg.PortScanThreshold {
		return nil, nil
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassPortScan,
		Severity:       schema.SeverityMedium,
		Description:    fmt.Sprintf("Port scan detected: %d distinct ports probed in %s", len(ports), r.cfg.PortScanWindow),
		Confidence:     0.8,
		Indicators: []string{
			"Source IP: " + e.SourceIP,
			fmt.Sprintf("Distinct ports: %d", len(ports)),
		},
		MITRE: &MITREMapping{TacticID: "TA0007", TacticName: "Discovery", TechniqueID: "T1046"},
	}, nil
}

type malwareRule struct {
	processes []string
	hashes    map[string]struct{}
}

func (r *malwareRule) ID() string { return "builtin-malware" }

func (r *malwareRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	if e.Type != schema.TypeProcessStart && e.Type != "process_event" {
		return nil, nil
	}
	name, _ := e.Payload.String("process_name")
	name = strings.ToLower(name)
	hash, _ := e.Payload.String("hash")

	var indicators []string
	for _, p := range r.processes {
		if name != "" && strings.Contains(name, p) {
			indicators = append(indicators, "Suspicious process: "+name)
			break
		}
	}
	if _, ok := r.hashes[hash]; ok && hash != "" {
		indicators = append(indicators, "Known malicious hash: "+hash)
	}
	if len(indicators) == 0 {
		return nil, nil
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassMalware,
		Severity:       schema.SeverityCritical,
		Description:    "Malware detected: suspicious process or known malicious hash",
		Confidence:     0.9,
		Indicators:     indicators,
		MITRE:          &MITREMapping{TacticID: "TA0002", TacticName: "Execution", TechniqueID: "T1204"},
	}, nil
}

type ddosRule struct{ cfg Config }

func (r *ddosRule) ID() string { return "builtin-ddos" }

func (r *ddosRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	if !isNetwork(e) || e.Bytes <= r.cfg.TrafficBaseline*r.cfg.DDoSMultiplier {
		return nil, nil
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassDDoS,
		Severity:       schema.SeverityCritical,
		Description:    fmt.Sprintf("DDoS attack detected: traffic volume %d bytes exceeds threshold", e.Bytes),
		Confidence:     0.85,
		Indicators: []string{
			fmt.Sprintf("Traffic volume: %d bytes", e.Bytes),
			fmt.Sprintf("Baseline: %d bytes", r.cfg.TrafficBaseline),
			fmt.Sprintf("Multiplier: %.1fx", float64(e.Bytes)/float64(r.cfg.TrafficBaseline)),
		},
		MITRE: &MITREMapping{TacticID: "TA0040", TacticName: "Impact", TechniqueID: "T1498"},
	}, nil
}

type sqlInjectionRule struct{ patterns []string }

func (r *sqlInjectionRule) ID() string { return "builtin-sql-injection" }

// sqlFields are the payload keys that carry request or command text.
var sqlFields = []string{"command", "request_payload", "query", "url"}

func (r *sqlInjectionRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	for _, field := range sqlFields {
		text, ok := e.Payload.String(field)
		if !ok || text == "" {
			continue
		}
		upper := strings.ToUpper(text)
		for _, p := range r.patterns {
			if strings.Contains(upper, p) {
				return &Match{
					RuleID:         r.ID(),
					Classification: ClassSQLInjection,
					Severity:       schema.SeverityHigh,
					Description:    fmt.Sprintf("SQL injection attempt detected: found pattern '%s'", p),
					Confidence:     0.88,
					Indicators: []string{
						"Pattern matched: " + p,
						"Field: " + field,
						"Source: " + e.SourceIP,
					},
					MITRE: &MITREMapping{TacticID: "TA0001", TacticName: "Initial Access", TechniqueID: "T1190"},
				}, nil
			}
		}
	}
	return nil, nil
}

type exfiltrationRule struct{ cfg Config }

func (r *exfiltrationRule) ID() string { return "builtin-exfiltration" }

func (r *exfiltrationRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	if !isNetwork(e) || e.Bytes <= r.cfg.ExfiltrationBytes {
		return nil, nil
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassExfiltration,
		Severity:       schema.SeverityHigh,
		Description:    fmt.Sprintf("Potential data exfiltration: %d bytes transferred to %s", e.Bytes, e.DestIP),
		Confidence:     0.75,
		Indicators: []string{
			fmt.Sprintf("Outbound bytes: %d", e.Bytes),
			"Destination: " + e.DestIP,
		},
		MITRE: &MITREMapping{TacticID: "TA0010", TacticName: "Exfiltration", TechniqueID: "T1048"},
	}, nil
}

type privilegeEscalationRule struct{ tools map[string]struct{} }

func (r *privilegeEscalationRule) ID() string { return "builtin-privilege-escalation" }

func (r *privilegeEscalationRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	mitre := &MITREMapping{TacticID: "TA0004", TacticName: "Privilege Escalation", TechniqueID: "T1548"}

	if change, ok := e.Payload.String("user_change"); ok && strings.Contains(change, "->") {
		lower := strings.ToLower(change)
		if strings.Contains(lower, "root") || strings.Contains(lower, "admin") {
			return &Match{
				RuleID:         r.ID(),
				Classification: ClassPrivilegeEscalation,
				Severity:       schema.SeverityCritical,
				Description:    "Privilege escalation detected: " + change,
				Confidence:     0.92,
				Indicators:     []string{"Role change: " + change},
				MITRE:          mitre,
			}, nil
		}
	}

	if e.Type != schema.TypeProcessStart && e.Type != "process_event" {
		return nil, nil
	}
	name, _ := e.Payload.String("process_name")
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := r.tools[name]; !ok {
		return nil, nil
	}
	indicators := []string{"Elevation tool: " + name}
	if pid, err := e.Payload.PID(); err == nil && pid > 0 {
		indicators = append(indicators, fmt.Sprintf("PID: %d", pid))
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassPrivilegeEscalation,
		Severity:       schema.SeverityHigh,
		Description:    "Privilege escalation attempt via " + name,
		Confidence:     0.7,
		Indicators:     indicators,
		MITRE:          mitre,
	}, nil
}

type maliciousTrafficRule struct{ blacklist map[string]struct{} }

func (r *maliciousTrafficRule) ID() string { return "builtin-malicious-traffic" }

func (r *maliciousTrafficRule) Evaluate(_ context.Context, e *schema.Event, _ History) (*Match, error) {
	if e.DestIP == "" {
		return nil, nil
	}
	if _, ok := r.blacklist[e.DestIP]; !ok {
		return nil, nil
	}
	indicators := []string{"Blacklisted IP: " + e.DestIP}
	if e.DestPort > 0 {
		indicators = append(indicators, fmt.Sprintf("Port: %d", e.DestPort))
	}
	return &Match{
		RuleID:         r.ID(),
		Classification: ClassMaliciousTraffic,
		Severity:       schema.SeverityCritical,
		Description:    "Communication with known malicious IP: " + e.DestIP,
		Confidence:     0.95,
		Indicators:     indicators,
		MITRE:          &MITREMapping{TacticID: "TA0011", TacticName: "Command and Control", TechniqueID: "T1071"},
	}, nil
}

func isNetwork(e *schema.Event) bool {
	return e.Type == schema.TypeNetworkConnection || e.Type == "network_event"
}

func setOf(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func upperAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(v)
	}
	return out
}
