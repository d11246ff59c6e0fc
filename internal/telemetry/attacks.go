package telemetry

import (
	"fmt"
	"time"

	"arc-sentinel/internal/schema"
)

// Attack names a multi-event attack chain.
type Attack string

const (
	AttackBruteForce   Attack = "bruteforce"
	AttackPortScan     Attack = "port_scan"
	AttackMalware      Attack = "malware"
	AttackDDoS         Attack = "ddos"
	AttackSQLInjection Attack = "sql_injection"
	AttackPrivilegeEsc Attack = "privilege_escalation"
	AttackExfiltration Attack = "exfiltration"
)

// Attacks lists every chain.
var Attacks = []Attack{
	AttackBruteForce,
	AttackPortScan,
	AttackMalware,
	AttackDDoS,
	AttackSQLInjection,
	AttackPrivilegeEsc,
	AttackExfiltration,
}

var chainLength = map[Attack]int{
	AttackBruteForce:   7,
	AttackPortScan:     10,
	AttackMalware:      3,
	AttackDDoS:         10,
	AttackSQLInjection: 2,
	AttackPrivilegeEsc: 3,
	AttackExfiltration: 2,
}

// ParseAttack returns the attack with the given name.
func ParseAttack(name string) (Attack, bool) {
	for _, a := range Attacks {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

// burstGap spaces events inside a chain closely enough to fall in the
// detection windows.
const burstGap = 2 * time.Second

// Attack returns the events of one attack chain against target. Events are
// spaced burstGap apart after the generator's clock.
func (g *Generator) Attack(a Attack, target string) []*schema.Event {
	attacker := fmt.Sprintf("10.0.0.%d", 1+g.rng.Intn(254))
	var out []*schema.Event
	add := func(typ string, sev schema.Severity, src string, mutate func(*schema.Event)) {
		e := g.event(typ, sev, src, burstGap)
		mutate(e)
		out = append(out, e)
	}

	switch a {
	case AttackBruteForce:
		for i := 0; i < 6; i++ {
			sev := schema.SeverityMedium
			if i >= 4 {
				sev = schema.SeverityHigh
			}
			add(schema.TypeLoginFailure, sev, attacker, func(e *schema.Event) {
				e.Payload = schema.Payload{
					"username": pick(g.rng, []string{"admin", "root", "administrator"}),
					"method":   "ssh",
					"reason":   "invalid_password",
				}
			})
		}
		add(schema.TypeLoginSuccess, schema.SeverityCritical, attacker, func(e *schema.Event) {
			e.Payload = schema.Payload{"username": "admin", "method": "ssh", "suspicious": true}
		})

	case AttackPortScan:
		for _, port := range []int{22, 23, 80, 443, 445, 3306, 3389, 5432, 8080, 8443} {
			add(schema.TypeNetworkConnection, schema.SeverityMedium, attacker, func(e *schema.Event) {
				e.DestIP, e.DestPort, e.Bytes = target, port, 64
				e.Payload = schema.Payload{"protocol": "TCP", "flags": "SYN"}
			})
		}

	case AttackMalware:
		host := g.internalIP()
		add(schema.TypeProcessStart, schema.SeverityCritical, host, func(e *schema.Event) {
			e.Payload = schema.Payload{
				"process_name": "suspicious.exe",
				"pid":          float64(6666),
				"hash":         "abc123malicious",
				"parent":       "explorer.exe",
				"command":      "suspicious.exe -hidden -persist",
			}
		})
		add(schema.TypeNetworkConnection, schema.SeverityCritical, host, func(e *schema.Event) {
			e.DestIP, e.DestPort, e.Bytes = blacklistIPs[0], 443, 5000
			e.Payload = schema.Payload{"protocol": "TCP", "beacon": true}
		})
		add(schema.TypeFileAccess, schema.SeverityHigh, host, func(e *schema.Event) {
			e.Payload = schema.Payload{"path": "/etc/crontab", "user": "root", "action": "modify"}
		})

	case AttackDDoS:
		for i := 0; i < 10; i++ {
			src := fmt.Sprintf("%d.%d.%d.%d", 1+g.rng.Intn(223), g.rng.Intn(256), g.rng.Intn(256), 1+g.rng.Intn(254))
			add(schema.TypeNetworkConnection, schema.SeverityCritical, src, func(e *schema.Event) {
				e.DestIP, e.DestPort = target, 80
				e.Bytes = int64(5000 + g.rng.Intn(10000))
				e.Payload = schema.Payload{"protocol": "TCP", "flags": pick(g.rng, []string{"SYN", "ACK", "RST"})}
			})
		}

	case AttackSQLInjection:
		add(schema.TypeNetworkConnection, schema.SeverityMedium, attacker, func(e *schema.Event) {
			e.DestIP, e.DestPort, e.Bytes = target, 3306, 512
			e.Payload = schema.Payload{"service": "mysql"}
		})
		add(schema.TypeWebRequest, schema.SeverityHigh, attacker, func(e *schema.Event) {
			e.DestIP = target
			e.Payload = schema.Payload{
				"query":    "SELECT * FROM users WHERE id=1 OR 1=1; DROP TABLE users;--",
				"database": "production_db",
			}
		})

	case AttackPrivilegeEsc:
		host := g.internalIP()
		add(schema.TypeLoginSuccess, schema.SeverityLow, host, func(e *schema.Event) {
			e.Payload = schema.Payload{"username": "user1", "method": "ssh"}
		})
		add(schema.TypeProcessStart, schema.SeverityHigh, host, func(e *schema.Event) {
			e.Payload = schema.Payload{"process_name": "sudo", "pid": float64(8888), "command": "sudo -i", "username": "user1"}
		})
		add(schema.TypeUserChange, schema.SeverityCritical, host, func(e *schema.Event) {
			e.Payload = schema.Payload{"user_change": "user1 -> root", "method": "sudo", "username": "user1"}
		})

	case AttackExfiltration:
		host := g.internalIP()
		add(schema.TypeProcessStart, schema.SeverityMedium, host, func(e *schema.Event) {
			e.Payload = schema.Payload{"process_name": "tar", "pid": float64(7777), "command": "tar -czf /tmp/data.tar.gz /var/sensitive/"}
		})
		add(schema.TypeNetworkConnection, schema.SeverityCritical, host, func(e *schema.Event) {
			e.DestIP, e.DestPort, e.Bytes = blacklistIPs[1], 443, 500000
			e.Payload = schema.Payload{"protocol": "TCP", "direction": "outbound"}
		})
	}
	return out
}
