// Package telemetry generates seeded synthetic security events and attack
// bursts for simulation and tests.
package telemetry

import (
	"fmt"
	"math/rand"
	"time"

	"arc-sentinel/internal/schema"

	"github.com/google/uuid"
)

var (
	eventTypes = []string{
		schema.TypeLoginSuccess,
		schema.TypeLoginFailure,
		schema.TypeProcessStart,
		schema.TypeNetworkConnection,
		schema.TypeFileAccess,
	}
	severities      = []schema.Severity{schema.SeverityLow, schema.SeverityMedium, schema.SeverityHigh, schema.SeverityCritical}
	severityWeights = []float64{0.4, 0.35, 0.2, 0.05}

	externalIPs  = []string{"8.8.8.8", "1.1.1.1", "208.67.222.222", "9.9.9.9"}
	blacklistIPs = []string{"45.33.32.156", "198.51.100.42", "203.0.113.0", "192.0.2.1"}
	commonPorts  = []int{22, 80, 443, 3306, 5432, 8080, 8443, 3389}
	usernames    = []string{"admin", "root", "user1", "user2", "developer", "analyst", "guest", "service_account"}
	processes    = []string{"nginx", "python", "node", "java", "postgres", "redis", "docker", "systemd", "sshd", "cron", "apache2"}
	suspicious   = []string{"suspicious.exe", "cryptominer", "backdoor.sh"}
	files        = []string{"/var/log/syslog", "/var/log/auth.log", "/etc/hosts", "/home/user1/notes.txt", "/srv/app/config.yaml"}
)

// Config configures a Generator.
type Config struct {
	Seed  int64
	Start time.Time
	// Interval is the mean gap between consecutive events.
	Interval time.Duration
	// SuspiciousRate is the share of background events with mildly suspicious
	// details.
	SuspiciousRate float64
}

// DefaultConfig returns a one-event-per-second stream with 5% suspicious noise.
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Interval:       time.Second,
		SuspiciousRate: 0.05,
	}
}

// Generator produces a deterministic event stream for a seed. It is not safe
// for concurrent use.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	clock time.Time
	count int
}

// New creates a Generator.
func New(cfg Config) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Start.IsZero() {
		cfg.Start = DefaultConfig().Start
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		clock: cfg.Start,
	}
}

// Count returns the number of events generated.
func (g *Generator) Count() int { return g.count }

// Clock returns the timestamp of the most recent event.
func (g *Generator) Clock() time.Time { return g.clock }

// Next returns one background event.
func (g *Generator) Next() *schema.Event {
	susp := g.rng.Float64() < g.cfg.SuspiciousRate
	typ := pick(g.rng, eventTypes)

	sev := g.severity()
	if susp {
		sev = pick(g.rng, []schema.Severity{schema.SeverityMedium, schema.SeverityHigh})
	}

	e := g.event(typ, sev, g.internalIP(), g.gap())
	if susp && g.rng.Float64() < 0.3 {
		e.SourceIP = pick(g.rng, blacklistIPs)
	}

	switch typ {
	case schema.TypeLoginSuccess, schema.TypeLoginFailure:
		e.Payload = schema.Payload{
			"username": pick(g.rng, usernames),
			"method":   pick(g.rng, []string{"ssh", "console", "rdp", "api"}),
			"client":   fmt.Sprintf("OpenSSH_%d.%d", 7+g.rng.Intn(3), g.rng.Intn(10)),
		}
	case schema.TypeProcessStart:
		name := pick(g.rng, processes)
		if susp && g.rng.Float64() < 0.5 {
			name = pick(g.rng, suspicious)
		}
		e.Payload = schema.Payload{
			"process_name": name,
			"pid":          float64(1000 + g.rng.Intn(64536)),
			"ppid":         float64(1 + g.rng.Intn(1000)),
			"hash":         fmt.Sprintf("%016x", g.rng.Uint64()),
			"user":         pick(g.rng, usernames),
		}
	case schema.TypeNetworkConnection:
		e.DestIP = pick(g.rng, externalIPs)
		e.DestPort = pick(g.rng, commonPorts)
		e.Bytes = int64(64 + g.rng.Intn(4937))
		if susp && g.rng.Float64() < 0.4 {
			e.Bytes = int64(10000 + g.rng.Intn(30000))
		}
		e.Payload = schema.Payload{
			"protocol":  pick(g.rng, []string{"TCP", "UDP"}),
			"direction": pick(g.rng, []string{"inbound", "outbound"}),
		}
	case schema.TypeFileAccess:
		e.Payload = schema.Payload{
			"path":   pick(g.rng, files),
			"user":   pick(g.rng, usernames),
			"action": pick(g.rng, []string{"read", "write", "modify"}),
		}
	}
	return e
}

// Batch returns n background events.
func (g *Generator) Batch(n int) []*schema.Event {
	out := make([]*schema.Event, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}

// Mixed returns n background events with an attack burst of a random kind
// injected at each position where the seeded draw falls below attackRate.
// Burst events count towards n; a burst that would overflow n is skipped.
func (g *Generator) Mixed(n int, attackRate float64) []*schema.Event {
	out := make([]*schema.Event, 0, n)
	for len(out) < n {
		if g.rng.Float64() < attackRate {
			a := pick(g.rng, Attacks)
			if chainLength[a] <= n-len(out) {
				out = append(out, g.Attack(a, "192.168.1.100")...)
				continue
			}
		}
		out = append(out, g.Next())
	}
	return out
}

func (g *Generator) event(typ string, sev schema.Severity, src string, gap time.Duration) *schema.Event {
	g.count++
	g.clock = g.clock.Add(gap)
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		id = uuid.New()
	}
	return &schema.Event{
		ID:        id,
		Timestamp: g.clock,
		Type:      typ,
		Severity:  sev,
		SourceIP:  src,
	}
}

// gap draws a spacing in [Interval/2, 3*Interval/2).
func (g *Generator) gap() time.Duration {
	half := g.cfg.Interval / 2
	return half + time.Duration(g.rng.Int63n(int64(g.cfg.Interval)))
}

func (g *Generator) severity() schema.Severity {
	r := g.rng.Float64()
	for i, w := range severityWeights {
		if r < w {
			return severities[i]
		}
		r -= w
	}
	return severities[len(severities)-1]
}

func (g *Generator) internalIP() string {
	return fmt.Sprintf("192.168.1.%d", 1+g.rng.Intn(254))
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.Intn(len(xs))]
}
