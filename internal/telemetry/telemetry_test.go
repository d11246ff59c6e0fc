package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"arc-sentinel/internal/detection"
	"arc-sentinel/internal/schema"
	"arc-sentinel/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic(t *testing.T) {
	a := New(DefaultConfig()).Mixed(200, 0.05)
	b := New(DefaultConfig()).Mixed(200, 0.05)
	require.Len(t, a, 200)
	require.Len(t, b, 200)
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}

	cfg := DefaultConfig()
	cfg.Seed = 2
	c := New(cfg).Batch(10)
	assert.NotEqual(t, a[0].ID, c[0].ID)
}

func TestEventsAreValid(t *testing.T) {
	v := schema.NewValidatorWithConfig(schema.ValidatorConfig{})
	g := New(DefaultConfig())
	for _, e := range g.Mixed(500, 0.1) {
		require.NoError(t, v.Validate(e), "event %+v", e)
	}
	assert.Equal(t, 500, g.Count())
}

func TestTimestampsIncrease(t *testing.T) {
	g := New(DefaultConfig())
	events := g.Mixed(300, 0.1)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].Timestamp.After(events[i-1].Timestamp))
	}
	assert.Equal(t, events[len(events)-1].Timestamp, g.Clock())
}

func TestSeverityWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspiciousRate = 0
	counts := map[schema.Severity]int{}
	const n = 20000
	for _, e := range New(cfg).Batch(n) {
		counts[e.Severity]++
		assert.True(t, strings.HasPrefix(e.SourceIP, "192.168.1."))
	}
	assert.InDelta(t, 0.40, float64(counts[schema.SeverityLow])/n, 0.02)
	assert.InDelta(t, 0.35, float64(counts[schema.SeverityMedium])/n, 0.02)
	assert.InDelta(t, 0.20, float64(counts[schema.SeverityHigh])/n, 0.02)
	assert.InDelta(t, 0.05, float64(counts[schema.SeverityCritical])/n, 0.01)
}

func TestAttacksTriggerRules(t *testing.T) {
	cases := map[Attack]string{
		AttackBruteForce:   detection.ClassBruteForce,
		AttackPortScan:     detection.ClassPortScan,
		AttackMalware:      detection.ClassMalware,
		AttackDDoS:         detection.ClassDDoS,
		AttackSQLInjection: detection.ClassSQLInjection,
		AttackPrivilegeEsc: detection.ClassPrivilegeEscalation,
		AttackExfiltration: detection.ClassExfiltration,
	}
	for attack, want := range cases {
		t.Run(string(attack), func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStore()
			engine := detection.NewEngine(store, detection.BuiltinRules(detection.DefaultConfig())...)

			classes := map[string]bool{}
			for _, e := range New(DefaultConfig()).Attack(attack, "192.168.1.100") {
				if res := engine.Evaluate(ctx, e); res.Matched() {
					for _, m := range res.Matches {
						classes[m.Classification] = true
					}
				}
				require.NoError(t, store.Insert(ctx, e))
			}
			assert.True(t, classes[want], "classes %v", classes)
		})
	}
}

func TestBurstSpacing(t *testing.T) {
	g := New(DefaultConfig())
	events := g.Attack(AttackBruteForce, "")
	require.Len(t, events, 7)
	assert.Equal(t, 12*time.Second, events[6].Timestamp.Sub(events[0].Timestamp))
	assert.Equal(t, events[0].SourceIP, events[5].SourceIP)
}

func TestParseAttack(t *testing.T) {
	a, ok := ParseAttack("ddos")
	assert.True(t, ok)
	assert.Equal(t, AttackDDoS, a)
	_, ok = ParseAttack("phishing")
	assert.False(t, ok)
}

func TestChainLengths(t *testing.T) {
	for _, a := range Attacks {
		assert.Len(t, New(DefaultConfig()).Attack(a, "192.168.1.100"), chainLength[a], string(a))
	}
}
