package schema

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPayload_Accessors(t *testing.T) {
	var p Payload
	if err := json.Unmarshal([]byte(`{"port":443,"bytes":"2048","ratio":1.5,"user":"bob","tags":["a"],"meta":{"k":1},"nil":null}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if n, ok := p.Int("port"); !ok || n != 443 {
		t.Errorf("Int(port) = %d, %v", n, ok)
	}
	if n, ok := p.Int("bytes"); !ok || n != 2048 {
		t.Errorf("Int(bytes) = %d, %v", n, ok)
	}
	if _, ok := p.Int("ratio"); ok {
		t.Error("Int(ratio) should reject fractional values")
	}
	if _, ok := p.Int("user"); ok {
		t.Error("Int(user) should reject non-numeric strings")
	}
	if _, ok := p.Int("missing"); ok {
		t.Error("Int(missing) should report absent")
	}
	if s, ok := p.String("user"); !ok || s != "bob" {
		t.Errorf("String(user) = %q, %v", s, ok)
	}

	kinds := map[string]Kind{
		"port":    KindNumber,
		"user":    KindString,
		"tags":    KindList,
		"meta":    KindObject,
		"nil":     KindNull,
		"missing": KindUnknown,
	}
	for key, want := range kinds {
		if got := p.Kind(key); got != want {
			t.Errorf("Kind(%s) = %s, want %s", key, got, want)
		}
	}
	if p.Keys() != 7 {
		t.Errorf("Keys() = %d, want 7", p.Keys())
	}
}

func TestPayload_PID(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    int32
		wantErr bool
	}{
		{"absent", Payload{}, 0, false},
		{"null", Payload{"pid": nil}, 0, false},
		{"number", Payload{"pid": float64(4242)}, 4242, false},
		{"numeric string", Payload{"pid": "77"}, 77, false},
		{"max int32", Payload{"pid": float64(2147483647)}, 2147483647, false},
		{"above int32", Payload{"pid": float64(2147483648)}, 0, true},
		{"wraps to small pid", Payload{"pid": float64(4294967297)}, 0, true},
		{"huge float", Payload{"pid": 1e300}, 0, true},
		{"zero", Payload{"pid": float64(0)}, 0, true},
		{"negative", Payload{"pid": float64(-5)}, 0, true},
		{"fractional", Payload{"pid": 1.5}, 0, true},
		{"text", Payload{"pid": "init"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.payload.PID()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPID) {
					t.Fatalf("PID() error = %v, want ErrInvalidPID", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PID() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("PID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPayload_Canonical(t *testing.T) {
	a := Payload{"b": 1.0, "a": "x"}
	b := Payload{"a": "x", "b": 1.0}

	sa, err := a.Canonical()
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	sb, _ := b.Canonical()
	if sa != sb {
		t.Errorf("Canonical() not order independent: %q vs %q", sa, sb)
	}
	if sa != `{"a":"x","b":1}` {
		t.Errorf("Canonical() = %q", sa)
	}

	if s, err := (Payload{}).Canonical(); err != nil || s != "" {
		t.Errorf("empty Canonical() = %q, %v", s, err)
	}
	if _, err := (Payload{"ch": make(chan int)}).Canonical(); err == nil {
		t.Error("Canonical() should fail for unserializable values")
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Event{
		Type:     " Login_Failure ",
		SourceIP: " 10.0.0.5 ",
		Payload:  Payload{"port": 22.0, "bytes": 900.0, "destination_ip": "10.0.0.9"},
	}
	Normalize(e, now)

	if e.ID == uuid.Nil {
		t.Error("Normalize() should assign an ID")
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, now)
	}
	if e.Type != "login_failure" {
		t.Errorf("Type = %q", e.Type)
	}
	if e.SourceIP != "10.0.0.5" {
		t.Errorf("SourceIP = %q", e.SourceIP)
	}
	if e.Severity != SeverityLow {
		t.Errorf("Severity = %q, want low default", e.Severity)
	}
	if e.DestPort != 22 || e.Bytes != 900 || e.DestIP != "10.0.0.9" {
		t.Errorf("lifted fields = %d %d %q", e.DestPort, e.Bytes, e.DestIP)
	}

	bad := &Event{Type: "x", SourceIP: "h", Payload: Payload{"port": "not-a-port"}}
	Normalize(bad, now)
	if bad.DestPort != 0 {
		t.Errorf("DestPort = %d, want 0 for malformed payload port", bad.DestPort)
	}
}

func TestSeverity_UnmarshalJSON(t *testing.T) {
	var e struct {
		Severity Severity `json:"severity"`
	}
	if err := json.Unmarshal([]byte(`{"severity":"CRITICAL"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want critical", e.Severity)
	}
	if err := json.Unmarshal([]byte(`{"severity":3}`), &e); err == nil {
		t.Error("numeric severity should fail")
	}
}
