package storage

import (
	"testing"
	"time"
)

func TestClickHouseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ClickHouseConfig)
		wantErr bool
	}{
		{"defaults", func(*ClickHouseConfig) {}, false},
		{"no hosts", func(c *ClickHouseConfig) { c.Hosts = nil }, true},
		{"empty database", func(c *ClickHouseConfig) { c.Database = "" }, true},
		{"injection in database", func(c *ClickHouseConfig) { c.Database = "arc; DROP TABLE events" }, true},
		{"idle above open", func(c *ClickHouseConfig) { c.MaxOpenConns, c.MaxIdleConns = 2, 5 }, true},
		{"unlimited open", func(c *ClickHouseConfig) { c.MaxOpenConns, c.MaxIdleConns = 0, 5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClickHouseConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClickHouseConfigOptions(t *testing.T) {
	cfg := DefaultClickHouseConfig()
	cfg.Hosts = []string{"ch1:9000", "ch2:9000"}
	cfg.Password = "pw"

	opts := cfg.options()
	if len(opts.Addr) != 2 || opts.Auth.Database != "arc_sentinel" || opts.Auth.Password != "pw" {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.Settings["max_execution_time"] != 60 {
		t.Errorf("max_execution_time = %v, want 60", opts.Settings["max_execution_time"])
	}
	if opts.TLS != nil {
		t.Error("TLS set while disabled")
	}

	cfg.TLSEnabled = true
	cfg.TLSServerName = "ch.internal"
	cfg.MaxExecutionTime = 500 * time.Millisecond
	opts = cfg.options()
	if opts.TLS == nil || opts.TLS.ServerName != "ch.internal" {
		t.Errorf("TLS = %+v", opts.TLS)
	}
	if opts.Settings != nil {
		t.Errorf("sub-second limit should leave settings unset, got %v", opts.Settings)
	}
}
