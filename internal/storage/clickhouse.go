package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var databaseName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseConfig configures the ClickHouse event store connection.
type ClickHouseConfig struct {
	Hosts    []string `yaml:"hosts"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// MaxExecutionTime is the server-side limit on one history query.
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSServerName string `yaml:"tls_server_name"`
	Debug         bool   `yaml:"debug"`
}

// DefaultClickHouseConfig returns a single local node config.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:            []string{"localhost:9000"},
		Database:         "arc_sentinel",
		Username:         "default",
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		DialTimeout:      10 * time.Second,
		MaxExecutionTime: 60 * time.Second,
	}
}

// Validate checks the connection settings.
func (c ClickHouseConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return errors.New("clickhouse: at least one host is required")
	}
	if !databaseName.MatchString(c.Database) {
		return fmt.Errorf("clickhouse: invalid database name %q", c.Database)
	}
	if c.MaxIdleConns > c.MaxOpenConns && c.MaxOpenConns > 0 {
		return errors.New("clickhouse: max_idle_conns exceeds max_open_conns")
	}
	return nil
}

func (c ClickHouseConfig) options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     c.DialTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
	if secs := int(c.MaxExecutionTime / time.Second); secs > 0 {
		opts.Settings = clickhouse.Settings{"max_execution_time": secs}
	}
	if c.TLSEnabled {
		opts.TLS = &tls.Config{ServerName: c.TLSServerName, MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouseClient is the connection shared by the event store, the batch
// writer and the migrator.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient opens the connection and pings it within the dial
// timeout.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{conn: conn, config: cfg}, nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return c.conn.QueryRow(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// EnsureDatabase creates the configured database if it is missing.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	if !databaseName.MatchString(c.config.Database) {
		return fmt.Errorf("clickhouse: invalid database name %q", c.config.Database)
	}
	if err := c.conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS `"+c.config.Database+"`"); err != nil {
		return WrapQueryError("CreateDatabase", "", err)
	}
	return nil
}
