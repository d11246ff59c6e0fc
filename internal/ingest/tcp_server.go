package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"arc-sentinel/internal/config"
	"arc-sentinel/internal/schema"
)

// TCPServer reads newline-delimited JSON events. An event without a source IP
// is attributed to the peer address.
type TCPServer struct {
	cfg      config.TCPConfig
	intake   *Intake
	listener net.Listener

	active atomic.Int32
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connections atomic.Uint64
	lines       atomic.Uint64
	malformed   atomic.Uint64
}

// TCPServerMetrics holds listener counters.
type TCPServerMetrics struct {
	Connections uint64 `json:"connections"`
	Active      int    `json:"active"`
	Lines       uint64 `json:"lines"`
	Malformed   uint64 `json:"malformed"`
}

// NewTCPServer creates a listener. Zero limits fall back to 1000 connections,
// 5 minute idle timeout and 64KB lines.
func NewTCPServer(cfg config.TCPConfig, in *Intake) *TCPServer {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 64 * 1024
	}
	return &TCPServer{
		cfg:    cfg,
		intake: in,
		done:   make(chan struct{}),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("ingest: listen %s: %w", s.cfg.Address, err)
	}
	if s.cfg.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("ingest: load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = ln

	slog.Info("TCP ingest listening", "address", ln.Addr().String(), "tls", s.cfg.TLSEnabled)

	s.wg.Add(1)
	go s.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()
	return nil
}

// Addr returns the bound address. Valid after Start.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("TCP accept error", "error", err)
			continue
		}

		if int(s.active.Load()) >= s.cfg.MaxConnections {
			slog.Warn("max TCP connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		s.active.Add(1)
		s.connections.Add(1)
		s.track(conn, true)

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *TCPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		select {
		case <-s.done:
			conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *TCPServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer s.track(conn, false)
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineLength)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !sc.Scan() {
			if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Debug("TCP read ended", "remote", peer, "error", err)
			}
			return
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		s.lines.Add(1)
		s.handleLine(line, peer)
	}
}

func (s *TCPServer) handleLine(line []byte, peer string) {
	var e schema.Event
	if err := json.Unmarshal(line, &e); err != nil {
		s.malformed.Add(1)
		slog.Debug("malformed TCP event", "remote", peer, "error", err)
		return
	}
	if e.SourceIP == "" {
		e.SourceIP = peer
	}
	if err := s.intake.Submit(TransportTCP, &e); err != nil {
		slog.Debug("TCP event not accepted", "remote", peer, "error", err)
	}
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return. It is safe to call more than once.
func (s *TCPServer) Stop() {
	s.once.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	m := s.Metrics()
	slog.Info("TCP ingest stopped", "connections", m.Connections, "lines", m.Lines, "malformed", m.Malformed)
}

// Metrics returns listener counters.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Active:      int(s.active.Load()),
		Lines:       s.lines.Load(),
		Malformed:   s.malformed.Load(),
	}
}
