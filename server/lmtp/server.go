package lmtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/migadu/mailroute/dispatch"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server"
	"github.com/migadu/mailroute/server/delivery"
)

type LMTPServerBackend struct {
	addr           string
	name           string
	hostname       string
	dispatcher     *dispatch.Dispatcher
	relay          delivery.RelayHandler
	server         *smtp.Server
	appCtx         context.Context
	tlsConfig      *tls.Config
	maxMessageSize int64 // Maximum size for incoming messages, 0 for no limit

	// Connection counters
	totalConnections  atomic.Int64
	activeConnections atomic.Int64

	// Only these networks may open sessions
	trustedNetworks []*net.IPNet
}

type LMTPServerOptions struct {
	Debug           bool
	TLS             bool
	TLSUseStartTLS  bool
	TLSCertFile     string
	TLSKeyFile      string
	TrustedNetworks []string // Defaults to loopback and RFC1918 networks when empty
	MaxMessageSize  int64    // Maximum size for incoming messages in bytes
}

func New(appCtx context.Context, name, hostname, addr string, dispatcher *dispatch.Dispatcher, relay delivery.RelayHandler, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("LMTP [%s] requires a dispatcher", name)
	}
	if relay == nil {
		return nil, fmt.Errorf("LMTP [%s] requires a relay", name)
	}

	if !options.TLS && options.TLSUseStartTLS {
		logger.Debug("LMTP: WARNING - tls_use_starttls ignored", "name", name)
		options.TLSUseStartTLS = false
	}

	backend := &LMTPServerBackend{
		addr:           addr,
		name:           name,
		appCtx:         appCtx,
		hostname:       hostname,
		dispatcher:     dispatcher,
		relay:          relay,
		maxMessageSize: options.MaxMessageSize,
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS enabled for LMTP [%s] but no tls_cert_file/tls_key_file provided", name)
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ClientAuth:    tls.NoClientCert,
			ServerName:    hostname,
			NextProtos:    []string{"lmtp"},
			Renegotiation: tls.RenegotiateNever,
		}
	}

	trusted := options.TrustedNetworks
	if len(trusted) == 0 {
		trusted = server.DefaultTrustedNetworks
	}
	trustedNets, err := server.ParseTrustedNetworks(trusted)
	if err != nil {
		return nil, fmt.Errorf("LMTP [%s]: %w", name, err)
	}
	backend.trustedNetworks = trustedNets

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = hostname
	s.LMTP = true
	s.Network = "tcp"

	// STARTTLS is offered only when the listener itself is plain.
	if options.TLSUseStartTLS && backend.tlsConfig != nil {
		s.TLSConfig = backend.tlsConfig
		logger.Debug("LMTP: StartTLS is enabled", "name", name)
	}

	if options.Debug {
		s.Debug = os.Stdout
	}

	backend.server = s
	return backend, nil
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return b.newSession(c.Conn().RemoteAddr())
}

func (b *LMTPServerBackend) newSession(remoteAddr net.Addr) (*LMTPSession, error) {
	ip := server.RemoteIP(remoteAddr)
	if !server.ContainsIP(b.trustedNetworks, ip) {
		logger.Warn("LMTP: Connection rejected - not from trusted network", "name", b.name, "remote", remoteAddr)
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "LMTP connections only allowed from trusted networks",
		}
	}

	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("lmtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Inc()

	s := &LMTPSession{
		backend:   b,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.RemoteIP = ip.String()
	s.Id = uuid.NewString()
	s.HostName = b.hostname
	s.ServerName = b.name
	s.Protocol = "LMTP"
	s.Stats = b

	s.Log("new session remote=%s id=%s (connections: active=%d)", s.RemoteIP, s.Id, b.activeConnections.Load())
	return s, nil
}

// Start listens on the configured address and serves until Close is called.
// Fatal errors are reported on errChan.
func (b *LMTPServerBackend) Start(errChan chan error) {
	listener, err := server.Listen(b.appCtx, "tcp", b.addr)
	if err != nil {
		errChan <- err
		return
	}

	// Implicit TLS only; STARTTLS upgrades a plain listener.
	if b.tlsConfig != nil && b.server.TLSConfig == nil {
		listener = tls.NewListener(listener, b.tlsConfig)
		logger.Info("LMTP server listening with TLS", "name", b.name, "addr", b.addr)
	} else {
		logger.Info("LMTP server listening", "name", b.name, "addr", b.addr, "starttls", b.server.TLSConfig != nil)
	}

	if err := b.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) && b.appCtx.Err() == nil {
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP server stopped gracefully", "name", b.name)
}

// Serve accepts LMTP sessions on l.
func (b *LMTPServerBackend) Serve(l net.Listener) error {
	return b.server.Serve(l)
}

func (b *LMTPServerBackend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative total of all connections ever made
func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the current number of active connections
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}
