package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP, 4xx HTTP) will fail the same way when resent.
// Temporary errors (4xx SMTP, 5xx HTTP, network errors) may succeed later.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure.
// Returns true for 5xx SMTP errors and RelayErrors marked permanent, false otherwise.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// RelayHandler hands one message to one recipient on the outbound side.
type RelayHandler interface {
	SendToExternalRelay(ctx context.Context, from string, to string, messageBytes []byte) error
}

// SMTPRelayHandler relays over SMTP with configurable TLS.
type SMTPRelayHandler struct {
	SMTPHost    string
	UseTLS      bool   // Use TLS (implicit or STARTTLS)
	TLSVerify   bool   // Verify TLS certificates
	UseStartTLS bool   // Use STARTTLS instead of direct TLS
	TLSCertFile string // Client certificate for mTLS (optional)
	TLSKeyFile  string // Client key for mTLS (optional)
}

func (r *SMTPRelayHandler) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !r.TLSVerify,
	}
	if r.TLSCertFile != "" && r.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(r.TLSCertFile, r.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (r *SMTPRelayHandler) dial() (*smtp.Client, error) {
	if !r.UseTLS {
		return smtp.Dial(r.SMTPHost)
	}
	tlsConfig, err := r.tlsConfig()
	if err != nil {
		// Certificate loading errors are configuration errors
		return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
	}
	if r.UseStartTLS {
		return smtp.DialStartTLS(r.SMTPHost, tlsConfig)
	}
	return smtp.DialTLS(r.SMTPHost, tlsConfig)
}

// SendToExternalRelay sends a message to the SMTP relay.
func (r *SMTPRelayHandler) SendToExternalRelay(ctx context.Context, from string, to string, messageBytes []byte) error {
	if r.SMTPHost == "" {
		return &RelayError{Err: errors.New("SMTP relay host not configured"), Permanent: true}
	}
	if err := ctx.Err(); err != nil {
		return &RelayError{Err: err}
	}

	err := r.send(ctx, from, to, messageBytes)
	recordRelayResult("smtp", err)
	return err
}

func (r *SMTPRelayHandler) send(ctx context.Context, from string, to string, messageBytes []byte) error {
	c, err := r.dial()
	if err != nil {
		var relayErr *RelayError
		if errors.As(err, &relayErr) {
			return err
		}
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err), Permanent: false}
	}
	defer c.Close()

	// Abort the transaction when the caller gives up.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Rcpt(to, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set recipient: %w", err), Permanent: IsPermanentError(err)}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(messageBytes); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err), Permanent: false}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is already accepted at this point.
	if err := c.Quit(); err != nil {
		logger.Warn("SMTP Relay: Failed to send QUIT", "host", r.SMTPHost, "error", err)
	}
	return nil
}

// HTTPRelayHandler relays through an HTTP API with Bearer token authentication.
type HTTPRelayHandler struct {
	HTTPURL   string
	AuthToken string
	Client    *http.Client
}

// HTTPRelayRequest represents the HTTP API relay request payload
type HTTPRelayRequest struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"` // RFC822 message as string
}

// SendToExternalRelay posts a message to the HTTP relay.
func (r *HTTPRelayHandler) SendToExternalRelay(ctx context.Context, from string, to string, messageBytes []byte) error {
	if r.HTTPURL == "" {
		return &RelayError{Err: errors.New("HTTP relay URL not configured"), Permanent: true}
	}

	err := r.send(ctx, from, to, messageBytes)
	recordRelayResult("http", err)
	return err
}

func (r *HTTPRelayHandler) send(ctx context.Context, from string, to string, messageBytes []byte) error {
	payload := HTTPRelayRequest{
		From:       from,
		Recipients: []string{to},
		Message:    string(messageBytes),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to marshal relay request: %w", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.HTTPURL, bytes.NewReader(jsonData))
	if err != nil {
		// Invalid URL is a configuration error
		return &RelayError{Err: fmt.Errorf("failed to create HTTP request: %w", err), Permanent: true}
	}

	req.Header.Set("Content-Type", "application/json")
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to send HTTP relay request: %w", err), Permanent: false}
	}
	defer resp.Body.Close()

	// 4xx is a client error (bad auth, invalid request), 5xx may recover.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RelayError{
			Err:       fmt.Errorf("HTTP relay returned error status: %d", resp.StatusCode),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}
	return nil
}

func (r *HTTPRelayHandler) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

func recordRelayResult(relay string, err error) {
	result := "success"
	switch {
	case err == nil:
	case IsPermanentError(err):
		result = "permanent_failure"
	default:
		result = "temporary_failure"
	}
	metrics.RelayAttempts.WithLabelValues(relay, result).Inc()
}

// NewRelayHandlerFromConfig creates the relay handler for cfg.Type, or nil
// when no supported relay is configured.
func NewRelayHandlerFromConfig(cfg config.RelayConfig) RelayHandler {
	switch cfg.Type {
	case "smtp":
		return &SMTPRelayHandler{
			SMTPHost:    cfg.SMTPHost,
			UseTLS:      cfg.SMTPTLS,
			TLSVerify:   cfg.SMTPTLSVerify,
			UseStartTLS: cfg.SMTPUseStartTLS,
			TLSCertFile: cfg.SMTPTLSCertFile,
			TLSKeyFile:  cfg.SMTPTLSKeyFile,
		}
	case "http":
		return &HTTPRelayHandler{
			HTTPURL:   cfg.HTTPURL,
			AuthToken: cfg.AuthToken,
		}
	default:
		return nil
	}
}
