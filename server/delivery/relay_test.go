package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/migadu/mailroute/config"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayHandlerFromConfig(t *testing.T) {
	tests := []struct {
		name                string
		cfg                 config.RelayConfig
		expectedHandlerType string
	}{
		{
			name: "SMTP relay handler",
			cfg: config.RelayConfig{
				Type:            "smtp",
				SMTPHost:        "smtp.example.com:587",
				SMTPTLS:         true,
				SMTPTLSVerify:   true,
				SMTPUseStartTLS: true,
			},
			expectedHandlerType: "*delivery.SMTPRelayHandler",
		},
		{
			name: "HTTP relay handler",
			cfg: config.RelayConfig{
				Type:      "http",
				HTTPURL:   "https://api.example.com/deliver",
				AuthToken: "token123",
			},
			expectedHandlerType: "*delivery.HTTPRelayHandler",
		},
		{name: "Invalid relay type", cfg: config.RelayConfig{Type: "invalid"}},
		{name: "Empty relay type", cfg: config.RelayConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRelayHandlerFromConfig(tt.cfg)
			if tt.expectedHandlerType == "" {
				assert.Nil(t, handler)
				return
			}
			require.NotNil(t, handler)
			assert.Equal(t, tt.expectedHandlerType, fmt.Sprintf("%T", handler))

			if h, ok := handler.(*SMTPRelayHandler); ok {
				assert.Equal(t, tt.cfg.SMTPHost, h.SMTPHost)
				assert.Equal(t, tt.cfg.SMTPTLS, h.UseTLS)
				assert.Equal(t, tt.cfg.SMTPTLSVerify, h.TLSVerify)
				assert.Equal(t, tt.cfg.SMTPUseStartTLS, h.UseStartTLS)
			}
			if h, ok := handler.(*HTTPRelayHandler); ok {
				assert.Equal(t, tt.cfg.HTTPURL, h.HTTPURL)
				assert.Equal(t, tt.cfg.AuthToken, h.AuthToken)
			}
		})
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("connection refused"), false},
		{"permanent relay error", &RelayError{Err: errors.New("x"), Permanent: true}, true},
		{"temporary relay error", &RelayError{Err: errors.New("x")}, false},
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "no such user"}, true},
		{"smtp 451", &smtp.SMTPError{Code: 451, Message: "try later"}, false},
		{"wrapped smtp 554", fmt.Errorf("data: %w", &smtp.SMTPError{Code: 554}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanentError(tt.err))
		})
	}
}

func TestRelayError_Message(t *testing.T) {
	inner := errors.New("boom")
	assert.Equal(t, "permanent failure: boom", (&RelayError{Err: inner, Permanent: true}).Error())
	assert.Equal(t, "temporary failure: boom", (&RelayError{Err: inner}).Error())
	assert.ErrorIs(t, &RelayError{Err: inner}, inner)
}

func TestHTTPRelayHandler_Success(t *testing.T) {
	var got HTTPRelayRequest
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := &HTTPRelayHandler{HTTPURL: srv.URL, AuthToken: "token123"}
	err := h.SendToExternalRelay(context.Background(), "sender@example.org", "sallysample@email.com", []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "Bearer token123", auth)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "sender@example.org", got.From)
	assert.Equal(t, []string{"sallysample@email.com"}, got.Recipients)
	assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n", got.Message)
}

func TestHTTPRelayHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := &HTTPRelayHandler{HTTPURL: srv.URL}
			err := h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x"))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanentError(err))
			assert.Contains(t, err.Error(), fmt.Sprint(tt.status))
		})
	}
}

func TestHTTPRelayHandler_RecordsAttempts(t *testing.T) {
	status := http.StatusAccepted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	success := metrics.RelayAttempts.WithLabelValues("http", "success")
	permanent := metrics.RelayAttempts.WithLabelValues("http", "permanent_failure")
	temporary := metrics.RelayAttempts.WithLabelValues("http", "temporary_failure")
	beforeOK, beforePerm, beforeTemp := testutil.ToFloat64(success), testutil.ToFloat64(permanent), testutil.ToFloat64(temporary)

	h := &HTTPRelayHandler{HTTPURL: srv.URL}
	require.NoError(t, h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x")))
	status = http.StatusForbidden
	require.Error(t, h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x")))
	status = http.StatusBadGateway
	require.Error(t, h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x")))

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(success))
	assert.Equal(t, beforePerm+1, testutil.ToFloat64(permanent))
	assert.Equal(t, beforeTemp+1, testutil.ToFloat64(temporary))
}

func TestHTTPRelayHandler_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := &HTTPRelayHandler{HTTPURL: url}
	err := h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestHTTPRelayHandler_NotConfigured(t *testing.T) {
	err := (&HTTPRelayHandler{}).SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", nil)
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

// smtpSink is a minimal SMTP backend recording what it receives.
type smtpSink struct {
	mu         sync.Mutex
	from       string
	rcpts      []string
	data       []byte
	rejectRcpt *smtp.SMTPError
}

func (b *smtpSink) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &sinkSession{sink: b}, nil
}

type sinkSession struct {
	sink *smtpSink
}

func (s *sinkSession) Reset()        {}
func (s *sinkSession) Logout() error { return nil }

func (s *sinkSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.sink.from = from
	return nil
}

func (s *sinkSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	if s.sink.rejectRcpt != nil {
		return s.sink.rejectRcpt
	}
	s.sink.rcpts = append(s.sink.rcpts, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	s.sink.data = data
	return nil
}

func startSMTPSink(t *testing.T, sink *smtpSink) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := smtp.NewServer(sink)
	s.Domain = "localhost"
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return l.Addr().String()
}

func TestSMTPRelayHandler_Delivers(t *testing.T) {
	sink := &smtpSink{}
	addr := startSMTPSink(t, sink)

	h := &SMTPRelayHandler{SMTPHost: addr}
	msg := []byte("Delivered-To: sally@my-domain.com\r\nSubject: hi\r\n\r\nbody\r\n")
	require.NoError(t, h.SendToExternalRelay(context.Background(), "sender@example.org", "sallysample@email.com", msg))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "sender@example.org", sink.from)
	assert.Equal(t, []string{"sallysample@email.com"}, sink.rcpts)
	assert.Equal(t, string(msg), string(sink.data))
}

func TestSMTPRelayHandler_PermanentRejection(t *testing.T) {
	sink := &smtpSink{rejectRcpt: &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user",
	}}
	addr := startSMTPSink(t, sink)

	h := &SMTPRelayHandler{SMTPHost: addr}
	err := h.SendToExternalRelay(context.Background(), "sender@example.org", "ghost@email.com", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}

func TestSMTPRelayHandler_TemporaryRejection(t *testing.T) {
	sink := &smtpSink{rejectRcpt: &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Try again later",
	}}
	addr := startSMTPSink(t, sink)

	h := &SMTPRelayHandler{SMTPHost: addr}
	err := h.SendToExternalRelay(context.Background(), "sender@example.org", "busy@email.com", []byte("x\r\n"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPRelayHandler_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	h := &SMTPRelayHandler{SMTPHost: addr}
	err = h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x\r\n"))
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
}

func TestSMTPRelayHandler_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &SMTPRelayHandler{SMTPHost: "127.0.0.1:1"}
	err := h.SendToExternalRelay(ctx, "a@b.c", "d@e.f", []byte("x\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSMTPRelayHandler_BadClientCertificate(t *testing.T) {
	h := &SMTPRelayHandler{
		SMTPHost:    "127.0.0.1:1",
		UseTLS:      true,
		TLSCertFile: "/nonexistent/cert.pem",
		TLSKeyFile:  "/nonexistent/key.pem",
	}
	err := h.SendToExternalRelay(context.Background(), "a@b.c", "d@e.f", []byte("x\r\n"))
	require.Error(t, err)
	assert.True(t, IsPermanentError(err))
}
