package lmtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailroute/dispatch"
	"github.com/migadu/mailroute/helpers"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server"
	"github.com/migadu/mailroute/server/delivery"
)

// LMTPSession represents a single LMTP session.
type LMTPSession struct {
	server.Session
	backend    *LMTPServerBackend
	sender     *string
	recipients []string
	cancel     context.CancelFunc
	ctx        context.Context
	startTime  time.Time
}

// rejectError maps a dispatcher rejection to its LMTP reply.
func rejectError(reason string) *smtp.SMTPError {
	if reason == dispatch.ReasonServerConfigError {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 5},
			Message:      reason,
		}
	}
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      reason,
	}
}

// relayFailure maps a failed forward to its LMTP reply.
func relayFailure(err error) *smtp.SMTPError {
	if delivery.IsPermanentError(err) {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 4, 0},
			Message:      "Forwarding failed permanently",
		}
	}
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 4, 0},
		Message:      "Forwarding failed, try again later",
	}
}

func trackCommand(command string, start time.Time, success *bool) {
	status := "failure"
	if *success {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues("lmtp", command, status).Inc()
	metrics.CommandDuration.WithLabelValues("lmtp", command).Observe(time.Since(start).Seconds())
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	success := false
	defer trackCommand("MAIL", start, &success)

	// The null reverse-path is kept as is; bounces are forwarded too.
	s.sender = &from

	success = true
	s.Log("mail from=%s accepted", from)
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	success := false
	defer trackCommand("RCPT", start, &success)

	s.Log("processing RCPT TO command: %s", to)

	action := s.backend.dispatcher.Decide(to)
	if action.Kind == dispatch.ActionReject {
		s.Log("recipient rejected: %s (%s, %s)", to, action.Reason, action.Match)
		return rejectError(action.Reason)
	}

	s.recipients = append(s.recipients, to)

	success = true
	s.Log("recipient accepted: %s (%s %s, %d destinations)", to, action.Match, action.Target, len(action.Addresses))
	return nil
}

// Data handles a transaction with one status for every recipient.
func (s *LMTPSession) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(_ string, err error) {
		if first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

type statusFunc func(rcptTo string, err error)

func (f statusFunc) SetStatus(rcptTo string, err error) { f(rcptTo, err) }

// LMTPData reads the message once and routes it for every accepted
// recipient, reporting one status per recipient.
func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	start := time.Now()
	success := false
	defer trackCommand("DATA", start, &success)

	if s.sender == nil || len(s.recipients) == 0 {
		s.Log("DATA command received without valid sender or recipient")
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	raw, err := s.readMessage(r)
	if err != nil {
		return err
	}

	metrics.MessageSizeBytes.WithLabelValues("lmtp").Observe(float64(len(raw)))
	msg := parseMessage(raw)
	s.Log("message received (%d bytes) hash=%s message-id=%s subject=%q", len(raw), helpers.HashContent(raw), msg.messageID, msg.subject)

	failures := 0
	for _, rcpt := range s.recipients {
		err := s.deliver(rcpt, msg)
		if err != nil {
			failures++
		}
		status.SetStatus(rcpt, err)
	}

	success = failures == 0
	return nil
}

func (s *LMTPSession) readMessage(r io.Reader) ([]byte, error) {
	limit := s.backend.maxMessageSize
	reader := r
	if limit > 0 && limit < math.MaxInt64 {
		// One extra byte detects overflow.
		reader = io.LimitReader(r, limit+1)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return nil, err
		}
		s.WarnLog("failed to read message: %v", err)
		return nil, &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}

	if limit > 0 && int64(buf.Len()) > limit {
		s.Log("message size exceeds limit of %d bytes", limit)
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", limit),
		}
	}
	return buf.Bytes(), nil
}

// deliver runs the dispatcher for one recipient and converts the outcome to
// that recipient's LMTP status.
func (s *LMTPSession) deliver(rcpt string, msg *inboundMessage) error {
	fm := &forwardMessage{session: s, to: rcpt, msg: msg}

	action, err := s.backend.dispatcher.Process(s.ctx, fm)
	switch {
	case err != nil:
		s.WarnLog("forwarding for %s failed: %v", rcpt, err)
		return relayFailure(err)
	case fm.rejected != "":
		return rejectError(fm.rejected)
	}

	s.Log("delivered for %s to %d destinations", rcpt, len(action.Addresses))
	return nil
}

func (s *LMTPSession) Reset() {
	start := time.Now()
	success := true
	defer trackCommand("RSET", start, &success)

	s.sender = nil
	s.recipients = nil

	s.DebugLog("session reset")
}

func (s *LMTPSession) Logout() error {
	metrics.ConnectionDuration.WithLabelValues("lmtp").Observe(time.Since(s.startTime).Seconds())
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Dec()
	active := s.backend.activeConnections.Add(-1)

	if s.cancel != nil {
		s.cancel()
	}

	s.Log("session logout completed (connections: active=%d)", active)
	return nil
}

// inboundMessage is a received message split at the end of its header.
type inboundMessage struct {
	raw       []byte
	header    textproto.Header
	body      []byte
	parsed    bool
	messageID string
	subject   string
}

func parseMessage(raw []byte) *inboundMessage {
	m := &inboundMessage{raw: raw}

	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return m
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return m
	}

	m.header = h
	m.body = body
	m.parsed = true

	mh := mail.Header{Header: message.Header{Header: h}}
	m.messageID, _ = mh.MessageID()
	m.subject, _ = mh.Subject()
	return m
}

// withDeliveredTo returns the message with a Delivered-To field on top.
func (m *inboundMessage) withDeliveredTo(rcpt string) []byte {
	if !m.parsed {
		out := make([]byte, 0, len(m.raw)+len(rcpt)+16)
		out = append(out, "Delivered-To: "+rcpt+"\r\n"...)
		return append(out, m.raw...)
	}

	h := m.header.Copy()
	h.Add("Delivered-To", rcpt)

	var buf bytes.Buffer
	buf.Grow(len(m.raw) + len(rcpt) + 16)
	_ = textproto.WriteHeader(&buf, h)
	buf.Write(m.body)
	return buf.Bytes()
}

// forwardMessage adapts one recipient of an LMTP transaction to the
// dispatcher's Message contract.
type forwardMessage struct {
	session  *LMTPSession
	to       string
	msg      *inboundMessage
	payload  []byte
	rejected string
}

func (f *forwardMessage) To() string {
	return f.to
}

func (f *forwardMessage) Forward(ctx context.Context, address string) error {
	if f.payload == nil {
		f.payload = f.msg.withDeliveredTo(f.to)
	}
	return f.session.backend.relay.SendToExternalRelay(ctx, *f.session.sender, address, f.payload)
}

func (f *forwardMessage) SetReject(_ context.Context, reason string) error {
	f.rejected = reason
	return nil
}
