// Package dispatch applies routing decisions to inbound messages.
//
// A Dispatcher is built with the raw routing document and decides, for one
// recipient address at a time, whether the message is forwarded (and to
// which addresses, in which order) or rejected. Process then carries the
// decision out through the Message contract: one SetReject call, or one
// Forward call per destination, issued sequentially.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/routing"
)

// Rejection texts surfaced to the sending side. No other reasons exist.
const (
	ReasonRecipientNotAllowed = "Recipient not allowed"
	ReasonServerConfigError   = "Server configuration error"
)

// Message is the inbound message as seen by the Dispatcher.
type Message interface {
	// To returns the envelope recipient.
	To() string
	// Forward hands the message to one destination address.
	Forward(ctx context.Context, address string) error
	// SetReject refuses the message with a reason.
	SetReject(ctx context.Context, reason string) error
}

// ActionKind is the terminal action for one message.
type ActionKind int

const (
	ActionForward ActionKind = iota + 1
	ActionReject
)

func (k ActionKind) String() string {
	switch k {
	case ActionForward:
		return "forward"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Action is the decision for one recipient.
type Action struct {
	Kind      ActionKind
	Addresses []string // destinations in forward order, ActionForward only
	Reason    string   // ActionReject only

	// Match is the resolver branch for forwards, or the reject cause label.
	Match  string
	Target string
}

func forward(out routing.Outcome) Action {
	return Action{
		Kind:      ActionForward,
		Addresses: out.Addresses,
		Match:     out.Match.String(),
		Target:    out.Target,
	}
}

func reject(reason, cause string) Action {
	return Action{Kind: ActionReject, Reason: reason, Match: cause}
}

// Reject cause labels.
const (
	causeInvalidRecipient = "invalid_recipient"
	causeMalformedConfig  = "malformed_config"
	causeUnknownDomain    = "unknown_domain"
	causeNoRoute          = "no_route"
)

// Dispatcher routes messages using a fixed routing document. It keeps no
// state besides the document and is safe for concurrent use.
type Dispatcher struct {
	rawConfig string
}

// New returns a Dispatcher for the given raw routing document. The document
// is not validated here: a malformed document makes every decision a
// configuration error rejection.
func New(rawConfig string) *Dispatcher {
	return &Dispatcher{rawConfig: rawConfig}
}

// Decide resolves recipientAddress without any side effects.
func (d *Dispatcher) Decide(recipientAddress string) Action {
	rcpt, err := routing.ParseRecipient(recipientAddress)
	if err != nil {
		return reject(ReasonRecipientNotAllowed, causeInvalidRecipient)
	}

	store, err := routing.Load(d.rawConfig)
	if err != nil {
		return reject(ReasonServerConfigError, causeMalformedConfig)
	}

	dc, ok := store.FindDomain(rcpt.Domain())
	if !ok {
		return reject(ReasonServerConfigError, causeUnknownDomain)
	}

	out := routing.Resolve(rcpt.LocalPart(), routing.NewTable(dc))
	if out.Rejected() {
		return reject(ReasonRecipientNotAllowed, causeNoRoute)
	}
	return forward(out)
}

// Process decides for msg.To() and performs the resulting action. Forwards
// run one at a time in resolver order; the first failure stops processing
// and is returned. A forward decision with no destinations performs no call
// at all.
func (d *Dispatcher) Process(ctx context.Context, msg Message) (Action, error) {
	action := d.Decide(msg.To())
	return action, apply(ctx, msg, action)
}

func apply(ctx context.Context, msg Message, action Action) error {
	to := msg.To()
	metrics.RoutingDecisions.WithLabelValues(action.Kind.String(), action.Match).Inc()

	switch action.Kind {
	case ActionReject:
		logger.Info("Rejecting message", "recipient", to, "reason", action.Reason, "cause", action.Match)
		if err := msg.SetReject(ctx, action.Reason); err != nil {
			return fmt.Errorf("reject %s: %w", to, err)
		}
		return nil

	case ActionForward:
		metrics.ForwardTargetsPerMessage.Observe(float64(len(action.Addresses)))
		if len(action.Addresses) == 0 {
			logger.Warn("Route resolved to no destinations, message dropped", "recipient", to, "match", action.Match, "target", action.Target)
			return nil
		}

		logger.Info("Forwarding message", "recipient", to, "match", action.Match, "target", action.Target, "destinations", len(action.Addresses))
		for i, addr := range action.Addresses {
			if err := msg.Forward(ctx, addr); err != nil {
				metrics.ForwardsTotal.WithLabelValues("failure").Inc()
				logger.Warn("Forward failed", "recipient", to, "destination", addr, "index", i, "error", err)
				return &ForwardError{Address: addr, Index: i, Err: err}
			}
			metrics.ForwardsTotal.WithLabelValues("success").Inc()
			logger.Debug("Forwarded", "recipient", to, "destination", addr, "index", i)
		}
		return nil
	}

	return errors.New("unknown action")
}

// ForwardError reports the destination whose forward failed. Destinations
// before Index were already forwarded; those after it were not attempted.
type ForwardError struct {
	Address string
	Index   int
	Err     error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.Address, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}
