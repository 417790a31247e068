package routing

import (
	"errors"
	"strings"
)

var (
	ErrEmptyRecipient = errors.New("recipient is empty")
	ErrMissingAt      = errors.New("recipient has no @")
	ErrEmptyLocalPart = errors.New("recipient local part is empty")
)

// Recipient is an inbound address split at its first "@". No further syntax
// checks are made; the local part is routing input, not a mailbox name.
type Recipient struct {
	address   string
	localPart string
	domain    string
}

// ParseRecipient trims surrounding whitespace and splits address.
func ParseRecipient(address string) (Recipient, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Recipient{}, ErrEmptyRecipient
	}

	at := strings.Index(address, "@")
	if at == -1 {
		return Recipient{}, ErrMissingAt
	}
	if at == 0 {
		return Recipient{}, ErrEmptyLocalPart
	}

	return Recipient{
		address:   address,
		localPart: address[:at],
		domain:    address[at+1:],
	}, nil
}

func (r Recipient) Address() string {
	return r.address
}

func (r Recipient) LocalPart() string {
	return r.localPart
}

func (r Recipient) Domain() string {
	return r.domain
}
