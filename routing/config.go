// Package routing resolves recipient local-parts against per-domain routing
// documents.
//
// A routing document is a JSON array with one object per domain:
//
//	[
//	  {
//	    "domain": "example.com",
//	    "delimiters": [".", "+"],
//	    "config": [
//	      {
//	        "aliases": ["sally", "sallylastname"],
//	        "emailAddress": "sally@mailbox.example",
//	        "groups": ["kids", "family"],
//	        "type": "child"
//	      }
//	    ]
//	  }
//	]
//
// Aliases and group names are compared case-insensitively. Destination
// addresses are forwarded verbatim. Everything in this package is pure: no
// logging, no I/O, no shared state.
package routing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Entry types with special meaning during expansion.
const (
	TypeParent = "parent"
	TypeChild  = "child"
)

// DefaultDelimiters are used when a domain does not list its own.
var DefaultDelimiters = []string{".", "+"}

// ErrMalformedConfig is returned by Load when the document is not a JSON
// array of domain objects.
var ErrMalformedConfig = errors.New("malformed routing configuration")

// Entry is one named mailbox definition.
type Entry struct {
	Aliases      []string `json:"aliases"`
	EmailAddress string   `json:"emailAddress"`
	Groups       []string `json:"groups"`
	Type         string   `json:"type"`
}

// DomainConfig is the routing table of one domain as written in the document.
type DomainConfig struct {
	Domain  string  `json:"domain"`
	Entries []Entry `json:"config"`
	// Delimiters is nil when the document omits the key; an explicit empty
	// list disables delimiter matching.
	Delimiters []string `json:"delimiters,omitempty"`
}

// UnmarshalJSON accepts the legacy "accounts" key when "config" is absent.
func (d *DomainConfig) UnmarshalJSON(data []byte) error {
	var aux struct {
		Domain     string   `json:"domain"`
		Config     []Entry  `json:"config"`
		Accounts   []Entry  `json:"accounts"`
		Delimiters []string `json:"delimiters"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	d.Domain = aux.Domain
	d.Entries = aux.Config
	if d.Entries == nil {
		d.Entries = aux.Accounts
	}
	d.Delimiters = aux.Delimiters
	return nil
}

// EffectiveDelimiters returns the configured delimiters or DefaultDelimiters.
func (d DomainConfig) EffectiveDelimiters() []string {
	if d.Delimiters == nil {
		return DefaultDelimiters
	}
	return d.Delimiters
}

// Store holds a parsed routing document.
type Store struct {
	domains []DomainConfig
}

// Load parses a raw routing document. Any failure is reported as an error
// wrapping ErrMalformedConfig so callers can tell it apart from a missing
// domain.
func Load(raw string) (*Store, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: top-level value is null", ErrMalformedConfig)
	}

	domains := make([]DomainConfig, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformedConfig, i)
		}
		var dc DomainConfig
		if err := json.Unmarshal(item, &dc); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedConfig, i, err)
		}
		domains = append(domains, dc)
	}

	return &Store{domains: domains}, nil
}

// FindDomain returns the first domain block whose name matches domain,
// ignoring case. Later duplicates are never consulted.
func (s *Store) FindDomain(domain string) (DomainConfig, bool) {
	for _, dc := range s.domains {
		if strings.EqualFold(dc.Domain, domain) {
			return dc, true
		}
	}
	return DomainConfig{}, false
}

// Domains returns the domain blocks in document order.
func (s *Store) Domains() []DomainConfig {
	out := make([]DomainConfig, len(s.domains))
	copy(out, s.domains)
	return out
}
