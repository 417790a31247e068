package routing

import "strings"

// MatchKind identifies the resolution branch that produced an Outcome.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchDelimitedAlias
	MatchDelimitedGroup
	MatchAlias
	MatchGroup
)

func (k MatchKind) String() string {
	switch k {
	case MatchDelimitedAlias:
		return "delimited_alias"
	case MatchDelimitedGroup:
		return "delimited_group"
	case MatchAlias:
		return "alias"
	case MatchGroup:
		return "group"
	default:
		return "none"
	}
}

// RejectReason explains why a recipient was not routed.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectInvalidRecipient
)

func (r RejectReason) String() string {
	switch r {
	case RejectInvalidRecipient:
		return "invalid_recipient"
	default:
		return "none"
	}
}

// Outcome is the result of Resolve. Exactly one of Addresses (possibly
// empty) or Reject is meaningful: Reject is RejectNone for forwards.
type Outcome struct {
	Match     MatchKind
	Target    string // lower-cased alias or group the local part resolved to
	Addresses []string
	Reject    RejectReason
}

// Rejected reports whether the outcome is a rejection.
func (o Outcome) Rejected() bool {
	return o.Reject != RejectNone
}

// Resolve routes localPart within t. The branches are tried in a fixed
// order and the first one that matches wins:
//
//  1. a known alias or group followed by a delimiter ("kids+1234")
//  2. a known alias ("sally")
//  3. a known group ("kids")
//
// Anything else is rejected as an invalid recipient.
func Resolve(localPart string, t *Table) Outcome {
	if target, ok := delimitedTarget(localPart, t); ok {
		// A delimited target that names a group expands as the group even if
		// some entry also carries it as an alias.
		if t.IsGroup(target) {
			return Outcome{
				Match:     MatchDelimitedGroup,
				Target:    target,
				Addresses: t.GroupAddresses(target),
			}
		}
		entry, _ := t.EntryForAlias(target)
		return Outcome{
			Match:     MatchDelimitedAlias,
			Target:    target,
			Addresses: expandEntry(entry, t),
		}
	}

	if entry, ok := t.EntryForAlias(localPart); ok {
		return Outcome{
			Match:     MatchAlias,
			Target:    strings.ToLower(localPart),
			Addresses: expandEntry(entry, t),
		}
	}

	if t.IsGroup(localPart) {
		return Outcome{
			Match:     MatchGroup,
			Target:    strings.ToLower(localPart),
			Addresses: t.GroupAddresses(localPart),
		}
	}

	return Outcome{Reject: RejectInvalidRecipient}
}

// delimitedTarget finds the first target, aliases before groups, such that
// the lower-cased local part starts with target+delimiter for one of the
// table's delimiters. Whatever follows the delimiter is ignored.
func delimitedTarget(localPart string, t *Table) (string, bool) {
	lower := strings.ToLower(localPart)
	for _, target := range t.Targets() {
		for _, delim := range t.Delimiters() {
			if strings.HasPrefix(lower, target+delim) {
				return target, true
			}
		}
	}
	return "", false
}

// expandEntry returns the entry's own address, followed by every parent's
// address when the entry is a child.
func expandEntry(e Entry, t *Table) []string {
	out := []string{e.EmailAddress}
	if e.Type == TypeChild {
		out = append(out, t.AddressesForType(TypeParent)...)
	}
	return out
}
