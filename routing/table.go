package routing

import "strings"

// Table is the lookup view of one DomainConfig. It is built once per domain
// lookup and never modified afterwards.
type Table struct {
	domain     string
	entries    []Entry
	delimiters []string

	aliases  []string // lower-cased, entry order
	groups   []string // lower-cased, first-seen order, unique
	groupSet map[string]struct{}
}

// NewTable derives the lookup table for dc.
func NewTable(dc DomainConfig) *Table {
	t := &Table{
		domain:     dc.Domain,
		entries:    dc.Entries,
		delimiters: dc.EffectiveDelimiters(),
		groupSet:   make(map[string]struct{}),
	}

	for _, e := range dc.Entries {
		for _, a := range e.Aliases {
			t.aliases = append(t.aliases, strings.ToLower(a))
		}
		for _, g := range e.Groups {
			lg := strings.ToLower(g)
			if _, seen := t.groupSet[lg]; seen {
				continue
			}
			t.groupSet[lg] = struct{}{}
			t.groups = append(t.groups, lg)
		}
	}

	return t
}

// Domain returns the domain name as written in the document.
func (t *Table) Domain() string {
	return t.domain
}

// Delimiters returns the delimiters in effect for this domain.
func (t *Table) Delimiters() []string {
	return t.delimiters
}

// Aliases returns every alias of every entry, lower-cased.
func (t *Table) Aliases() []string {
	return t.aliases
}

// Groups returns every group name, lower-cased and deduplicated.
func (t *Table) Groups() []string {
	return t.groups
}

// Entries returns the entries in document order.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Targets lists all names a local-part may resolve to: aliases first, then
// groups. The order decides ties during delimiter matching.
func (t *Table) Targets() []string {
	targets := make([]string, 0, len(t.aliases)+len(t.groups))
	targets = append(targets, t.aliases...)
	return append(targets, t.groups...)
}

// IsGroup reports whether name is a known group.
func (t *Table) IsGroup(name string) bool {
	_, ok := t.groupSet[strings.ToLower(name)]
	return ok
}

// EntryForAlias returns the first entry listing name among its aliases.
func (t *Table) EntryForAlias(name string) (Entry, bool) {
	for _, e := range t.entries {
		if containsFold(e.Aliases, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// GroupAddresses returns the destination of every entry in group, in entry
// order.
func (t *Table) GroupAddresses(group string) []string {
	var out []string
	for _, e := range t.entries {
		if containsFold(e.Groups, group) {
			out = append(out, e.EmailAddress)
		}
	}
	return out
}

// AddressesForType returns the destination of every entry of the given type.
// The type comparison is exact.
func (t *Table) AddressesForType(typ string) []string {
	var out []string
	for _, e := range t.entries {
		if e.Type == typ {
			out = append(out, e.EmailAddress)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
