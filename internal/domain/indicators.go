package domain

import (
	"sort"
	"strings"
)

// IPReputations maps an attacking IP to the reputation tags reported for it.
type IPReputations map[string][]string

// IPs returns the keys in lexicographic order.
func (r IPReputations) IPs() []string {
	out := make([]string, 0, len(r))
	for ip := range r {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

// DomainSet is a set of attacked host names keyed by exact value.
type DomainSet map[string]struct{}

func NewDomainSet(values ...string) DomainSet {
	set := make(DomainSet, len(values))
	for _, v := range values {
		set.Add(v)
	}
	return set
}

// Add inserts the trimmed value. Values rejected by CleanIndicator are ignored.
func (s DomainSet) Add(value string) {
	value, ok := CleanIndicator(value)
	if !ok {
		return
	}
	s[value] = struct{}{}
}

func (s DomainSet) Has(value string) bool {
	_, ok := s[value]
	return ok
}

func (s DomainSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// CleanIndicator trims an IP or host value. Blank values and values spanning
// more than one line are rejected: the datasets store one entry per line, so
// an embedded line break would read back as different entries.
func CleanIndicator(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, "\r\n") {
		return "", false
	}
	return value, true
}

// NormalizeTags trims, drops blanks, de-duplicates and sorts reputation tags.
// The result is never nil so it encodes as an empty JSON array.
func NormalizeTags(tags ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range tags {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}
