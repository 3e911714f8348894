// Package guess ranks external account search results against an internal entity
// to find its probable account.
package guess

import (
	"strings"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

// Location is a location hint: the full place name plus its short code.
type Location struct {
	Full string // "California"
	Code string // "CA"
}

// Subject is everything the scorer knows about the entity being matched.
type Subject struct {
	UTCOffset   *int
	Location    Location
	Affiliation string
	Office      string
	Tokens      []string // name tokens
}

// SubjectFor builds the scoring subject for an entity.
func SubjectFor(e *identity.Entity) Subject {
	s := Subject{
		Location:    LocationFor(e.State),
		Affiliation: strings.TrimSpace(e.Affiliation),
		Office:      strings.TrimSpace(e.Office),
		UTCOffset:   e.UTCOffset,
	}
	if e.FullName != "" && e.First == "" && e.Last == "" {
		s.Tokens = strings.Fields(e.FullName)
	} else {
		for _, part := range []string{e.First, e.Middle, e.Last, e.Nickname} {
			s.Tokens = append(s.Tokens, strings.Fields(part)...)
		}
	}
	for i, tok := range s.Tokens {
		s.Tokens[i] = strings.TrimSuffix(tok, ".")
	}
	return s
}

// Found is a search result together with the query that first produced it.
type Found struct {
	Profile *profile.Profile
	Term    string
}

// Result is the output of one search query.
type Result struct {
	Term     string
	Profiles []*profile.Profile
}

// Union merges per-query results by external id. The first occurrence wins,
// keeping its position and search term.
func Union(results ...Result) []Found {
	seen := make(map[int64]bool)
	var out []Found
	for _, r := range results {
		for _, p := range r.Profiles {
			if p == nil || p.ID == 0 || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, Found{Profile: p, Term: r.Term})
		}
	}
	return out
}

// QueryVariants returns the search queries to run for an entity:
// the full name, the name without initials and trailing periods, and
// the name with the nickname in place of the first name. Duplicates and
// empty variants are dropped.
func QueryVariants(e *identity.Entity) []string {
	full := e.FullName
	if full == "" {
		full = join(e.First, e.Middle, e.Last, e.Suffix)
	}

	var stripped []string
	for _, w := range strings.Fields(full) {
		w = strings.TrimRight(w, ".")
		if len([]rune(w)) > 1 {
			stripped = append(stripped, w)
		}
	}

	variants := []string{full, strings.Join(stripped, " ")}
	if e.Nickname != "" {
		variants = append(variants, join(e.Nickname, e.Middle, e.Last, e.Suffix))
	}

	var out []string
	seen := make(map[string]bool)
	for _, v := range variants {
		v = strings.Join(strings.Fields(v), " ")
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	return out
}

func join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}
