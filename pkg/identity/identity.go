// Package identity defines the internal records that are linked to external accounts.
package identity

import (
	"strings"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

// Kind is an internal entity kind.
type Kind string

// Entity kinds.
const (
	Voter        Kind = "voter"
	Organization Kind = "organization"
	Candidate    Kind = "candidate"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == Voter || k == Organization || k == Candidate
}

// Linkable reports whether entities of kind k carry authoritative link records.
// Candidates only ever get match candidates.
func (k Kind) Linkable() bool {
	return k == Voter || k == Organization
}

// Display is the denormalized copy of an external profile shown for an entity.
type Display struct {
	Handle    string `json:"handle,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	MediumURL string `json:"medium_url,omitempty"`
	TinyURL   string `json:"tiny_url,omitempty"`
	BannerURL string `json:"banner_url,omitempty"`
}

// Entity is a voter, organization or candidate as far as linking is concerned.
// The owning service holds the rest of the record.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Entity struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`

	Title    string `json:"title,omitempty"`
	First    string `json:"first,omitempty"`
	Middle   string `json:"middle,omitempty"`
	Last     string `json:"last,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	FullName string `json:"full_name,omitempty"` // organizations, or when parts are unknown

	State       string `json:"state,omitempty"` // two-letter state code
	Affiliation string `json:"affiliation,omitempty"`
	Office      string `json:"office,omitempty"`
	UTCOffset   *int   `json:"utc_offset,omitempty"`

	// Denormalized linkage, may drift from the link registry.
	ExternalID int64   `json:"twitter_id,omitempty"`
	Display    Display `json:"display"`

	// LinkedOrganization is the organization a voter speaks for, if any.
	LinkedOrganization string `json:"linked_organization,omitempty"`
}

// Name returns the best display name for the entity.
func (e *Entity) Name() string {
	if e.FullName != "" {
		return e.FullName
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{e.First, e.Middle, e.Last} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// ClearLinkage drops the denormalized external id and display profile.
func (e *Entity) ClearLinkage() {
	e.ExternalID = 0
	e.Display = Display{}
}

// ApplyProfile copies an external profile into the denormalized fields.
func (e *Entity) ApplyProfile(p *profile.Profile) {
	e.ExternalID = p.ID
	e.Display = Display{
		Handle:    p.Handle,
		ImageURL:  p.Cached.Large,
		MediumURL: p.Cached.Medium,
		TinyURL:   p.Cached.Tiny,
		BannerURL: p.Cached.Banner,
	}
}

// Link is the authoritative mapping from an external account to one internal entity.
type Link struct {
	Kind       Kind      `json:"kind"`
	Owner      string    `json:"owner"`
	ExternalID int64     `json:"twitter_id"`
	Secret     string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MatchCandidate is a scored, non-authoritative guess awaiting review.
//
//nolint:govet // fieldalignment: intentional layout for readability
type MatchCandidate struct {
	Kind       Kind   `json:"kind"`
	EntityKey  string `json:"entity_key"`
	SearchTerm string `json:"search_term"`

	ExternalID int64  `json:"twitter_id"`
	Handle     string `json:"handle"`
	Name       string `json:"name"`
	Bio        string `json:"bio,omitempty"`
	Location   string `json:"location,omitempty"`
	Followers  int    `json:"followers"`
	ImageURL   string `json:"image_url,omitempty"`

	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`

	Chosen   bool `json:"chosen,omitempty"`
	Rejected bool `json:"rejected,omitempty"`
}

// SessionState is where an auth session stands in the handshake.
type SessionState string

// Session states. A session only moves forward.
const (
	Unstarted          SessionState = "UNSTARTED"
	RequestTokenIssued SessionState = "REQUEST_TOKEN_ISSUED"
	AccessTokenIssued  SessionState = "ACCESS_TOKEN_ISSUED"
	Linked             SessionState = "LINKED"
)

// InFlight reports whether the session has not yet reached an access token.
func (s SessionState) InFlight() bool {
	return s == Unstarted || s == RequestTokenIssued
}

// Session is the per-device handshake record. Retained after LINKED for who-am-I.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Session struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"device_id"`
	VoterKey  string       `json:"voter_key"`
	State     SessionState `json:"state"`
	Platform  string       `json:"platform,omitempty"`
	ReturnURL string       `json:"return_url,omitempty"`

	RequestToken  string `json:"-"`
	RequestSecret string `json:"-"`
	AccessToken   string `json:"-"`
	AccessSecret  string `json:"-"`

	ExternalID int64  `json:"twitter_id,omitempty"`
	Handle     string `json:"handle,omitempty"`
	Name       string `json:"name,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action is the kind of batch work a ledger entry records.
type Action string

// Ledger actions.
const (
	ActionMatch   Action = "match"
	ActionRefresh Action = "refresh"
)

// LedgerEntry records that an entity was processed. Append-only.
type LedgerEntry struct {
	EntityKey string    `json:"entity_key"`
	Kind      Kind      `json:"kind"`
	Action    Action    `json:"action"`
	Outcome   string    `json:"outcome"`
	At        time.Time `json:"at"`
}
