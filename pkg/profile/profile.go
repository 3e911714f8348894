// Package profile defines the snapshot of an external account and the errors
// returned when fetching one.
package profile

import (
	"errors"
	"time"
)

// Errors returned by external network clients. Callers match with errors.Is.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrSuspended       = errors.New("account suspended")
	ErrRateLimited     = errors.New("rate limited")
	ErrMalformedInput  = errors.New("malformed input")
	ErrTransient       = errors.New("transient network error")
	ErrUnauthorized    = errors.New("not authorized")
	ErrNoCookies       = errors.New("no cookies available")
)

// Stale reasons recorded on a cached profile.
const (
	StaleNotFound  = "not_found"
	StaleSuspended = "suspended"
)

// MaxHandleLength is the longest handle the external network accepts.
const MaxHandleLength = 15

// Images holds re-hosted copies of a profile image at three sizes plus the banner.
type Images struct {
	Large  string `json:",omitempty"`
	Medium string `json:",omitempty"`
	Tiny   string `json:",omitempty"`
	Banner string `json:",omitempty"`
}

// Profile is the last-fetched snapshot of an external account.
// ID is the stable identity; everything else may change between fetches.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Profile struct {
	ID       int64  `json:",omitempty"`
	Handle   string `json:",omitempty"` // without @ prefix
	Name     string `json:",omitempty"`
	Bio      string `json:",omitempty"`
	Location string `json:",omitempty"`
	Website  string `json:",omitempty"`

	// ExpandedURLs are the targets of link entities found in the bio and url fields.
	ExpandedURLs []string `json:",omitempty"`

	Followers int  `json:",omitempty"`
	Following int  `json:",omitempty"`
	Verified  bool `json:",omitempty"`

	ImageURL  string `json:",omitempty"` // as served by the external network
	BannerURL string `json:",omitempty"`
	Cached    Images `json:",omitempty"`

	UTCOffset  *int       `json:",omitempty"` // seconds east of UTC
	LastPostAt *time.Time `json:",omitempty"`

	FetchedAt   time.Time `json:",omitempty"`
	Stale       bool      `json:",omitempty"`
	StaleReason string    `json:",omitempty"`
}

// URL returns the public profile URL.
func (p *Profile) URL() string {
	if p.Handle == "" {
		return ""
	}
	return "https://x.com/" + p.Handle
}

// MarkStale flags the snapshot as no longer resolvable. The snapshot itself is kept.
func (p *Profile) MarkStale(reason string, now time.Time) {
	p.Stale = true
	p.StaleReason = reason
	p.FetchedAt = now
}

// IsValidHandle validates a handle against the external network's rules:
// 1-15 characters, alphanumeric or underscore.
func IsValidHandle(handle string) bool {
	if len(handle) < 1 || len(handle) > MaxHandleLength {
		return false
	}
	for _, r := range handle {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isUpper && !isDigit && r != '_' {
			return false
		}
	}
	return true
}

// StaleReasonFor returns the stale reason for a definitive negative lookup error,
// or "" if the error is not definitive.
func StaleReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return StaleNotFound
	case errors.Is(err, ErrSuspended):
		return StaleSuspended
	default:
		return ""
	}
}

// Retryable reports whether err is worth retrying later without operator action.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
