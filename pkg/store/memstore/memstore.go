// Package memstore is an in-memory store for tests and single-process development.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

type entityKey struct {
	kind identity.Kind
	key  string
}

type candidateKey struct {
	entity     entityKey
	externalID int64
}

// Store holds every record in maps guarded by one mutex.
// Link uniqueness is enforced like a database unique index would.
type Store struct {
	entities   map[entityKey]identity.Entity
	devices    map[string]string
	links      []identity.Link
	sessions   []identity.Session
	candidates map[candidateKey]identity.MatchCandidate
	candOrder  []candidateKey
	ledger     []identity.LedgerEntry
	profiles   map[int64]profile.Profile
	mu         sync.Mutex
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		entities:   map[entityKey]identity.Entity{},
		devices:    map[string]string{},
		candidates: map[candidateKey]identity.MatchCandidate{},
		profiles:   map[int64]profile.Profile{},
	}
}

// Entities.

// PutEntity inserts or replaces an entity.
func (s *Store) PutEntity(_ context.Context, e identity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entityKey{e.Kind, e.Key}] = e
	return nil
}

// Entity returns an entity by kind and key.
func (s *Store) Entity(_ context.Context, kind identity.Kind, key string) (identity.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityKey{kind, key}]
	return e, ok, nil
}

// EntityByHandle returns the first entity of kind, by key, whose display handle matches.
func (s *Store) EntityByHandle(_ context.Context, kind identity.Kind, handle string) (identity.Entity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sortedEntities(kind) {
		if e.Display.Handle != "" && strings.EqualFold(e.Display.Handle, handle) {
			return e, true, nil
		}
	}
	return identity.Entity{}, false, nil
}

// EntitiesByExternalID returns entities of kind whose denormalized id equals externalID.
func (s *Store) EntitiesByExternalID(_ context.Context, kind identity.Kind, externalID int64) ([]identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.Entity
	for _, e := range s.sortedEntities(kind) {
		if e.ExternalID == externalID {
			out = append(out, e)
		}
	}
	return out, nil
}

// UpdateLinkage overwrites an entity's denormalized external id and display profile.
func (s *Store) UpdateLinkage(_ context.Context, kind identity.Kind, key string, externalID int64, d identity.Display) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{kind, key}
	e, ok := s.entities[k]
	if !ok {
		return nil
	}
	e.ExternalID = externalID
	e.Display = d
	s.entities[k] = e
	return nil
}

// SelectUnmatched returns entities of kind without a handle, without open candidates,
// and without a match ledger entry at or after since, ordered by key.
func (s *Store) SelectUnmatched(_ context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.Entity
	for _, e := range s.sortedEntities(kind) {
		if len(out) >= limit {
			break
		}
		if e.Display.Handle != "" || s.hasOpenCandidates(e.Kind, e.Key) || s.ledgered(e.Kind, e.Key, identity.ActionMatch, since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SelectForRefresh returns entities of kind with a handle and no refresh ledger entry
// at or after since, ordered by key.
func (s *Store) SelectForRefresh(_ context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.Entity
	for _, e := range s.sortedEntities(kind) {
		if len(out) >= limit {
			break
		}
		if e.Display.Handle == "" || s.ledgered(e.Kind, e.Key, identity.ActionRefresh, since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) sortedEntities(kind identity.Kind) []identity.Entity {
	var out []identity.Entity
	for k, e := range s.entities {
		if k.kind == kind {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b identity.Entity) int { return strings.Compare(a.Key, b.Key) })
	return out
}

func (s *Store) hasOpenCandidates(kind identity.Kind, key string) bool {
	for k, c := range s.candidates {
		if k.entity.kind == kind && k.entity.key == key && !c.Rejected {
			return true
		}
	}
	return false
}

func (s *Store) ledgered(kind identity.Kind, key string, action identity.Action, since time.Time) bool {
	for _, l := range s.ledger {
		if l.Kind == kind && l.EntityKey == key && l.Action == action && !l.At.Before(since) {
			return true
		}
	}
	return false
}

// Devices.

// PutDevice maps a device to a voter.
func (s *Store) PutDevice(_ context.Context, deviceID, voterKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = voterKey
	return nil
}

// VoterForDevice returns the voter key for a device.
func (s *Store) VoterForDevice(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.devices[deviceID]
	return v, ok, nil
}

// Links.

// LinkByExternalID implements link.Store.
func (s *Store) LinkByExternalID(_ context.Context, kind identity.Kind, externalID int64) (identity.Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.Kind == kind && l.ExternalID == externalID {
			return l, true, nil
		}
	}
	return identity.Link{}, false, nil
}

// LinkByOwner implements link.Store.
func (s *Store) LinkByOwner(_ context.Context, kind identity.Kind, owner string) (identity.Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.Kind == kind && l.Owner == owner {
			return l, true, nil
		}
	}
	return identity.Link{}, false, nil
}

// LinkBySecret implements link.Store.
func (s *Store) LinkBySecret(_ context.Context, secret string) (identity.Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.Secret == secret {
			return l, true, nil
		}
	}
	return identity.Link{}, false, nil
}

// LinksByExternalID implements link.Store.
func (s *Store) LinksByExternalID(_ context.Context, kind identity.Kind, externalID int64) ([]identity.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.Link
	for _, l := range s.links {
		if l.Kind == kind && l.ExternalID == externalID {
			out = append(out, l)
		}
	}
	return out, nil
}

// InsertLink implements link.Store.
func (s *Store) InsertLink(_ context.Context, l identity.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.links {
		if cur.Kind == l.Kind && (cur.ExternalID == l.ExternalID || cur.Owner == l.Owner) {
			return link.ErrDuplicate
		}
		if cur.Secret == l.Secret {
			return link.ErrDuplicate
		}
	}
	s.links = append(s.links, l)
	return nil
}

// ForceInsertLink appends a record without uniqueness checks. It exists to
// reproduce legacy data that predates the unique index.
func (s *Store) ForceInsertLink(l identity.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, l)
}

// ReassignLink implements link.Store.
func (s *Store) ReassignLink(_ context.Context, kind identity.Kind, externalID int64, owner string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.links {
		if cur.Kind == kind && cur.Owner == owner && cur.ExternalID != externalID {
			return link.ErrDuplicate
		}
	}
	for i := range s.links {
		if s.links[i].Kind == kind && s.links[i].ExternalID == externalID {
			s.links[i].Owner = owner
			s.links[i].UpdatedAt = at
		}
	}
	return nil
}

// DeleteLink implements link.Store.
func (s *Store) DeleteLink(_ context.Context, kind identity.Kind, owner string) (identity.Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.links {
		if l.Kind == kind && l.Owner == owner {
			s.links = slices.Delete(s.links, i, i+1)
			return l, true, nil
		}
	}
	return identity.Link{}, false, nil
}

// Sessions.

// CreateSession appends a session.
func (s *Store) CreateSession(_ context.Context, sess identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
	return nil
}

// UpdateSession replaces the session with the same id.
func (s *Store) UpdateSession(_ context.Context, sess identity.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ID == sess.ID {
			s.sessions[i] = sess
			return nil
		}
	}
	return nil
}

// LatestSession returns the most recently created session for a device.
func (s *Store) LatestSession(_ context.Context, deviceID string) (identity.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].DeviceID == deviceID {
			return s.sessions[i], true, nil
		}
	}
	return identity.Session{}, false, nil
}

// LatestLinkedSession returns the most recently created LINKED session for a device.
func (s *Store) LatestLinkedSession(_ context.Context, deviceID string) (identity.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].DeviceID == deviceID && s.sessions[i].State == identity.Linked {
			return s.sessions[i], true, nil
		}
	}
	return identity.Session{}, false, nil
}

// Candidates.

// UpsertCandidates inserts candidates, replacing any with the same entity and external id.
// Review flags on replaced rows are kept.
func (s *Store) UpsertCandidates(_ context.Context, cs []identity.MatchCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		k := candidateKey{entityKey{c.Kind, c.EntityKey}, c.ExternalID}
		if prev, ok := s.candidates[k]; ok {
			c.Chosen, c.Rejected = prev.Chosen, prev.Rejected
		} else {
			s.candOrder = append(s.candOrder, k)
		}
		s.candidates[k] = c
	}
	return nil
}

// Candidates returns an entity's candidates by descending score.
func (s *Store) Candidates(_ context.Context, kind identity.Kind, key string) ([]identity.MatchCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []identity.MatchCandidate
	for _, k := range s.candOrder {
		if k.entity.kind == kind && k.entity.key == key {
			out = append(out, s.candidates[k])
		}
	}
	slices.SortStableFunc(out, func(a, b identity.MatchCandidate) int { return b.Score - a.Score })
	return out, nil
}

// MarkCandidate sets review flags on one candidate.
func (s *Store) MarkCandidate(_ context.Context, kind identity.Kind, key string, externalID int64, chosen, rejected bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := candidateKey{entityKey{kind, key}, externalID}
	c, ok := s.candidates[k]
	if !ok {
		return false, nil
	}
	c.Chosen, c.Rejected = chosen, rejected
	s.candidates[k] = c
	return true, nil
}

// DeleteCandidates removes every candidate for an entity.
func (s *Store) DeleteCandidates(_ context.Context, kind identity.Kind, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	s.candOrder = slices.DeleteFunc(s.candOrder, func(k candidateKey) bool {
		if k.entity.kind == kind && k.entity.key == key {
			delete(s.candidates, k)
			n++
			return true
		}
		return false
	})
	return n, nil
}

// Ledger.

// AppendLedger appends a ledger entry.
func (s *Store) AppendLedger(_ context.Context, e identity.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, e)
	return nil
}

// Ledger returns a copy of every ledger entry in append order.
func (s *Store) Ledger() []identity.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ledger)
}

// Profiles.

// SaveProfile stores a profile snapshot keyed by external id.
func (s *Store) SaveProfile(_ context.Context, p profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

// Profile returns a cached profile by external id.
func (s *Store) Profile(_ context.Context, externalID int64) (profile.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[externalID]
	return p, ok, nil
}

// ProfileByHandle returns a cached profile by handle, ignoring case.
func (s *Store) ProfileByHandle(_ context.Context, handle string) (profile.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best profile.Profile
	var found bool
	for _, p := range s.profiles {
		if strings.EqualFold(p.Handle, handle) && (!found || p.FetchedAt.After(best.FetchedAt)) {
			best, found = p, true
		}
	}
	return best, found, nil
}
