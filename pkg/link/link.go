// Package link maintains the authoritative mapping between external accounts and
// internal entities. For each kind, an external account has at most one owner and
// an owner holds at most one external account.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/google/uuid"
)

var (
	// ErrDuplicate is returned by a Store when a write violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate link")
	// ErrInvalid is returned for a link request missing its kind, owner or external id.
	ErrInvalid = errors.New("invalid link request")
)

// Store persists link records.
type Store interface {
	LinkByExternalID(ctx context.Context, kind identity.Kind, externalID int64) (identity.Link, bool, error)
	LinkByOwner(ctx context.Context, kind identity.Kind, owner string) (identity.Link, bool, error)
	LinkBySecret(ctx context.Context, secret string) (identity.Link, bool, error)
	// LinksByExternalID returns every record for the id. More than one means the
	// uniqueness invariant has been broken.
	LinksByExternalID(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Link, error)
	InsertLink(ctx context.Context, l identity.Link) error
	ReassignLink(ctx context.Context, kind identity.Kind, externalID int64, owner string, at time.Time) error
	DeleteLink(ctx context.Context, kind identity.Kind, owner string) (identity.Link, bool, error)
}

// Outcome describes what CreateOrGet did.
type Outcome string

// CreateOrGet outcomes.
const (
	Created     Outcome = "created"
	Existing    Outcome = "existing"     // already owned by the caller
	Collision   Outcome = "collision"    // owned by someone else, nothing changed
	OwnerLinked Outcome = "owner_linked" // the caller already owns a different account
	Reassigned  Outcome = "reassigned"   // forced move from the previous owner
)

// Result is the outcome of CreateOrGet. Link is the record as it stands afterwards;
// for Collision it is the other owner's record, for OwnerLinked the caller's other record.
type Result struct {
	Link     identity.Link
	Outcome  Outcome
	Previous string // previous owner, for Reassigned
}

// OK reports whether the caller now owns the requested account.
func (r Result) OK() bool {
	return r.Outcome == Created || r.Outcome == Existing || r.Outcome == Reassigned
}

// Registry enforces link uniqueness on top of a Store.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	secret func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock sets the time source for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		secret: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type createConfig struct {
	force bool
}

// CreateOption modifies a CreateOrGet call.
type CreateOption func(*createConfig)

// Force moves the account to the new owner when someone else holds it.
func Force() CreateOption {
	return func(c *createConfig) { c.force = true }
}

// CreateOrGet links externalID to owner. It is idempotent: repeating a call
// that succeeded returns Existing with the same record. A collision is an
// outcome, not an error.
func (r *Registry) CreateOrGet(ctx context.Context, kind identity.Kind, externalID int64, owner string, opts ...CreateOption) (Result, error) {
	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if !kind.Linkable() || externalID <= 0 || owner == "" {
		return Result{}, fmt.Errorf("%w: kind=%q id=%d owner=%q", ErrInvalid, kind, externalID, owner)
	}

	cur, found, err := r.store.LinkByExternalID(ctx, kind, externalID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup by external id: %w", err)
	}
	if found {
		if cur.Owner == owner {
			return Result{Outcome: Existing, Link: cur}, nil
		}
		if !cfg.force {
			r.logger.InfoContext(ctx, "link collision", "kind", kind, "twitter_id", externalID, "owner", cur.Owner, "requested_by", owner)
			return Result{Outcome: Collision, Link: cur}, nil
		}
		return r.reassign(ctx, cur, owner)
	}

	if other, ok, err := r.store.LinkByOwner(ctx, kind, owner); err != nil {
		return Result{}, fmt.Errorf("lookup by owner: %w", err)
	} else if ok {
		return Result{Outcome: OwnerLinked, Link: other}, nil
	}

	l := identity.Link{
		Kind:       kind,
		Owner:      owner,
		ExternalID: externalID,
		Secret:     r.secret(),
		UpdatedAt:  r.now(),
	}
	err = r.store.InsertLink(ctx, l)
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with a concurrent writer; report what won.
		return r.resolveRace(ctx, kind, externalID, owner)
	}
	if err != nil {
		return Result{}, fmt.Errorf("insert link: %w", err)
	}
	r.logger.InfoContext(ctx, "link created", "kind", kind, "twitter_id", externalID, "owner", owner)
	return Result{Outcome: Created, Link: l}, nil
}

func (r *Registry) reassign(ctx context.Context, cur identity.Link, owner string) (Result, error) {
	other, ok, err := r.store.LinkByOwner(ctx, cur.Kind, owner)
	if err != nil {
		return Result{}, fmt.Errorf("lookup by owner: %w", err)
	}
	if ok {
		return Result{Outcome: OwnerLinked, Link: other}, nil
	}

	at := r.now()
	if err := r.store.ReassignLink(ctx, cur.Kind, cur.ExternalID, owner, at); err != nil {
		return Result{}, fmt.Errorf("reassign link: %w", err)
	}
	r.logger.WarnContext(ctx, "link reassigned", "kind", cur.Kind, "twitter_id", cur.ExternalID, "from", cur.Owner, "to", owner)

	prev := cur.Owner
	cur.Owner = owner
	cur.UpdatedAt = at
	return Result{Outcome: Reassigned, Link: cur, Previous: prev}, nil
}

func (r *Registry) resolveRace(ctx context.Context, kind identity.Kind, externalID int64, owner string) (Result, error) {
	cur, found, err := r.store.LinkByExternalID(ctx, kind, externalID)
	if err != nil {
		return Result{}, fmt.Errorf("re-read after duplicate: %w", err)
	}
	if found {
		if cur.Owner == owner {
			return Result{Outcome: Existing, Link: cur}, nil
		}
		return Result{Outcome: Collision, Link: cur}, nil
	}
	other, ok, err := r.store.LinkByOwner(ctx, kind, owner)
	if err != nil {
		return Result{}, fmt.Errorf("re-read after duplicate: %w", err)
	}
	if ok {
		return Result{Outcome: OwnerLinked, Link: other}, nil
	}
	return Result{}, fmt.Errorf("insert link: %w", ErrDuplicate)
}

// ByExternalID returns the record for an external account.
func (r *Registry) ByExternalID(ctx context.Context, kind identity.Kind, externalID int64) (identity.Link, bool, error) {
	return r.store.LinkByExternalID(ctx, kind, externalID)
}

// ByOwner returns the record held by an internal entity.
func (r *Registry) ByOwner(ctx context.Context, kind identity.Kind, owner string) (identity.Link, bool, error) {
	return r.store.LinkByOwner(ctx, kind, owner)
}

// BySecret returns the record with the given ownership secret.
func (r *Registry) BySecret(ctx context.Context, secret string) (identity.Link, bool, error) {
	if secret == "" {
		return identity.Link{}, false, nil
	}
	return r.store.LinkBySecret(ctx, secret)
}

// Records returns every record for an external account; see Store.LinksByExternalID.
func (r *Registry) Records(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Link, error) {
	return r.store.LinksByExternalID(ctx, kind, externalID)
}

// Delete hard-deletes the owner's record and returns the external id it freed.
func (r *Registry) Delete(ctx context.Context, kind identity.Kind, owner string) (int64, bool, error) {
	l, ok, err := r.store.DeleteLink(ctx, kind, owner)
	if err != nil {
		return 0, false, fmt.Errorf("delete link: %w", err)
	}
	if ok {
		r.logger.InfoContext(ctx, "link deleted", "kind", kind, "twitter_id", l.ExternalID, "owner", owner)
	}
	return l.ExternalID, ok, nil
}
