// Package repair reconciles the external ids cached on internal entities with the
// link registry.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
)

// ErrInvariant means more than one link record exists for an external id.
// Nothing is changed; an operator has to decide which record is right.
var ErrInvariant = errors.New("link invariant violated")

// DefaultSweepCap bounds how many ids one sweep will examine.
const DefaultSweepCap = 500

// Entities is the collaborator that owns the denormalized fields.
type Entities interface {
	Entity(ctx context.Context, kind identity.Kind, key string) (identity.Entity, bool, error)
	EntitiesByExternalID(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Entity, error)
	UpdateLinkage(ctx context.Context, kind identity.Kind, key string, externalID int64, d identity.Display) error
}

// Links is the read side of the link registry.
type Links interface {
	Records(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Link, error)
}

// Action is what a repair did.
type Action string

// Repair actions.
const (
	Nothing    Action = "nothing"     // zero or one entity references the id
	Cleared    Action = "cleared"     // non-owners lost the cached id
	NeedsOwner Action = "needs_owner" // several entities, no link record; left as-is
)

// Report describes one repair.
type Report struct {
	Kind       identity.Kind `json:"kind"`
	Action     Action        `json:"action"`
	Owner      string        `json:"owner,omitempty"`
	Cleared    []string      `json:"cleared,omitempty"`
	Backfilled string        `json:"backfilled,omitempty"`
	ExternalID int64         `json:"twitter_id"`
}

// Engine detects and repairs conflicting denormalized external ids.
type Engine struct {
	entities Entities
	links    Links
	logger   *slog.Logger
	sweepCap int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSweepCap bounds the number of ids a Sweep examines.
func WithSweepCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepCap = n
		}
	}
}

// New creates an Engine.
func New(entities Entities, links Links, opts ...Option) *Engine {
	e := &Engine{entities: entities, links: links, logger: slog.Default(), sweepCap: DefaultSweepCap}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Repair resolves conflicts for one external id of one kind. The link owner keeps
// the id and every other entity caching it has it cleared, even when only one
// does. Without a link record nobody is picked. An owner whose cached id is empty
// gets it backfilled.
func (e *Engine) Repair(ctx context.Context, kind identity.Kind, externalID int64) (Report, error) {
	rep := Report{Kind: kind, ExternalID: externalID, Action: Nothing}
	if !kind.Linkable() || externalID <= 0 {
		return rep, fmt.Errorf("repair %s/%d: unsupported", kind, externalID)
	}

	recs, err := e.links.Records(ctx, kind, externalID)
	if err != nil {
		return rep, fmt.Errorf("read links: %w", err)
	}
	if len(recs) > 1 {
		owners := make([]string, 0, len(recs))
		for _, r := range recs {
			owners = append(owners, r.Owner)
		}
		e.logger.ErrorContext(ctx, "multiple link records for one account", "kind", kind, "twitter_id", externalID, "owners", owners)
		return rep, fmt.Errorf("%w: %s %d has %d link records %v", ErrInvariant, kind, externalID, len(recs), owners)
	}

	ents, err := e.entities.EntitiesByExternalID(ctx, kind, externalID)
	if err != nil {
		return rep, fmt.Errorf("read entities: %w", err)
	}

	if len(recs) == 1 {
		rep.Owner = recs[0].Owner
	}

	if rep.Owner == "" {
		if len(ents) <= 1 {
			return rep, nil
		}
		keys := make([]string, 0, len(ents))
		for _, ent := range ents {
			keys = append(keys, ent.Key)
		}
		e.logger.WarnContext(ctx, "shared account without a link owner", "kind", kind, "twitter_id", externalID, "entities", keys)
		rep.Action = NeedsOwner
		return rep, nil
	}

	if !slices.ContainsFunc(ents, func(ent identity.Entity) bool { return ent.Key == rep.Owner }) {
		if err := e.backfill(ctx, &rep, ents); err != nil {
			return rep, err
		}
	}

	for _, ent := range ents {
		if ent.Key == rep.Owner {
			continue
		}
		if err := e.entities.UpdateLinkage(ctx, kind, ent.Key, 0, identity.Display{}); err != nil {
			return rep, fmt.Errorf("clear %s: %w", ent.Key, err)
		}
		rep.Cleared = append(rep.Cleared, ent.Key)
	}
	if len(rep.Cleared) > 0 {
		rep.Action = Cleared
		e.logger.InfoContext(ctx, "cleared conflicting account ids", "kind", kind, "twitter_id", externalID, "owner", rep.Owner, "cleared", rep.Cleared)
	}
	return rep, nil
}

// backfill gives the link owner the id when its cached id is empty, copying the
// display profile from an entity that still has it. An owner caching some other id
// is left alone.
func (e *Engine) backfill(ctx context.Context, rep *Report, others []identity.Entity) error {
	owner, ok, err := e.entities.Entity(ctx, rep.Kind, rep.Owner)
	if err != nil {
		return fmt.Errorf("read owner %s: %w", rep.Owner, err)
	}
	if !ok || owner.ExternalID != 0 {
		return nil
	}
	var d identity.Display
	if len(others) > 0 {
		d = others[0].Display
	}
	if err := e.entities.UpdateLinkage(ctx, rep.Kind, rep.Owner, rep.ExternalID, d); err != nil {
		return fmt.Errorf("backfill %s: %w", rep.Owner, err)
	}
	rep.Backfilled = rep.Owner
	e.logger.InfoContext(ctx, "backfilled link owner", "kind", rep.Kind, "twitter_id", rep.ExternalID, "owner", rep.Owner)
	return nil
}

// Sweep runs Repair for each id, up to the sweep cap. It continues past
// per-id failures and returns them joined.
func (e *Engine) Sweep(ctx context.Context, kind identity.Kind, ids []int64) ([]Report, error) {
	if len(ids) > e.sweepCap {
		e.logger.WarnContext(ctx, "sweep truncated", "requested", len(ids), "cap", e.sweepCap)
		ids = ids[:e.sweepCap]
	}
	var reports []Report
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := e.Repair(ctx, kind, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}
