// Package reconcile walks sets of internal entities and matches or refreshes their
// external accounts within the external network's quota.
//
// Matching only proposes: scored candidates are stored for review and an operator
// promotes one. Every processed entity gets a ledger entry so a batch that is cut
// short resumes where it stopped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/guess"
	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/codeGROOVE-dev/xlink/pkg/twitter"
	"golang.org/x/time/rate"
)

// Defaults for a Scheduler.
const (
	DefaultBatchSize   = 20
	DefaultCooldown    = 30 * 24 * time.Hour
	DefaultSearchCount = 20
	DefaultPace        = time.Second
)

// ErrNoCandidate is returned when a candidate to promote or reject does not exist.
var ErrNoCandidate = errors.New("no such candidate")

// Store is the persistence a Scheduler needs.
type Store interface {
	SelectUnmatched(ctx context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error)
	SelectForRefresh(ctx context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error)
	UpdateLinkage(ctx context.Context, kind identity.Kind, key string, externalID int64, d identity.Display) error

	UpsertCandidates(ctx context.Context, cs []identity.MatchCandidate) error
	Candidates(ctx context.Context, kind identity.Kind, key string) ([]identity.MatchCandidate, error)
	MarkCandidate(ctx context.Context, kind identity.Kind, key string, externalID int64, chosen, rejected bool) (bool, error)
	DeleteCandidates(ctx context.Context, kind identity.Kind, key string) (int, error)

	AppendLedger(ctx context.Context, e identity.LedgerEntry) error

	SaveProfile(ctx context.Context, p profile.Profile) error
	Profile(ctx context.Context, externalID int64) (profile.Profile, bool, error)
}

// Twitter is the slice of the external client a Scheduler needs.
type Twitter interface {
	Search(ctx context.Context, query string, count int) ([]*profile.Profile, error)
	LookupHandle(ctx context.Context, handle string) (*profile.Profile, error)
	RateLimits(ctx context.Context) ([]twitter.RateLimit, error)
}

// Outcome is what happened to one entity in a batch.
type Outcome string

// Batch outcomes.
const (
	Matched      Outcome = "matched"
	NoCandidates Outcome = "no_candidates"
	Refreshed    Outcome = "refreshed"
	NotFound     Outcome = "not_found"
	Suspended    Outcome = "suspended"
	Moved        Outcome = "moved" // the handle now belongs to a different account
	Invalid      Outcome = "invalid"
	Transient    Outcome = "transient"
	RateLimited  Outcome = "rate_limited"
)

// halts reports whether the batch stops after this outcome.
func (o Outcome) halts() bool {
	return o == Transient || o == RateLimited
}

// Item is the result for one entity.
type Item struct {
	Key        string  `json:"key"`
	Outcome    Outcome `json:"outcome"`
	Candidates int     `json:"candidates,omitempty"`
}

// Batch summarizes one Match or Refresh run.
type Batch struct {
	Err        error           `json:"-"`
	Outcomes   map[Outcome]int `json:"outcomes"`
	Kind       identity.Kind   `json:"kind"`
	Action     identity.Action `json:"action"`
	Items      []Item          `json:"items"`
	Considered int             `json:"considered"`
	Processed  int             `json:"processed"`
	Halted     bool            `json:"halted"`
}

func (b *Batch) record(key string, o Outcome, candidates int) {
	b.Items = append(b.Items, Item{Key: key, Outcome: o, Candidates: candidates})
	b.Outcomes[o]++
	if o != RateLimited {
		b.Processed++
	}
}

// Scheduler runs reconciliation batches. Calls to the external network are paced;
// transient HTTP failures are retried once by the client underneath.
type Scheduler struct {
	store       Store
	twitter     Twitter
	links       *link.Registry
	limiter     *rate.Limiter
	images      func(context.Context, *profile.Profile) (profile.Images, error)
	logger      *slog.Logger
	now         func() time.Time
	batchSize   int
	searchCount int
	cooldown    time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithBatchSize sets how many entities one batch selects.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithCooldown sets how long a processed entity is skipped.
func WithCooldown(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithSearchCount sets how many results each search asks for.
func WithSearchCount(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.searchCount = n
		}
	}
}

// WithPace sets the minimum interval between external calls. Zero disables pacing.
func WithPace(every time.Duration) Option {
	return func(s *Scheduler) {
		if every <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

// WithImages sets the collaborator that re-hosts profile images on refresh and promotion.
func WithImages(f func(context.Context, *profile.Profile) (profile.Images, error)) Option {
	return func(s *Scheduler) { s.images = f }
}

// New creates a Scheduler. links may be nil when no linkable kind is promoted.
func New(store Store, tw Twitter, links *link.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		twitter:     tw,
		links:       links,
		limiter:     rate.NewLimiter(rate.Every(DefaultPace), 1),
		logger:      slog.Default(),
		now:         time.Now,
		batchSize:   DefaultBatchSize,
		searchCount: DefaultSearchCount,
		cooldown:    DefaultCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Match proposes candidates for up to one batch of unmatched entities of kind.
// Entities are taken in key order. A transient failure or a rate limit halts the batch.
func (s *Scheduler) Match(ctx context.Context, kind identity.Kind) Batch {
	b := Batch{Kind: kind, Action: identity.ActionMatch, Outcomes: map[Outcome]int{}}
	if !kind.Valid() {
		b.Err = fmt.Errorf("match: unknown kind %q", kind)
		return b
	}
	ents, err := s.store.SelectUnmatched(ctx, kind, s.now().Add(-s.cooldown), s.batchSize)
	if err != nil {
		b.Err = fmt.Errorf("select unmatched: %w", err)
		return b
	}
	b.Considered = len(ents)
	s.logger.InfoContext(ctx, "match batch starting", "kind", kind, "entities", len(ents))

	for i := range ents {
		e := &ents[i]
		o, n, err := s.matchOne(ctx, e)
		if o == "" {
			b.Err, b.Halted = err, true
			break
		}
		if err := s.finish(ctx, &b, e.Key, o, n, err); err != nil {
			break
		}
	}
	s.logger.InfoContext(ctx, "match batch done", "kind", kind, "processed", b.Processed, "halted", b.Halted, "outcomes", b.Outcomes)
	return b
}

// matchOne searches and scores one entity. An empty outcome means the batch must
// stop without recording anything.
func (s *Scheduler) matchOne(ctx context.Context, e *identity.Entity) (Outcome, int, error) {
	variants := guess.QueryVariants(e)
	if len(variants) == 0 {
		return Invalid, 0, nil
	}

	results := make([]guess.Result, 0, len(variants))
	for _, q := range variants {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", 0, err
		}
		ps, err := s.twitter.Search(ctx, q, s.searchCount)
		if err != nil {
			return failure(err), 0, err
		}
		results = append(results, guess.Result{Term: q, Profiles: ps})
	}

	found := guess.Union(results...)
	if len(found) == 0 {
		return NoCandidates, 0, nil
	}
	now := s.now()
	ranked := guess.Rank(guess.SubjectFor(e), found, now)
	cands := make([]identity.MatchCandidate, 0, len(ranked))
	for _, r := range ranked {
		p := r.Profile
		cands = append(cands, identity.MatchCandidate{
			Kind:       e.Kind,
			EntityKey:  e.Key,
			SearchTerm: r.Term,
			ExternalID: p.ID,
			Handle:     p.Handle,
			Name:       p.Name,
			Bio:        p.Bio,
			Location:   p.Location,
			Followers:  p.Followers,
			ImageURL:   p.ImageURL,
			Score:      r.Score,
			CreatedAt:  now,
		})
		if err := s.store.SaveProfile(ctx, *p); err != nil {
			s.logger.WarnContext(ctx, "profile cache write failed", "twitter_id", p.ID, "error", err)
		}
	}
	if err := s.store.UpsertCandidates(ctx, cands); err != nil {
		return "", 0, fmt.Errorf("store candidates for %s: %w", e.Key, err)
	}
	return Matched, len(cands), nil
}

// Refresh re-fetches the external profile of up to one batch of entities that
// already have a handle, updating their display profile.
func (s *Scheduler) Refresh(ctx context.Context, kind identity.Kind) Batch {
	b := Batch{Kind: kind, Action: identity.ActionRefresh, Outcomes: map[Outcome]int{}}
	if !kind.Valid() {
		b.Err = fmt.Errorf("refresh: unknown kind %q", kind)
		return b
	}
	ents, err := s.store.SelectForRefresh(ctx, kind, s.now().Add(-s.cooldown), s.batchSize)
	if err != nil {
		b.Err = fmt.Errorf("select for refresh: %w", err)
		return b
	}
	b.Considered = len(ents)
	s.logger.InfoContext(ctx, "refresh batch starting", "kind", kind, "entities", len(ents))

	for i := range ents {
		e := &ents[i]
		o, err := s.refreshOne(ctx, e)
		if o == "" {
			b.Err, b.Halted = err, true
			break
		}
		if err := s.finish(ctx, &b, e.Key, o, 0, err); err != nil {
			break
		}
	}
	s.logger.InfoContext(ctx, "refresh batch done", "kind", kind, "processed", b.Processed, "halted", b.Halted, "outcomes", b.Outcomes)
	return b
}

func (s *Scheduler) refreshOne(ctx context.Context, e *identity.Entity) (Outcome, error) {
	handle := twitter.NormalizeHandle(e.Display.Handle)
	if !profile.IsValidHandle(handle) {
		return Invalid, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	p, err := s.twitter.LookupHandle(ctx, handle)
	if err != nil {
		if reason := profile.StaleReasonFor(err); reason != "" {
			s.markStale(ctx, e.ExternalID, reason)
			if reason == profile.StaleSuspended {
				return Suspended, nil
			}
			return NotFound, nil
		}
		if errors.Is(err, profile.ErrMalformedInput) {
			return Invalid, nil
		}
		return failure(err), err
	}

	if e.ExternalID != 0 && p.ID != e.ExternalID {
		s.logger.WarnContext(ctx, "handle now belongs to another account", "kind", e.Kind, "key", e.Key, "handle", handle, "twitter_id", e.ExternalID, "new_twitter_id", p.ID)
		return Moved, nil
	}

	p.Cached = s.cacheImages(ctx, p)
	if err := s.store.SaveProfile(ctx, *p); err != nil {
		return "", fmt.Errorf("cache profile %d: %w", p.ID, err)
	}
	e.ApplyProfile(p)
	if err := s.store.UpdateLinkage(ctx, e.Kind, e.Key, e.ExternalID, e.Display); err != nil {
		return "", fmt.Errorf("update %s: %w", e.Key, err)
	}
	return Refreshed, nil
}

func (s *Scheduler) markStale(ctx context.Context, externalID int64, reason string) {
	if externalID == 0 {
		return
	}
	p, ok, err := s.store.Profile(ctx, externalID)
	if err != nil || !ok {
		return
	}
	p.MarkStale(reason, s.now())
	if err := s.store.SaveProfile(ctx, p); err != nil {
		s.logger.WarnContext(ctx, "stale mark failed", "twitter_id", externalID, "error", err)
	}
}

// finish records one entity's outcome and ledger entry. It returns an error when the
// batch must stop.
func (s *Scheduler) finish(ctx context.Context, b *Batch, key string, o Outcome, candidates int, cause error) error {
	b.record(key, o, candidates)
	if o != RateLimited {
		entry := identity.LedgerEntry{EntityKey: key, Kind: b.Kind, Action: b.Action, Outcome: string(o), At: s.now()}
		if err := s.store.AppendLedger(ctx, entry); err != nil {
			b.Err, b.Halted = fmt.Errorf("ledger %s: %w", key, err), true
			return b.Err
		}
	}
	s.logger.DebugContext(ctx, "entity processed", "kind", b.Kind, "action", b.Action, "key", key, "outcome", o)
	if o.halts() {
		s.logger.WarnContext(ctx, "batch halted", "kind", b.Kind, "action", b.Action, "key", key, "outcome", o, "error", cause)
		b.Err, b.Halted = cause, true
		return cause
	}
	return nil
}

// failure maps an external error to a halting outcome, or "" when the error is
// neither a rate limit nor transient (context cancellation, local bugs).
func failure(err error) Outcome {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ""
	case errors.Is(err, profile.ErrRateLimited):
		return RateLimited
	default:
		return Transient
	}
}

func (s *Scheduler) cacheImages(ctx context.Context, p *profile.Profile) profile.Images {
	if s.images == nil {
		return p.Cached
	}
	imgs, err := s.images(ctx, p)
	if err != nil {
		s.logger.WarnContext(ctx, "image caching failed, using source urls", "twitter_id", p.ID, "error", err)
		return p.Cached
	}
	return imgs
}

// Promotion is the result of promoting a candidate.
type Promotion struct {
	Candidate identity.MatchCandidate `json:"candidate"`
	Link      *link.Result            `json:"link,omitempty"`
}

// Promote accepts one candidate as the entity's account: the candidate is marked
// chosen and the entity gets its handle and id. For linkable kinds the link is
// created first; a collision is returned and nothing else changes.
func (s *Scheduler) Promote(ctx context.Context, kind identity.Kind, key string, externalID int64) (Promotion, error) {
	cands, err := s.store.Candidates(ctx, kind, key)
	if err != nil {
		return Promotion{}, fmt.Errorf("read candidates: %w", err)
	}
	var cand identity.MatchCandidate
	var found bool
	for _, c := range cands {
		if c.ExternalID == externalID {
			cand, found = c, true
			break
		}
	}
	if !found {
		return Promotion{}, fmt.Errorf("%w: %s %s %d", ErrNoCandidate, kind, key, externalID)
	}
	pr := Promotion{Candidate: cand}

	if kind.Linkable() {
		if s.links == nil {
			return pr, fmt.Errorf("promote %s: no link registry", kind)
		}
		r, err := s.links.CreateOrGet(ctx, kind, externalID, key)
		if err != nil {
			return pr, fmt.Errorf("link %s: %w", key, err)
		}
		pr.Link = &r
		if !r.OK() {
			s.logger.InfoContext(ctx, "promotion refused", "kind", kind, "key", key, "twitter_id", externalID, "outcome", r.Outcome, "owner", r.Link.Owner)
			return pr, nil
		}
	}

	p, ok, err := s.store.Profile(ctx, externalID)
	if err != nil {
		return pr, fmt.Errorf("read profile: %w", err)
	}
	if !ok {
		p = profile.Profile{ID: cand.ExternalID, Handle: cand.Handle, Name: cand.Name, ImageURL: cand.ImageURL}
		p.Cached = twitter.ImageSizes(p.ImageURL, "")
	}
	p.Cached = s.cacheImages(ctx, &p)

	var e identity.Entity
	e.ApplyProfile(&p)
	if err := s.store.UpdateLinkage(ctx, kind, key, externalID, e.Display); err != nil {
		return pr, fmt.Errorf("update %s: %w", key, err)
	}
	if _, err := s.store.MarkCandidate(ctx, kind, key, externalID, true, false); err != nil {
		return pr, fmt.Errorf("mark candidate: %w", err)
	}
	pr.Candidate.Chosen, pr.Candidate.Rejected = true, false
	s.logger.InfoContext(ctx, "candidate promoted", "kind", kind, "key", key, "twitter_id", externalID, "handle", p.Handle)
	return pr, nil
}

// Reject marks a candidate as not a match.
func (s *Scheduler) Reject(ctx context.Context, kind identity.Kind, key string, externalID int64) error {
	ok, err := s.store.MarkCandidate(ctx, kind, key, externalID, false, true)
	if err != nil {
		return fmt.Errorf("mark candidate: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s %d", ErrNoCandidate, kind, key, externalID)
	}
	return nil
}

// Discard removes every candidate of an entity and returns how many were removed.
func (s *Scheduler) Discard(ctx context.Context, kind identity.Kind, key string) (int, error) {
	n, err := s.store.DeleteCandidates(ctx, kind, key)
	if err != nil {
		return 0, fmt.Errorf("delete candidates: %w", err)
	}
	s.logger.InfoContext(ctx, "candidates discarded", "kind", kind, "key", key, "count", n)
	return n, nil
}

// RateLimits returns the external network's quota status.
func (s *Scheduler) RateLimits(ctx context.Context) ([]twitter.RateLimit, error) {
	return s.twitter.RateLimits(ctx)
}
