// Package signin runs the three-legged OAuth handshake that attaches an external
// account to a voter.
//
// A device starts a session, the external network redirects back with a verifier,
// the verifier is exchanged for an access token, and Complete links the account.
// Native clients that already hold an access token skip the first two legs.
package signin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/codeGROOVE-dev/xlink/pkg/repair"
	"github.com/google/uuid"
)

// Errors returned by the Controller. External failures are wrapped with either
// ErrRetry or ErrRestart so callers can tell the user what to do next.
var (
	ErrUnknownDevice  = errors.New("unknown voter device")
	ErrAlreadyLinked  = errors.New("voter already linked to an account")
	ErrTokenMismatch  = errors.New("request token does not match session")
	ErrAlreadyClaimed = errors.New("account already linked to another voter")
	ErrRetry          = errors.New("try again later")
	ErrRestart        = errors.New("restart sign-in")
)

// Devices resolves a device to the voter using it.
type Devices interface {
	VoterForDevice(ctx context.Context, deviceID string) (string, bool, error)
}

// Sessions persists handshake sessions. Latest means most recently created.
type Sessions interface {
	CreateSession(ctx context.Context, s identity.Session) error
	UpdateSession(ctx context.Context, s identity.Session) error
	LatestSession(ctx context.Context, deviceID string) (identity.Session, bool, error)
	LatestLinkedSession(ctx context.Context, deviceID string) (identity.Session, bool, error)
}

// Entities reads and writes the denormalized linkage on internal records.
type Entities interface {
	Entity(ctx context.Context, kind identity.Kind, key string) (identity.Entity, bool, error)
	EntityByHandle(ctx context.Context, kind identity.Kind, handle string) (identity.Entity, bool, error)
	UpdateLinkage(ctx context.Context, kind identity.Kind, key string, externalID int64, d identity.Display) error
}

// Profiles caches external profiles.
type Profiles interface {
	SaveProfile(ctx context.Context, p profile.Profile) error
	ProfileByHandle(ctx context.Context, handle string) (profile.Profile, bool, error)
}

// Twitter is the slice of the external client the handshake needs.
type Twitter interface {
	RequestToken(ctx context.Context, callbackURL string) (token, secret, authURL string, err error)
	AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (token, secret string, err error)
	VerifyCredentials(ctx context.Context, token, secret string) (*profile.Profile, error)
	LookupHandle(ctx context.Context, handle string) (*profile.Profile, error)
}

// Images re-hosts a profile's images and returns the new URLs.
type Images interface {
	CacheImages(ctx context.Context, p *profile.Profile) (profile.Images, error)
}

// ImagesFunc adapts a function to Images.
type ImagesFunc func(ctx context.Context, p *profile.Profile) (profile.Images, error)

// CacheImages calls f.
func (f ImagesFunc) CacheImages(ctx context.Context, p *profile.Profile) (profile.Images, error) {
	return f(ctx, p)
}

// Repairer runs conflict repair for one external id.
type Repairer interface {
	Repair(ctx context.Context, kind identity.Kind, externalID int64) (repair.Report, error)
}

// Deps are the collaborators a Controller needs. Images and Repair are optional.
type Deps struct {
	Devices  Devices
	Sessions Sessions
	Entities Entities
	Profiles Profiles
	Twitter  Twitter
	Links    *link.Registry
	Images   Images
	Repair   Repairer
}

// Controller drives handshake sessions.
type Controller struct {
	deps        Deps
	logger      *slog.Logger
	now         func() time.Time
	callbackURL string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. callbackURL is where the external network sends the
// user back after authorizing.
func New(deps Deps, callbackURL string, opts ...Option) (*Controller, error) {
	if deps.Devices == nil || deps.Sessions == nil || deps.Entities == nil ||
		deps.Profiles == nil || deps.Twitter == nil || deps.Links == nil {
		return nil, errors.New("signin: missing collaborator")
	}
	if _, err := url.Parse(callbackURL); err != nil || callbackURL == "" {
		return nil, fmt.Errorf("signin: invalid callback url %q", callbackURL)
	}
	c := &Controller{deps: deps, callbackURL: callbackURL, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins a handshake for the voter behind deviceID and returns the URL the
// user must visit to authorize. Any earlier in-flight session is superseded.
func (c *Controller) Start(ctx context.Context, deviceID, returnURL, platform string) (string, error) {
	voter, err := c.voter(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if err := c.ensureUnlinked(ctx, voter); err != nil {
		return "", err
	}

	cb, err := c.callback(deviceID, returnURL, platform)
	if err != nil {
		return "", err
	}
	token, secret, authURL, err := c.deps.Twitter.RequestToken(ctx, cb)
	if err != nil {
		return "", external("request token", err)
	}

	now := c.now()
	sess := identity.Session{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		VoterKey:      voter,
		State:         identity.RequestTokenIssued,
		Platform:      platform,
		ReturnURL:     returnURL,
		RequestToken:  token,
		RequestSecret: secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	c.logger.InfoContext(ctx, "sign-in started", "session", sess.ID, "voter", voter, "platform", platform)
	return authURL, nil
}

// Callback exchanges the verifier returned by the external network for an access token.
// The session is untouched on any failure. Repeating a callback whose token was already
// exchanged returns the session as is, so a failed Complete can be retried.
func (c *Controller) Callback(ctx context.Context, deviceID, requestToken, verifier string) (identity.Session, error) {
	if _, err := c.voter(ctx, deviceID); err != nil {
		return identity.Session{}, err
	}
	sess, err := c.latest(ctx, deviceID)
	if err != nil {
		return identity.Session{}, err
	}
	if sess.State == identity.AccessTokenIssued && requestToken != "" && requestToken == sess.RequestToken {
		// The verifier was already exchanged; a repeated callback resumes at Complete.
		c.logger.DebugContext(ctx, "callback repeated after access token", "session", sess.ID)
		return sess, nil
	}
	if sess.State != identity.RequestTokenIssued {
		return sess, fmt.Errorf("%w: session %s is %s", ErrRestart, sess.ID, sess.State)
	}
	if requestToken == "" || requestToken != sess.RequestToken {
		c.logger.WarnContext(ctx, "request token mismatch", "session", sess.ID, "device", deviceID)
		return sess, ErrTokenMismatch
	}

	token, secret, err := c.deps.Twitter.AccessToken(ctx, sess.RequestToken, sess.RequestSecret, verifier)
	if err != nil {
		return sess, external("access token", err)
	}
	sess.AccessToken, sess.AccessSecret = token, secret
	sess.State = identity.AccessTokenIssued
	sess.UpdatedAt = c.now()
	if err := c.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("update session: %w", err)
	}
	c.logger.DebugContext(ctx, "access token issued", "session", sess.ID)
	return sess, nil
}

// Native records an access token obtained by a native client, skipping the
// request-token leg.
func (c *Controller) Native(ctx context.Context, deviceID, accessToken, accessSecret string) (identity.Session, error) {
	if accessToken == "" || accessSecret == "" {
		return identity.Session{}, fmt.Errorf("%w: access token and secret are required", profile.ErrMalformedInput)
	}
	voter, err := c.voter(ctx, deviceID)
	if err != nil {
		return identity.Session{}, err
	}
	if err := c.ensureUnlinked(ctx, voter); err != nil {
		return identity.Session{}, err
	}
	now := c.now()
	sess := identity.Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		VoterKey:     voter,
		State:        identity.AccessTokenIssued,
		AccessToken:  accessToken,
		AccessSecret: accessSecret,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.deps.Sessions.CreateSession(ctx, sess); err != nil {
		return identity.Session{}, fmt.Errorf("create session: %w", err)
	}
	c.logger.InfoContext(ctx, "native sign-in recorded", "session", sess.ID, "voter", voter)
	return sess, nil
}

// Result is the outcome of a completed handshake.
type Result struct {
	Profile *profile.Profile `json:"profile"`
	Session identity.Session `json:"session"`
	Link    identity.Link    `json:"link"`
	Outcome link.Outcome     `json:"outcome"`
	Repairs []repair.Report  `json:"repairs,omitempty"`
}

// Complete verifies the access token, links the account to the voter and updates the
// voter's display profile. It is safe to call again after success.
func (c *Controller) Complete(ctx context.Context, deviceID string) (Result, error) {
	if _, err := c.voter(ctx, deviceID); err != nil {
		return Result{}, err
	}
	sess, err := c.latest(ctx, deviceID)
	if err != nil {
		return Result{}, err
	}
	if sess.State == identity.Linked {
		l, ok, err := c.deps.Links.ByOwner(ctx, identity.Voter, sess.VoterKey)
		if err != nil {
			return Result{}, fmt.Errorf("read link: %w", err)
		}
		if ok && l.ExternalID == sess.ExternalID {
			return Result{Session: sess, Link: l, Outcome: link.Existing}, nil
		}
		return Result{Session: sess}, fmt.Errorf("%w: linked session no longer matches a link", ErrRestart)
	}
	if sess.State != identity.AccessTokenIssued {
		return Result{Session: sess}, fmt.Errorf("%w: session %s is %s", ErrRestart, sess.ID, sess.State)
	}

	p, err := c.deps.Twitter.VerifyCredentials(ctx, sess.AccessToken, sess.AccessSecret)
	if err != nil {
		return Result{Session: sess}, external("verify credentials", err)
	}
	res := Result{Session: sess, Profile: p}

	lr, err := c.deps.Links.CreateOrGet(ctx, identity.Voter, p.ID, sess.VoterKey)
	if err != nil {
		return res, fmt.Errorf("link account: %w", err)
	}
	switch lr.Outcome {
	case link.Collision:
		c.logger.InfoContext(ctx, "account claimed by another voter", "twitter_id", p.ID, "voter", sess.VoterKey, "owner", lr.Link.Owner)
		return res, ErrAlreadyClaimed
	case link.OwnerLinked:
		return res, fmt.Errorf("%w: voter %s holds %d", ErrAlreadyLinked, sess.VoterKey, lr.Link.ExternalID)
	}
	res.Link, res.Outcome = lr.Link, lr.Outcome

	p.Cached = c.images(ctx, p)
	if err := c.deps.Profiles.SaveProfile(ctx, *p); err != nil {
		return res, fmt.Errorf("cache profile: %w", err)
	}

	voter := identity.Entity{Kind: identity.Voter, Key: sess.VoterKey}
	if ent, ok, err := c.deps.Entities.Entity(ctx, identity.Voter, sess.VoterKey); err != nil {
		return res, fmt.Errorf("read voter: %w", err)
	} else if ok {
		voter = ent
	}
	voter.ApplyProfile(p)
	if err := c.deps.Entities.UpdateLinkage(ctx, identity.Voter, voter.Key, voter.ExternalID, voter.Display); err != nil {
		return res, fmt.Errorf("update voter: %w", err)
	}

	sess.State = identity.Linked
	sess.ExternalID = p.ID
	sess.Handle = p.Handle
	sess.Name = p.Name
	sess.ImageURL = p.ImageURL
	sess.UpdatedAt = c.now()
	if err := c.deps.Sessions.UpdateSession(ctx, sess); err != nil {
		return res, fmt.Errorf("update session: %w", err)
	}
	res.Session = sess
	c.logger.InfoContext(ctx, "sign-in linked", "session", sess.ID, "voter", sess.VoterKey, "twitter_id", p.ID, "handle", p.Handle, "outcome", lr.Outcome)

	if voter.LinkedOrganization != "" {
		c.linkOrganization(ctx, voter.LinkedOrganization, p, voter.Display)
	}
	res.Repairs = c.repair(ctx, p.ID)
	return res, nil
}

// linkOrganization gives the voter's organization the account when it has none.
// Failures are logged; the voter's link already stands.
func (c *Controller) linkOrganization(ctx context.Context, org string, p *profile.Profile, d identity.Display) {
	if _, ok, err := c.deps.Links.ByOwner(ctx, identity.Organization, org); err != nil || ok {
		if err != nil {
			c.logger.WarnContext(ctx, "organization link lookup failed", "organization", org, "error", err)
		}
		return
	}
	r, err := c.deps.Links.CreateOrGet(ctx, identity.Organization, p.ID, org)
	if err != nil {
		c.logger.WarnContext(ctx, "organization link failed", "organization", org, "error", err)
		return
	}
	if !r.OK() {
		c.logger.InfoContext(ctx, "organization not linked", "organization", org, "twitter_id", p.ID, "outcome", r.Outcome, "owner", r.Link.Owner)
		return
	}
	if err := c.deps.Entities.UpdateLinkage(ctx, identity.Organization, org, p.ID, d); err != nil {
		c.logger.WarnContext(ctx, "organization update failed", "organization", org, "error", err)
	}
}

func (c *Controller) repair(ctx context.Context, externalID int64) []repair.Report {
	if c.deps.Repair == nil {
		return nil
	}
	var out []repair.Report
	for _, kind := range []identity.Kind{identity.Voter, identity.Organization} {
		rep, err := c.deps.Repair.Repair(ctx, kind, externalID)
		if err != nil {
			c.logger.ErrorContext(ctx, "repair after sign-in failed", "kind", kind, "twitter_id", externalID, "error", err)
			continue
		}
		if rep.Action != repair.Nothing || rep.Backfilled != "" {
			out = append(out, rep)
		}
	}
	return out
}

func (c *Controller) images(ctx context.Context, p *profile.Profile) profile.Images {
	if c.deps.Images == nil {
		return p.Cached
	}
	imgs, err := c.deps.Images.CacheImages(ctx, p)
	if err != nil {
		c.logger.WarnContext(ctx, "image caching failed, using source urls", "twitter_id", p.ID, "error", err)
		return p.Cached
	}
	return imgs
}

// WhoAmI is what Retrieve knows about a device.
type WhoAmI struct {
	Session identity.Session `json:"session"`
	Secret  string           `json:"secret,omitempty"`
	Linked  bool             `json:"linked"`
}

// Retrieve returns the most recent linked session for the device along with the
// voter's link secret, or the latest session when none is linked.
func (c *Controller) Retrieve(ctx context.Context, deviceID string) (WhoAmI, bool, error) {
	if _, err := c.voter(ctx, deviceID); err != nil {
		return WhoAmI{}, false, err
	}
	sess, ok, err := c.deps.Sessions.LatestLinkedSession(ctx, deviceID)
	if err != nil {
		return WhoAmI{}, false, fmt.Errorf("read session: %w", err)
	}
	if ok {
		w := WhoAmI{Session: sess, Linked: true}
		l, found, err := c.deps.Links.ByOwner(ctx, identity.Voter, sess.VoterKey)
		if err != nil {
			return WhoAmI{}, false, fmt.Errorf("read link: %w", err)
		}
		if found && l.ExternalID == sess.ExternalID {
			w.Secret = l.Secret
		}
		return w, true, nil
	}
	sess, ok, err = c.deps.Sessions.LatestSession(ctx, deviceID)
	if err != nil || !ok {
		return WhoAmI{}, false, err
	}
	return WhoAmI{Session: sess}, true, nil
}

// Owner is who Identity found behind a handle. Key is empty when only the external
// profile is known.
type Owner struct {
	Profile *profile.Profile `json:"profile,omitempty"`
	Kind    identity.Kind    `json:"kind,omitempty"`
	Key     string           `json:"key,omitempty"`
}

// Identity reports who owns handle: a candidate first, then an organization, then
// just the external profile from the cache or the network.
func (c *Controller) Identity(ctx context.Context, handle string) (Owner, error) {
	if !profile.IsValidHandle(handle) {
		return Owner{}, fmt.Errorf("%w: handle %q", profile.ErrMalformedInput, handle)
	}
	for _, kind := range []identity.Kind{identity.Candidate, identity.Organization} {
		e, ok, err := c.deps.Entities.EntityByHandle(ctx, kind, handle)
		if err != nil {
			return Owner{}, fmt.Errorf("lookup %s: %w", kind, err)
		}
		if ok {
			return Owner{Kind: kind, Key: e.Key}, nil
		}
	}

	if p, ok, err := c.deps.Profiles.ProfileByHandle(ctx, handle); err != nil {
		return Owner{}, fmt.Errorf("read cached profile: %w", err)
	} else if ok && !p.Stale {
		return Owner{Profile: &p}, nil
	}

	p, err := c.deps.Twitter.LookupHandle(ctx, handle)
	if err != nil {
		return Owner{}, fmt.Errorf("lookup %s: %w", handle, err)
	}
	if err := c.deps.Profiles.SaveProfile(ctx, *p); err != nil {
		c.logger.WarnContext(ctx, "profile cache write failed", "handle", handle, "error", err)
	}
	return Owner{Profile: p}, nil
}

func (c *Controller) voter(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		return "", ErrUnknownDevice
	}
	v, ok, err := c.deps.Devices.VoterForDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("resolve device: %w", err)
	}
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return v, nil
}

func (c *Controller) ensureUnlinked(ctx context.Context, voter string) error {
	l, ok, err := c.deps.Links.ByOwner(ctx, identity.Voter, voter)
	if err != nil {
		return fmt.Errorf("read link: %w", err)
	}
	if ok {
		return fmt.Errorf("%w: voter %s holds %d", ErrAlreadyLinked, voter, l.ExternalID)
	}
	return nil
}

func (c *Controller) latest(ctx context.Context, deviceID string) (identity.Session, error) {
	sess, ok, err := c.deps.Sessions.LatestSession(ctx, deviceID)
	if err != nil {
		return identity.Session{}, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return identity.Session{}, fmt.Errorf("%w: no session for device", ErrRestart)
	}
	return sess, nil
}

func (c *Controller) callback(deviceID, returnURL, platform string) (string, error) {
	u, err := url.Parse(c.callbackURL)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	q.Set("voter_device_id", deviceID)
	q.Set("return_url", returnURL)
	q.Set("platform", platform)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// external wraps an error from the external network with what the user should do.
func external(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case profile.Retryable(err):
		return fmt.Errorf("%s: %w: %w", op, ErrRetry, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrRestart, err)
	}
}
