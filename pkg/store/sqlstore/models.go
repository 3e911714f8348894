package sqlstore

import (
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

type entityRow struct {
	UTCOffset *int

	Kind     string `gorm:"primaryKey;size:16"`
	Key      string `gorm:"primaryKey;column:entity_key;size:128"`
	Title    string `gorm:"size:32"`
	First    string `gorm:"size:128"`
	Middle   string `gorm:"size:128"`
	Last     string `gorm:"size:128"`
	Suffix   string `gorm:"size:32"`
	Nickname string `gorm:"size:128"`
	FullName string `gorm:"size:256"`

	State       string `gorm:"size:8"`
	Affiliation string `gorm:"size:128"`
	Office      string `gorm:"size:256"`

	Handle    string `gorm:"size:32;not null;default:'';index"`
	ImageURL  string `gorm:"size:512"`
	MediumURL string `gorm:"size:512"`
	TinyURL   string `gorm:"size:512"`
	BannerURL string `gorm:"size:512"`

	LinkedOrganization string `gorm:"size:128"`

	TwitterID int64 `gorm:"not null;default:0;index"`
}

func (entityRow) TableName() string { return "xlink_entities" }

func toEntityRow(e identity.Entity) entityRow {
	return entityRow{
		Kind:               string(e.Kind),
		Key:                e.Key,
		Title:              e.Title,
		First:              e.First,
		Middle:             e.Middle,
		Last:               e.Last,
		Suffix:             e.Suffix,
		Nickname:           e.Nickname,
		FullName:           e.FullName,
		State:              e.State,
		Affiliation:        e.Affiliation,
		Office:             e.Office,
		UTCOffset:          e.UTCOffset,
		TwitterID:          e.ExternalID,
		Handle:             e.Display.Handle,
		ImageURL:           e.Display.ImageURL,
		MediumURL:          e.Display.MediumURL,
		TinyURL:            e.Display.TinyURL,
		BannerURL:          e.Display.BannerURL,
		LinkedOrganization: e.LinkedOrganization,
	}
}

func (r *entityRow) entity() identity.Entity {
	return identity.Entity{
		Kind:        identity.Kind(r.Kind),
		Key:         r.Key,
		Title:       r.Title,
		First:       r.First,
		Middle:      r.Middle,
		Last:        r.Last,
		Suffix:      r.Suffix,
		Nickname:    r.Nickname,
		FullName:    r.FullName,
		State:       r.State,
		Affiliation: r.Affiliation,
		Office:      r.Office,
		UTCOffset:   r.UTCOffset,
		ExternalID:  r.TwitterID,
		Display: identity.Display{
			Handle:    r.Handle,
			ImageURL:  r.ImageURL,
			MediumURL: r.MediumURL,
			TinyURL:   r.TinyURL,
			BannerURL: r.BannerURL,
		},
		LinkedOrganization: r.LinkedOrganization,
	}
}

type deviceRow struct {
	DeviceID string `gorm:"primaryKey;size:128"`
	VoterKey string `gorm:"size:128;not null"`
}

func (deviceRow) TableName() string { return "xlink_devices" }

// linkRow carries the uniqueness invariants as unique indexes.
type linkRow struct {
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	Kind      string    `gorm:"size:16;not null;uniqueIndex:idx_link_account,priority:1;uniqueIndex:idx_link_owner,priority:1"`
	Owner     string    `gorm:"size:128;not null;uniqueIndex:idx_link_owner,priority:2"`
	Secret    string    `gorm:"size:64;not null;uniqueIndex"`
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	TwitterID int64     `gorm:"not null;uniqueIndex:idx_link_account,priority:2"`
}

func (linkRow) TableName() string { return "xlink_links" }

func (r *linkRow) link() identity.Link {
	return identity.Link{
		Kind:       identity.Kind(r.Kind),
		Owner:      r.Owner,
		ExternalID: r.TwitterID,
		Secret:     r.Secret,
		UpdatedAt:  r.UpdatedAt,
	}
}

type sessionRow struct {
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`

	ID        string `gorm:"size:36;not null;uniqueIndex"`
	DeviceID  string `gorm:"size:128;not null;index"`
	VoterKey  string `gorm:"size:128;not null"`
	State     string `gorm:"size:32;not null"`
	Platform  string `gorm:"size:32"`
	ReturnURL string `gorm:"size:1024"`

	RequestToken  string `gorm:"size:256"`
	RequestSecret string `gorm:"size:256"`
	AccessToken   string `gorm:"size:256"`
	AccessSecret  string `gorm:"size:256"`

	Handle   string `gorm:"size:32"`
	Name     string `gorm:"size:256"`
	ImageURL string `gorm:"size:512"`

	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	TwitterID int64
}

func (sessionRow) TableName() string { return "xlink_sessions" }

func toSessionRow(s identity.Session) sessionRow {
	return sessionRow{
		ID:            s.ID,
		DeviceID:      s.DeviceID,
		VoterKey:      s.VoterKey,
		State:         string(s.State),
		Platform:      s.Platform,
		ReturnURL:     s.ReturnURL,
		RequestToken:  s.RequestToken,
		RequestSecret: s.RequestSecret,
		AccessToken:   s.AccessToken,
		AccessSecret:  s.AccessSecret,
		TwitterID:     s.ExternalID,
		Handle:        s.Handle,
		Name:          s.Name,
		ImageURL:      s.ImageURL,
		CreatedAt:     s.CreatedAt.UTC(),
		UpdatedAt:     s.UpdatedAt.UTC(),
	}
}

func (r *sessionRow) session() identity.Session {
	return identity.Session{
		ID:            r.ID,
		DeviceID:      r.DeviceID,
		VoterKey:      r.VoterKey,
		State:         identity.SessionState(r.State),
		Platform:      r.Platform,
		ReturnURL:     r.ReturnURL,
		RequestToken:  r.RequestToken,
		RequestSecret: r.RequestSecret,
		AccessToken:   r.AccessToken,
		AccessSecret:  r.AccessSecret,
		ExternalID:    r.TwitterID,
		Handle:        r.Handle,
		Name:          r.Name,
		ImageURL:      r.ImageURL,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type candidateRow struct {
	CreatedAt time.Time

	Kind       string `gorm:"size:16;not null;uniqueIndex:idx_candidate,priority:1"`
	EntityKey  string `gorm:"size:128;not null;uniqueIndex:idx_candidate,priority:2"`
	SearchTerm string `gorm:"size:256"`
	Handle     string `gorm:"size:32"`
	Name       string `gorm:"size:256"`
	Bio        string `gorm:"type:text"`
	Location   string `gorm:"size:256"`
	ImageURL   string `gorm:"size:512"`

	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	TwitterID int64  `gorm:"not null;uniqueIndex:idx_candidate,priority:3"`
	Score     int    `gorm:"index"`
	Followers int
	Chosen    bool
	Rejected  bool
}

func (candidateRow) TableName() string { return "xlink_candidates" }

func toCandidateRow(c identity.MatchCandidate) candidateRow {
	return candidateRow{
		Kind:       string(c.Kind),
		EntityKey:  c.EntityKey,
		SearchTerm: c.SearchTerm,
		TwitterID:  c.ExternalID,
		Handle:     c.Handle,
		Name:       c.Name,
		Bio:        c.Bio,
		Location:   c.Location,
		Followers:  c.Followers,
		ImageURL:   c.ImageURL,
		Score:      c.Score,
		CreatedAt:  c.CreatedAt.UTC(),
		Chosen:     c.Chosen,
		Rejected:   c.Rejected,
	}
}

func (r *candidateRow) candidate() identity.MatchCandidate {
	return identity.MatchCandidate{
		Kind:       identity.Kind(r.Kind),
		EntityKey:  r.EntityKey,
		SearchTerm: r.SearchTerm,
		ExternalID: r.TwitterID,
		Handle:     r.Handle,
		Name:       r.Name,
		Bio:        r.Bio,
		Location:   r.Location,
		Followers:  r.Followers,
		ImageURL:   r.ImageURL,
		Score:      r.Score,
		CreatedAt:  r.CreatedAt,
		Chosen:     r.Chosen,
		Rejected:   r.Rejected,
	}
}

type ledgerRow struct {
	At        time.Time `gorm:"index:idx_ledger,priority:4"`
	EntityKey string    `gorm:"size:128;not null;index:idx_ledger,priority:2"`
	Kind      string    `gorm:"size:16;not null;index:idx_ledger,priority:1"`
	Action    string    `gorm:"size:16;not null;index:idx_ledger,priority:3"`
	Outcome   string    `gorm:"size:32;not null"`
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
}

func (ledgerRow) TableName() string { return "xlink_ledger" }

type profileRow struct {
	FetchedAt  time.Time
	UTCOffset  *int
	LastPostAt *time.Time

	Handle       string   `gorm:"size:32;index"`
	Name         string   `gorm:"size:256"`
	Bio          string   `gorm:"type:text"`
	Location     string   `gorm:"size:256"`
	Website      string   `gorm:"size:512"`
	ExpandedURLs []string `gorm:"serializer:json"`

	ImageURL     string `gorm:"size:512"`
	BannerURL    string `gorm:"size:512"`
	CachedLarge  string `gorm:"size:512"`
	CachedMedium string `gorm:"size:512"`
	CachedTiny   string `gorm:"size:512"`
	CachedBanner string `gorm:"size:512"`
	StaleReason  string `gorm:"size:16"`

	TwitterID int64 `gorm:"primaryKey;autoIncrement:false"`
	Followers int
	Following int
	Verified  bool
	Stale     bool
}

func (profileRow) TableName() string { return "xlink_profiles" }

func toProfileRow(p *profile.Profile) profileRow {
	r := profileRow{
		TwitterID:    p.ID,
		Handle:       p.Handle,
		Name:         p.Name,
		Bio:          p.Bio,
		Location:     p.Location,
		Website:      p.Website,
		ExpandedURLs: p.ExpandedURLs,
		Followers:    p.Followers,
		Following:    p.Following,
		Verified:     p.Verified,
		ImageURL:     p.ImageURL,
		BannerURL:    p.BannerURL,
		CachedLarge:  p.Cached.Large,
		CachedMedium: p.Cached.Medium,
		CachedTiny:   p.Cached.Tiny,
		CachedBanner: p.Cached.Banner,
		UTCOffset:    p.UTCOffset,
		FetchedAt:    p.FetchedAt.UTC(),
		Stale:        p.Stale,
		StaleReason:  p.StaleReason,
	}
	if p.LastPostAt != nil {
		t := p.LastPostAt.UTC()
		r.LastPostAt = &t
	}
	return r
}

func (r *profileRow) profile() profile.Profile {
	return profile.Profile{
		ID:           r.TwitterID,
		Handle:       r.Handle,
		Name:         r.Name,
		Bio:          r.Bio,
		Location:     r.Location,
		Website:      r.Website,
		ExpandedURLs: r.ExpandedURLs,
		Followers:    r.Followers,
		Following:    r.Following,
		Verified:     r.Verified,
		ImageURL:     r.ImageURL,
		BannerURL:    r.BannerURL,
		Cached: profile.Images{
			Large:  r.CachedLarge,
			Medium: r.CachedMedium,
			Tiny:   r.CachedTiny,
			Banner: r.CachedBanner,
		},
		UTCOffset:   r.UTCOffset,
		LastPostAt:  r.LastPostAt,
		FetchedAt:   r.FetchedAt,
		Stale:       r.Stale,
		StaleReason: r.StaleReason,
	}
}
