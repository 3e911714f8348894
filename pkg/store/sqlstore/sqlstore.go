// Package sqlstore persists entities, links, sessions, candidates, the quota ledger
// and cached profiles with gorm. MySQL, Postgres and SQLite are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is a gorm-backed store.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema.
// The scheme picks the driver: mysql://, postgres:// (or postgresql://), sqlite://.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	gormLogger := logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&entityRow{}, &deviceRow{}, &linkRow{}, &sessionRow{}, &candidateRow{}, &ledgerRow{}, &profileRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("database dsn %q has no scheme", dsn)
	}
	switch scheme {
	case "mysql":
		rest = ensureParam(rest, "parseTime", "true")
		if !strings.Contains(rest, "charset=") {
			rest = ensureParam(rest, "charset", "utf8mb4")
			rest = ensureParam(rest, "collation", "utf8mb4_unicode_ci")
		}
		return mysql.Open(rest), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(rest), nil
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func first[T any](tx *gorm.DB) (T, bool, error) {
	var row T
	err := tx.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, false, nil
	}
	return row, err == nil, err
}

// Entities.

// PutEntity inserts or replaces an entity.
func (s *Store) PutEntity(ctx context.Context, e identity.Entity) error {
	row := toEntityRow(e)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Entity returns an entity by kind and key.
func (s *Store) Entity(ctx context.Context, kind identity.Kind, key string) (identity.Entity, bool, error) {
	row, ok, err := first[entityRow](s.db.WithContext(ctx).Where("kind = ? AND entity_key = ?", string(kind), key))
	if !ok {
		return identity.Entity{}, false, err
	}
	return row.entity(), true, nil
}

// EntityByHandle returns the first entity of kind, by key, whose display handle matches.
func (s *Store) EntityByHandle(ctx context.Context, kind identity.Kind, handle string) (identity.Entity, bool, error) {
	if handle == "" {
		return identity.Entity{}, false, nil
	}
	row, ok, err := first[entityRow](s.db.WithContext(ctx).
		Where("kind = ? AND LOWER(handle) = LOWER(?)", string(kind), handle).
		Order("entity_key"))
	if !ok {
		return identity.Entity{}, false, err
	}
	return row.entity(), true, nil
}

// EntitiesByExternalID returns entities of kind whose denormalized id equals externalID.
func (s *Store) EntitiesByExternalID(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Entity, error) {
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND twitter_id = ?", string(kind), externalID).
		Order("entity_key").
		Find(&rows).Error
	return entities(rows), err
}

// UpdateLinkage overwrites an entity's denormalized external id and display profile.
func (s *Store) UpdateLinkage(ctx context.Context, kind identity.Kind, key string, externalID int64, d identity.Display) error {
	return s.db.WithContext(ctx).Model(&entityRow{}).
		Where("kind = ? AND entity_key = ?", string(kind), key).
		Updates(map[string]any{
			"twitter_id": externalID,
			"handle":     d.Handle,
			"image_url":  d.ImageURL,
			"medium_url": d.MediumURL,
			"tiny_url":   d.TinyURL,
			"banner_url": d.BannerURL,
		}).Error
}

// SelectUnmatched returns entities of kind without a handle, without open candidates,
// and without a match ledger entry at or after since, ordered by key.
func (s *Store) SelectUnmatched(ctx context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error) {
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND handle = ''", string(kind)).
		Where("NOT EXISTS (SELECT 1 FROM xlink_candidates c WHERE c.kind = xlink_entities.kind AND c.entity_key = xlink_entities.entity_key AND c.rejected = ?)", false).
		Where(notLedgered, string(identity.ActionMatch), since.UTC()).
		Order("entity_key").
		Limit(limit).
		Find(&rows).Error
	return entities(rows), err
}

// SelectForRefresh returns entities of kind with a handle and no refresh ledger entry
// at or after since, ordered by key.
func (s *Store) SelectForRefresh(ctx context.Context, kind identity.Kind, since time.Time, limit int) ([]identity.Entity, error) {
	var rows []entityRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND handle <> ''", string(kind)).
		Where(notLedgered, string(identity.ActionRefresh), since.UTC()).
		Order("entity_key").
		Limit(limit).
		Find(&rows).Error
	return entities(rows), err
}

const notLedgered = "NOT EXISTS (SELECT 1 FROM xlink_ledger l WHERE l.kind = xlink_entities.kind AND l.entity_key = xlink_entities.entity_key AND l.action = ? AND l.at >= ?)"

func entities(rows []entityRow) []identity.Entity {
	out := make([]identity.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].entity())
	}
	return out
}

// Devices.

// PutDevice maps a device to a voter.
func (s *Store) PutDevice(ctx context.Context, deviceID, voterKey string) error {
	row := deviceRow{DeviceID: deviceID, VoterKey: voterKey}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// VoterForDevice returns the voter using a device.
func (s *Store) VoterForDevice(ctx context.Context, deviceID string) (string, bool, error) {
	row, ok, err := first[deviceRow](s.db.WithContext(ctx).Where("device_id = ?", deviceID))
	return row.VoterKey, ok, err
}

// Links.

// LinkByExternalID implements link.Store.
func (s *Store) LinkByExternalID(ctx context.Context, kind identity.Kind, externalID int64) (identity.Link, bool, error) {
	return s.link(s.db.WithContext(ctx).Where("kind = ? AND twitter_id = ?", string(kind), externalID))
}

// LinkByOwner implements link.Store.
func (s *Store) LinkByOwner(ctx context.Context, kind identity.Kind, owner string) (identity.Link, bool, error) {
	return s.link(s.db.WithContext(ctx).Where("kind = ? AND owner = ?", string(kind), owner))
}

// LinkBySecret implements link.Store.
func (s *Store) LinkBySecret(ctx context.Context, secret string) (identity.Link, bool, error) {
	return s.link(s.db.WithContext(ctx).Where("secret = ?", secret))
}

func (*Store) link(tx *gorm.DB) (identity.Link, bool, error) {
	row, ok, err := first[linkRow](tx.Order("id"))
	if !ok {
		return identity.Link{}, false, err
	}
	return row.link(), true, nil
}

// LinksByExternalID implements link.Store.
func (s *Store) LinksByExternalID(ctx context.Context, kind identity.Kind, externalID int64) ([]identity.Link, error) {
	var rows []linkRow
	if err := s.db.WithContext(ctx).Where("kind = ? AND twitter_id = ?", string(kind), externalID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]identity.Link, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].link())
	}
	return out, nil
}

// InsertLink implements link.Store. Unique index violations become link.ErrDuplicate.
func (s *Store) InsertLink(ctx context.Context, l identity.Link) error {
	row := linkRow{Kind: string(l.Kind), Owner: l.Owner, TwitterID: l.ExternalID, Secret: l.Secret, UpdatedAt: l.UpdatedAt.UTC()}
	return duplicate(s.db.WithContext(ctx).Create(&row).Error)
}

// ReassignLink implements link.Store.
func (s *Store) ReassignLink(ctx context.Context, kind identity.Kind, externalID int64, owner string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&linkRow{}).
		Where("kind = ? AND twitter_id = ?", string(kind), externalID).
		Updates(map[string]any{"owner": owner, "updated_at": at.UTC()}).Error
	return duplicate(err)
}

// DeleteLink implements link.Store.
func (s *Store) DeleteLink(ctx context.Context, kind identity.Kind, owner string) (identity.Link, bool, error) {
	var out identity.Link
	var found bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, ok, err := first[linkRow](tx.Where("kind = ? AND owner = ?", string(kind), owner))
		if !ok {
			return err
		}
		if err := tx.Delete(&linkRow{}, row.ID).Error; err != nil {
			return err
		}
		out, found = row.link(), true
		return nil
	})
	return out, found, err
}

func duplicate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", link.ErrDuplicate, err)
	}
	return err
}

// Sessions.

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess identity.Session) error {
	row := toSessionRow(sess)
	return s.db.WithContext(ctx).Create(&row).Error
}

// UpdateSession overwrites the session with the same id.
func (s *Store) UpdateSession(ctx context.Context, sess identity.Session) error {
	row := toSessionRow(sess)
	return s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", sess.ID).
		Select("*").Omit("seq", "created_at").
		Updates(&row).Error
}

// LatestSession returns the most recently created session for a device.
func (s *Store) LatestSession(ctx context.Context, deviceID string) (identity.Session, bool, error) {
	return s.session(s.db.WithContext(ctx).Where("device_id = ?", deviceID))
}

// LatestLinkedSession returns the most recently created LINKED session for a device.
func (s *Store) LatestLinkedSession(ctx context.Context, deviceID string) (identity.Session, bool, error) {
	return s.session(s.db.WithContext(ctx).Where("device_id = ? AND state = ?", deviceID, string(identity.Linked)))
}

func (*Store) session(tx *gorm.DB) (identity.Session, bool, error) {
	var row sessionRow
	err := tx.Order("seq DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Session{}, false, nil
	}
	if err != nil {
		return identity.Session{}, false, err
	}
	return row.session(), true, nil
}

// Candidates.

// UpsertCandidates inserts candidates, replacing any with the same entity and
// external id. Review flags on replaced rows are kept.
func (s *Store) UpsertCandidates(ctx context.Context, cs []identity.MatchCandidate) error {
	if len(cs) == 0 {
		return nil
	}
	rows := make([]candidateRow, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, toCandidateRow(c))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "entity_key"}, {Name: "twitter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"search_term", "handle", "name", "bio", "location", "followers", "image_url", "score", "created_at"}),
	}).Create(&rows).Error
}

// Candidates returns an entity's candidates by descending score.
func (s *Store) Candidates(ctx context.Context, kind identity.Kind, key string) ([]identity.MatchCandidate, error) {
	var rows []candidateRow
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND entity_key = ?", string(kind), key).
		Order("score DESC").Order("seq").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]identity.MatchCandidate, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].candidate())
	}
	return out, nil
}

// MarkCandidate sets review flags on one candidate.
func (s *Store) MarkCandidate(ctx context.Context, kind identity.Kind, key string, externalID int64, chosen, rejected bool) (bool, error) {
	db := s.db.WithContext(ctx)
	row, ok, err := first[candidateRow](db.Where("kind = ? AND entity_key = ? AND twitter_id = ?", string(kind), key, externalID))
	if !ok {
		return false, err
	}
	err = db.Model(&candidateRow{}).Where("seq = ?", row.Seq).
		Updates(map[string]any{"chosen": chosen, "rejected": rejected}).Error
	return err == nil, err
}

// DeleteCandidates removes every candidate for an entity.
func (s *Store) DeleteCandidates(ctx context.Context, kind identity.Kind, key string) (int, error) {
	res := s.db.WithContext(ctx).Where("kind = ? AND entity_key = ?", string(kind), key).Delete(&candidateRow{})
	return int(res.RowsAffected), res.Error
}

// Ledger.

// AppendLedger appends a ledger entry.
func (s *Store) AppendLedger(ctx context.Context, e identity.LedgerEntry) error {
	row := ledgerRow{EntityKey: e.EntityKey, Kind: string(e.Kind), Action: string(e.Action), Outcome: e.Outcome, At: e.At.UTC()}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Ledger returns every ledger entry for an entity in append order.
func (s *Store) Ledger(ctx context.Context, kind identity.Kind, key string) ([]identity.LedgerEntry, error) {
	var rows []ledgerRow
	if err := s.db.WithContext(ctx).Where("kind = ? AND entity_key = ?", string(kind), key).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]identity.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, identity.LedgerEntry{EntityKey: r.EntityKey, Kind: identity.Kind(r.Kind), Action: identity.Action(r.Action), Outcome: r.Outcome, At: r.At})
	}
	return out, nil
}

// Profiles.

// SaveProfile stores a profile snapshot keyed by external id.
func (s *Store) SaveProfile(ctx context.Context, p profile.Profile) error {
	if p.ID == 0 {
		return fmt.Errorf("save profile %q: %w", p.Handle, profile.ErrMalformedInput)
	}
	row := toProfileRow(&p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// Profile returns a cached profile by external id.
func (s *Store) Profile(ctx context.Context, externalID int64) (profile.Profile, bool, error) {
	row, ok, err := first[profileRow](s.db.WithContext(ctx).Where("twitter_id = ?", externalID))
	if !ok {
		return profile.Profile{}, false, err
	}
	return row.profile(), true, nil
}

// ProfileByHandle returns the most recently fetched cached profile for a handle,
// ignoring case.
func (s *Store) ProfileByHandle(ctx context.Context, handle string) (profile.Profile, bool, error) {
	row, ok, err := first[profileRow](s.db.WithContext(ctx).
		Where("LOWER(handle) = LOWER(?)", handle).
		Order("fetched_at DESC"))
	if !ok {
		return profile.Profile{}, false, err
	}
	return row.profile(), true, nil
}
