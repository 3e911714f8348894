// Package redisstore keeps sign-in sessions in Redis.
//
// Each session is a JSON value; a per-device sorted set ordered by creation
// sequence answers "latest session", and a second set tracks linked sessions.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when updating a session that does not exist.
var ErrNoSession = errors.New("session not found")

const defaultPrefix = "xlink"

// Store is a Redis-backed session store.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithTTL expires sessions and device indexes after d of inactivity. Zero keeps them.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at rawURL (redis://...) and pings it.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

type record struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	VoterKey      string    `json:"voter_key"`
	State         string    `json:"state"`
	Platform      string    `json:"platform,omitempty"`
	ReturnURL     string    `json:"return_url,omitempty"`
	RequestToken  string    `json:"request_token,omitempty"`
	RequestSecret string    `json:"request_secret,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	AccessSecret  string    `json:"access_secret,omitempty"`
	Handle        string    `json:"handle,omitempty"`
	Name          string    `json:"name,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	Seq           int64     `json:"seq"`
	TwitterID     int64     `json:"twitter_id,omitempty"`
}

func toRecord(s identity.Session, seq int64) record {
	return record{
		Seq:           seq,
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
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (r *record) session() identity.Session {
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

func (s *Store) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *Store) deviceKey(d string) string   { return s.prefix + ":device:" + d + ":sessions" }
func (s *Store) linkedKey(d string) string   { return s.prefix + ":device:" + d + ":linked" }
func (s *Store) seqKey() string              { return s.prefix + ":session:seq" }

// CreateSession stores a new session and makes it the device's latest.
func (s *Store) CreateSession(ctx context.Context, sess identity.Session) error {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("next session seq: %w", err)
	}
	return s.write(ctx, toRecord(sess, seq))
}

// UpdateSession overwrites an existing session, keeping its creation order.
func (s *Store) UpdateSession(ctx context.Context, sess identity.Session) error {
	cur, ok, err := s.get(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sess.ID)
	}
	return s.write(ctx, toRecord(sess, cur.Seq))
}

func (s *Store) write(ctx context.Context, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	member := redis.Z{Score: float64(r.Seq), Member: r.ID}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(r.ID), data, s.ttl)
		p.ZAdd(ctx, s.deviceKey(r.DeviceID), member)
		if identity.SessionState(r.State) == identity.Linked {
			p.ZAdd(ctx, s.linkedKey(r.DeviceID), member)
		} else {
			p.ZRem(ctx, s.linkedKey(r.DeviceID), r.ID)
		}
		if s.ttl > 0 {
			p.Expire(ctx, s.deviceKey(r.DeviceID), s.ttl)
			p.Expire(ctx, s.linkedKey(r.DeviceID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (record, bool, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, fmt.Errorf("read session %s: %w", id, err)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return r, true, nil
}

// LatestSession returns the most recently created session for a device.
func (s *Store) LatestSession(ctx context.Context, deviceID string) (identity.Session, bool, error) {
	return s.latest(ctx, s.deviceKey(deviceID))
}

// LatestLinkedSession returns the most recently created LINKED session for a device.
func (s *Store) LatestLinkedSession(ctx context.Context, deviceID string) (identity.Session, bool, error) {
	return s.latest(ctx, s.linkedKey(deviceID))
}

// latest walks an index newest first, skipping ids whose session has expired.
func (s *Store) latest(ctx context.Context, index string) (identity.Session, bool, error) {
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return identity.Session{}, false, fmt.Errorf("read index %s: %w", index, err)
	}
	for _, id := range ids {
		r, ok, err := s.get(ctx, id)
		if err != nil {
			return identity.Session{}, false, err
		}
		if ok {
			return r.session(), true, nil
		}
	}
	return identity.Session{}, false, nil
}

// Count returns how many sessions a device has in its index. Used for diagnostics.
func (s *Store) Count(ctx context.Context, deviceID string) (int, error) {
	n, err := s.client.ZCard(ctx, s.deviceKey(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

// String describes the store for logs.
func (s *Store) String() string {
	return "redis(" + s.client.Options().Addr + "/" + strconv.Itoa(s.client.Options().DB) + ")"
}
