package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeGROOVE-dev/xlink/pkg/config"
	"github.com/codeGROOVE-dev/xlink/pkg/httpcache"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/codeGROOVE-dev/xlink/pkg/reconcile"
	"github.com/codeGROOVE-dev/xlink/pkg/repair"
	"github.com/codeGROOVE-dev/xlink/pkg/signin"
	"github.com/codeGROOVE-dev/xlink/pkg/store/memstore"
	"github.com/codeGROOVE-dev/xlink/pkg/store/redisstore"
	"github.com/codeGROOVE-dev/xlink/pkg/store/sqlstore"
	"github.com/codeGROOVE-dev/xlink/pkg/twitter"
)

// backend is everything the components read and write. sqlstore and memstore
// both provide it.
type backend interface {
	link.Store
	signin.Devices
	signin.Sessions
	signin.Entities
	signin.Profiles
	reconcile.Store
	repair.Entities
}

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	twitter   *twitter.Client
	reconcile *reconcile.Scheduler
	repair    *repair.Engine
	signin    *signin.Controller
	closers   []func() error
}

func loadConfig(c *common) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setup builds the components from config. withSignIn also builds the
// handshake controller, which needs consumer credentials and a callback URL.
func setup(ctx context.Context, c *common, withSignIn bool) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(c.debug)}
	a.logger.DebugContext(ctx, "config loaded", "config", cfg)

	if err := a.build(ctx, withSignIn); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, withSignIn bool) error {
	cfg := a.cfg
	st, err := a.openStore()
	if err != nil {
		return err
	}

	var sessions signin.Sessions = st
	if cfg.Redis.URL != "" {
		rs, err := redisstore.Open(ctx, cfg.Redis.URL, redisstore.WithTTL(cfg.Redis.SessionTTL))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs.Close)
		a.logger.InfoContext(ctx, "sessions stored in redis", "store", rs.String())
		sessions = rs
	}

	opts := []twitter.Option{
		twitter.WithCredentials(twitter.Credentials{
			ConsumerKey:    cfg.Twitter.ConsumerKey,
			ConsumerSecret: cfg.Twitter.ConsumerSecret,
			AccessToken:    cfg.Twitter.AccessToken,
			AccessSecret:   cfg.Twitter.AccessSecret,
		}),
		twitter.WithCache(a.openCache(ctx)),
		twitter.WithPacer(httpcache.NewPacer(cfg.Twitter.Pace)),
		twitter.WithTimeout(cfg.Twitter.Timeout),
		twitter.WithLogger(a.logger),
	}
	if cfg.Twitter.BrowserCookies {
		opts = append(opts, twitter.WithBrowserCookies())
	}
	tw, err := twitter.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("twitter client: %w", err)
	}
	a.twitter = tw

	links := link.New(st, link.WithLogger(a.logger))
	a.repair = repair.New(st, links, repair.WithLogger(a.logger), repair.WithSweepCap(cfg.Batch.SweepCap))
	a.reconcile = reconcile.New(st, tw, links,
		reconcile.WithLogger(a.logger),
		reconcile.WithBatchSize(cfg.Batch.Size),
		reconcile.WithCooldown(cfg.Batch.Cooldown),
		reconcile.WithSearchCount(cfg.Twitter.SearchCount),
		reconcile.WithPace(cfg.Batch.Pace),
		reconcile.WithImages(imageSizes),
	)
	if !withSignIn {
		return nil
	}

	a.signin, err = signin.New(signin.Deps{
		Devices:  st,
		Sessions: sessions,
		Entities: st,
		Profiles: st,
		Twitter:  tw,
		Links:    links,
		Images:   signin.ImagesFunc(imageSizes),
		Repair:   a.repair,
	}, cfg.Twitter.CallbackURL, signin.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("sign-in controller: %w", err)
	}
	return nil
}

func (a *app) openStore() (backend, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database.dsn configured, using an in-memory store")
		return memstore.New(), nil
	}
	st, err := sqlstore.Open(a.cfg.Database.DSN, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)
	return st, nil
}

func (a *app) openCache(ctx context.Context) httpcache.Cacher {
	if a.cfg.Cache.Disabled {
		return httpcache.NewNull()
	}
	c, err := httpcache.New(a.cfg.Cache.TTL, a.cfg.Cache.Dir)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to initialize cache, continuing without cache", "error", err)
		return httpcache.NewNull()
	}
	a.closers = append(a.closers, c.Close)
	a.logger.DebugContext(ctx, "HTTP cache initialized", "ttl", a.cfg.Cache.TTL.String())
	return c
}

// imageSizes stands in for an image re-hosting service: it points at the
// external network's own size variants.
func imageSizes(_ context.Context, p *profile.Profile) (profile.Images, error) {
	return twitter.ImageSizes(p.ImageURL, p.BannerURL), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
