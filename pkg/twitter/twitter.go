// Package twitter talks to the Twitter/X API: profile lookups, user search,
// the OAuth 1.0a sign-in handshake, and rate-limit introspection.
package twitter

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/auth"
	"github.com/codeGROOVE-dev/xlink/pkg/httpcache"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/dghubble/oauth1"
	twitterOAuth1 "github.com/dghubble/oauth1/twitter"
	"github.com/microcosm-cc/bluemonday"
)

const (
	defaultAPIURL     = "https://api.twitter.com/1.1"
	defaultGraphQLURL = "https://x.com/i/api/graphql"
	defaultTimeout    = 5 * time.Second
	defaultLookupTTL  = time.Hour
	defaultSearchTTL  = 10 * time.Minute
)

// Credentials are the app's OAuth 1.0a keys. AccessToken/AccessSecret are the
// app owner's own user token, used to sign lookups and searches.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	AccessToken    string
	AccessSecret   string
}

func (c Credentials) consumer() bool { return c.ConsumerKey != "" && c.ConsumerSecret != "" }

func (c Credentials) app() bool { return c.consumer() && c.AccessToken != "" && c.AccessSecret != "" }

// Client handles Twitter/X API requests.
type Client struct {
	oauth      *oauth1.Config
	base       *http.Client
	api        *httpcache.Fetcher // app-user signed, nil without app credentials
	web        *http.Client       // cookie session for the GraphQL fallback
	sanitizer  *bluemonday.Policy
	logger     *slog.Logger
	apiURL     string
	graphqlURL string
	lookupTTL  time.Duration
	searchTTL  time.Duration
}

// Option configures a Client.
type Option func(*config)

type config struct {
	cache          httpcache.Cacher
	pacer          *httpcache.Pacer
	base           *http.Client
	logger         *slog.Logger
	cookies        map[string]string
	endpoint       *oauth1.Endpoint
	apiURL         string
	graphqlURL     string
	creds          Credentials
	timeout        time.Duration
	lookupTTL      time.Duration
	searchTTL      time.Duration
	browserCookies bool
}

// WithCredentials sets the app's OAuth keys.
func WithCredentials(c Credentials) Option {
	return func(cfg *config) { cfg.creds = c }
}

// WithCache sets the response cache for lookups and searches.
func WithCache(c httpcache.Cacher) Option {
	return func(cfg *config) { cfg.cache = c }
}

// WithPacer sets the per-host request pacer.
func WithPacer(p *httpcache.Pacer) Option {
	return func(cfg *config) { cfg.pacer = p }
}

// WithLookupTTL sets how long profile lookups stay cached.
func WithLookupTTL(d time.Duration) Option {
	return func(cfg *config) { cfg.lookupTTL = d }
}

// WithSearchTTL sets how long search results stay cached. New accounts show up
// in search, so this is kept shorter than the lookup TTL.
func WithSearchTTL(d time.Duration) Option {
	return func(cfg *config) { cfg.searchTTL = d }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.timeout = d }
}

// WithHTTPClient sets the base HTTP client, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.base = c }
}

// WithAPIURL overrides the v1.1 API base URL.
func WithAPIURL(u string) Option {
	return func(cfg *config) { cfg.apiURL = strings.TrimSuffix(u, "/") }
}

// WithGraphQLURL overrides the web GraphQL base URL.
func WithGraphQLURL(u string) Option {
	return func(cfg *config) { cfg.graphqlURL = strings.TrimSuffix(u, "/") }
}

// WithEndpoint overrides the OAuth request/authorize/access token endpoint.
func WithEndpoint(e oauth1.Endpoint) Option {
	return func(cfg *config) { cfg.endpoint = &e }
}

// WithCookies sets explicit session cookies for the GraphQL fallback.
func WithCookies(cookies map[string]string) Option {
	return func(cfg *config) { cfg.cookies = cookies }
}

// WithBrowserCookies enables reading session cookies from local browser stores.
func WithBrowserCookies() Option {
	return func(cfg *config) { cfg.browserCookies = true }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// New creates a Twitter client.
// Lookups are signed with the app credentials when present; otherwise they fall back to
// the web GraphQL API with session cookies (WithCookies > environment variables > browser).
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		logger:     slog.Default(),
		apiURL:     defaultAPIURL,
		graphqlURL: defaultGraphQLURL,
		timeout:    defaultTimeout,
		lookupTTL:  defaultLookupTTL,
		searchTTL:  defaultSearchTTL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	base := cfg.base
	if base == nil {
		base = &http.Client{Timeout: cfg.timeout}
	}

	endpoint := twitterOAuth1.AuthenticateEndpoint
	if cfg.endpoint != nil {
		endpoint = *cfg.endpoint
	}

	// The token endpoints take no context; the client timeout is their only bound.
	tokenClient := *base
	tokenClient.Timeout = cfg.timeout

	c := &Client{
		oauth: &oauth1.Config{
			ConsumerKey:    cfg.creds.ConsumerKey,
			ConsumerSecret: cfg.creds.ConsumerSecret,
			Endpoint:       endpoint,
			HTTPClient:     &tokenClient,
		},
		base:       base,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     cfg.logger,
		apiURL:     cfg.apiURL,
		graphqlURL: cfg.graphqlURL,
		lookupTTL:  cfg.lookupTTL,
		searchTTL:  cfg.searchTTL,
	}

	if cfg.creds.app() {
		signed := c.oauth.Client(context.WithValue(ctx, oauth1.HTTPClient, base),
			oauth1.NewToken(cfg.creds.AccessToken, cfg.creds.AccessSecret))
		signed.Timeout = cfg.timeout
		c.api = httpcache.NewFetcher(signed, cfg.cache, cfg.pacer, cfg.logger)
		cfg.logger.InfoContext(ctx, "twitter client created", "mode", "api")
		return c, nil
	}

	var sources []auth.Source
	if len(cfg.cookies) > 0 {
		sources = append(sources, auth.NewStaticSource(cfg.cookies))
	}
	sources = append(sources, auth.EnvSource{})
	if cfg.browserCookies {
		sources = append(sources, auth.NewBrowserSource(cfg.logger))
	}
	cookies, err := auth.Chain(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("cookie retrieval failed: %w", err)
	}
	if len(cookies) == 0 {
		if cfg.creds.consumer() {
			// Sign-in only: the handshake needs no app token or cookies.
			cfg.logger.InfoContext(ctx, "twitter client created", "mode", "signin-only")
			return c, nil
		}
		return nil, fmt.Errorf("%w: set app credentials, %v, or use WithCookies/WithBrowserCookies",
			profile.ErrNoCookies, auth.EnvVars())
	}

	jar, err := auth.NewCookieJar(auth.Domain, cookies)
	if err != nil {
		return nil, fmt.Errorf("cookie jar creation failed: %w", err)
	}
	c.web = &http.Client{Jar: jar, Timeout: cfg.timeout, Transport: base.Transport}
	cfg.logger.InfoContext(ctx, "twitter client created", "mode", "session", "cookie_count", len(cookies))
	return c, nil
}

var handlePattern = regexp.MustCompile(`(?:x\.com|twitter\.com)/@?([^/?#]+)`)

// NormalizeHandle extracts a bare handle from "@handle", "handle", or a profile URL.
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		if m := handlePattern.FindStringSubmatch(s); len(m) > 1 {
			return m[1]
		}
	}
	return strings.TrimPrefix(s, "@")
}

func (c *Client) sanitize(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(c.sanitizer.Sanitize(s)))
}
