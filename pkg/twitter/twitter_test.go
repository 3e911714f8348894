package twitter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/auth"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/dghubble/oauth1"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const janeJSON = `{
  "id": 42, "id_str": "42", "screen_name": "JaneDoeForCA", "name": "Jane Doe",
  "description": "Running for <b>Assembly</b> & proud Californian",
  "location": "Sacramento, CA", "url": "https://t.co/abc",
  "entities": {
    "url": {"urls": [{"expanded_url": "https://janedoe.org", "display_url": "janedoe.org"}]},
    "description": {"urls": [{"expanded_url": "https://ballot.example/jane"}]}
  },
  "followers_count": 1000, "friends_count": 12, "verified": true,
  "profile_image_url_https": "https://pbs.twimg.com/profile_images/1/abc_normal.jpg",
  "profile_banner_url": "https://pbs.twimg.com/profile_banners/42/1",
  "status": {"created_at": "Wed Oct 10 20:19:24 +0000 2018"}
}`

func newAPIClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(),
		WithCredentials(Credentials{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}),
		WithAPIURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestLookupHandle(t *testing.T) {
	c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/show.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("screen_name"); got != "JaneDoeForCA" {
			t.Errorf("screen_name = %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			t.Errorf("request not OAuth-signed: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(janeJSON)) //nolint:errcheck // test
	}))

	p, err := c.LookupHandle(context.Background(), "https://x.com/JaneDoeForCA")
	if err != nil {
		t.Fatalf("LookupHandle failed: %v", err)
	}

	posted := time.Date(2018, 10, 10, 20, 19, 24, 0, time.UTC)
	want := &profile.Profile{
		ID:           42,
		Handle:       "JaneDoeForCA",
		Name:         "Jane Doe",
		Bio:          "Running for Assembly & proud Californian",
		Location:     "Sacramento, CA",
		Website:      "https://janedoe.org",
		ExpandedURLs: []string{"https://janedoe.org", "https://ballot.example/jane"},
		Followers:    1000,
		Following:    12,
		Verified:     true,
		ImageURL:     "https://pbs.twimg.com/profile_images/1/abc_normal.jpg",
		BannerURL:    "https://pbs.twimg.com/profile_banners/42/1/1500x500",
		Cached: profile.Images{
			Large:  "https://pbs.twimg.com/profile_images/1/abc_400x400.jpg",
			Medium: "https://pbs.twimg.com/profile_images/1/abc_bigger.jpg",
			Tiny:   "https://pbs.twimg.com/profile_images/1/abc_mini.jpg",
			Banner: "https://pbs.twimg.com/profile_banners/42/1/1500x500",
		},
		LastPostAt: &posted,
	}
	if diff := cmp.Diff(want, p, cmpopts.IgnoreFields(profile.Profile{}, "FetchedAt")); diff != "" {
		t.Errorf("LookupHandle() mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found code", http.StatusNotFound, `{"errors":[{"code":50,"message":"User not found."}]}`, profile.ErrProfileNotFound},
		{"suspended", http.StatusForbidden, `{"errors":[{"code":63,"message":"User has been suspended."}]}`, profile.ErrSuspended},
		{"rate limited status", http.StatusTooManyRequests, `{"errors":[{"code":88}]}`, profile.ErrRateLimited},
		{"rate limited code", http.StatusBadRequest, `{"errors":[{"code":88}]}`, profile.ErrRateLimited},
		{"unauthorized", http.StatusUnauthorized, `{"errors":[{"code":32}]}`, profile.ErrUnauthorized},
		{"server error", http.StatusBadGateway, ``, profile.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck // test
			}))
			_, err := c.LookupID(context.Background(), 42)
			if !errors.Is(err, tt.want) {
				t.Errorf("LookupID() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLookupMalformedSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	c := newAPIClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))

	for _, h := range []string{"this_handle_is_too_long", "bad-char", ""} {
		if _, err := c.LookupHandle(context.Background(), h); !errors.Is(err, profile.ErrMalformedInput) {
			t.Errorf("LookupHandle(%q) error = %v, want ErrMalformedInput", h, err)
		}
	}
	if _, err := c.LookupID(context.Background(), 0); !errors.Is(err, profile.ErrMalformedInput) {
		t.Errorf("LookupID(0) error = %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("malformed input made %d network calls", calls.Load())
	}
}

func TestSearchKeepsOrder(t *testing.T) {
	c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/search.json" || r.URL.Query().Get("q") != "Jane Doe" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`[{"id":3,"screen_name":"c"},{"id":1,"screen_name":"a"},{"id":0},{"id":2,"screen_name":"b"}]`)) //nolint:errcheck // test
	}))

	got, err := c.Search(context.Background(), "Jane Doe", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	var handles []string
	for _, p := range got {
		handles = append(handles, p.Handle)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, handles); diff != "" {
		t.Errorf("Search() order mismatch (-want +got):\n%s", diff)
	}
}

// ttlRecorder is a pass-through cache that records the requested TTLs in call order.
type ttlRecorder struct {
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *ttlRecorder) GetSet(ctx context.Context, _ string, fetch func(context.Context) ([]byte, error), ttl ...time.Duration) ([]byte, error) {
	r.mu.Lock()
	r.ttls = append(r.ttls, ttl...)
	r.mu.Unlock()
	return fetch(ctx)
}

func (*ttlRecorder) TTL() time.Duration { return time.Hour }

func TestSearchCachedShorterThanLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/users/search.json" {
			w.Write([]byte(`[]`)) //nolint:errcheck // test
			return
		}
		w.Write([]byte(janeJSON)) //nolint:errcheck // test
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts []Option
		want []time.Duration // lookup, then search
	}{
		{
			name: "defaults",
			want: []time.Duration{defaultLookupTTL, defaultSearchTTL},
		},
		{
			name: "configured",
			opts: []Option{WithLookupTTL(2 * time.Hour), WithSearchTTL(time.Minute)},
			want: []time.Duration{2 * time.Hour, time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &ttlRecorder{}
			opts := append([]Option{
				WithCredentials(Credentials{ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}),
				WithAPIURL(srv.URL),
				WithHTTPClient(srv.Client()),
				WithCache(rec),
			}, tt.opts...)
			c, err := New(context.Background(), opts...)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if _, err := c.LookupHandle(context.Background(), "JaneDoeForCA"); err != nil {
				t.Fatalf("LookupHandle failed: %v", err)
			}
			if _, err := c.Search(context.Background(), "Jane Doe", 5); err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, rec.ttls); diff != "" {
				t.Errorf("cache TTLs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerifyCredentials(t *testing.T) {
	c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account/verify_credentials.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_token="user-token"`) {
			t.Errorf("request not signed with user token: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(janeJSON)) //nolint:errcheck // test
	}))

	p, err := c.VerifyCredentials(context.Background(), "user-token", "user-secret")
	if err != nil {
		t.Fatalf("VerifyCredentials failed: %v", err)
	}
	if p.ID != 42 || p.Handle != "JaneDoeForCA" {
		t.Errorf("VerifyCredentials() = %+v", p)
	}

	if _, err := c.VerifyCredentials(context.Background(), "", ""); !errors.Is(err, profile.ErrUnauthorized) {
		t.Errorf("empty token error = %v", err)
	}
}

func TestRateLimits(t *testing.T) {
	c := newAPIClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body := `{"resources":{"users":{
			"/users/search":{"limit":900,"remaining":880,"reset":1700000000},
			"/users/show/:id":{"limit":900,"remaining":900,"reset":1700000000}}}}`
		w.Write([]byte(body)) //nolint:errcheck // test
	}))

	got, err := c.RateLimits(context.Background())
	if err != nil {
		t.Fatalf("RateLimits failed: %v", err)
	}
	want := []RateLimit{
		{Resource: "/users/search", Limit: 900, Remaining: 880, Reset: time.Unix(1700000000, 0).UTC()},
		{Resource: "/users/show/:id", Limit: 900, Remaining: 900, Reset: time.Unix(1700000000, 0).UTC()},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RateLimits() mismatch (-want +got):\n%s", diff)
	}
}

func TestOAuthHandshake(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/request_token", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Authorization"), "oauth_callback=") {
			t.Errorf("request token call missing callback: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("oauth_token=rt&oauth_token_secret=rs&oauth_callback_confirmed=true")) //nolint:errcheck // test
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Authorization"), `oauth_verifier="v"`) {
			t.Errorf("access token call missing verifier: %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte("oauth_token=at&oauth_token_secret=as")) //nolint:errcheck // test
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(context.Background(),
		WithCredentials(Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"}),
		WithCookies(map[string]string{"ct0": "x"}),
		WithEndpoint(oauth1.Endpoint{
			RequestTokenURL: srv.URL + "/oauth/request_token",
			AuthorizeURL:    srv.URL + "/oauth/authenticate",
			AccessTokenURL:  srv.URL + "/oauth/access_token",
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	token, secret, authURL, err := c.RequestToken(context.Background(), "https://app.example/cb?voter_device_id=d1")
	if err != nil {
		t.Fatalf("RequestToken failed: %v", err)
	}
	if token != "rt" || secret != "rs" {
		t.Errorf("RequestToken() = %q, %q", token, secret)
	}
	if authURL != srv.URL+"/oauth/authenticate?oauth_token=rt" {
		t.Errorf("authURL = %q", authURL)
	}

	at, as, err := c.AccessToken(context.Background(), token, secret, "v")
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if at != "at" || as != "as" {
		t.Errorf("AccessToken() = %q, %q", at, as)
	}

	if _, _, err := c.AccessToken(context.Background(), token, secret, ""); !errors.Is(err, profile.ErrUnauthorized) {
		t.Errorf("missing verifier error = %v", err)
	}
}

func TestOAuthTokenTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(context.Background(),
		WithCredentials(Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"}),
		WithCookies(map[string]string{"ct0": "x"}),
		WithTimeout(100*time.Millisecond),
		WithEndpoint(oauth1.Endpoint{
			RequestTokenURL: srv.URL + "/oauth/request_token",
			AuthorizeURL:    srv.URL + "/oauth/authenticate",
			AccessTokenURL:  srv.URL + "/oauth/access_token",
		}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	start := time.Now()
	_, _, _, err = c.RequestToken(context.Background(), "https://app.example/cb")
	if !errors.Is(err, profile.ErrTransient) {
		t.Errorf("RequestToken() error = %v, want ErrTransient", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("RequestToken returned after %v, want the 100ms timeout", elapsed)
	}

	start = time.Now()
	if _, _, err := c.AccessToken(context.Background(), "rt", "rs", "v"); !errors.Is(err, profile.ErrTransient) {
		t.Errorf("AccessToken() error = %v, want ErrTransient", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("AccessToken returned after %v, want the 100ms timeout", elapsed)
	}
}

func TestGraphQLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/UserByScreenName") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Csrf-Token"); got != "csrf" {
			t.Errorf("X-Csrf-Token = %q", got)
		}
		body := `{"data":{"user":{"result":{"__typename":"User","rest_id":"7",
			"core":{"name":"Jack","screen_name":"jack"},
			"avatar":{"image_url":"https://pbs.twimg.com/p/x_normal.png"},
			"location":{"location":"California"},
			"legacy":{"description":"just setting up","followers_count":5}}}}}`
		w.Write([]byte(body)) //nolint:errcheck // test
	}))
	defer srv.Close()

	c, err := New(context.Background(),
		WithCookies(map[string]string{"auth_token": "a", "ct0": "csrf"}),
		WithGraphQLURL(srv.URL),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// The cookie jar is bound to x.com; route requests to the test server.
	c.web.Transport = rewriteTransport{target: srv.URL}
	c.graphqlURL = "https://x.com/i/api/graphql"

	p, err := c.LookupHandle(context.Background(), "@jack")
	if err != nil {
		t.Fatalf("LookupHandle failed: %v", err)
	}
	if p.ID != 7 || p.Handle != "jack" || p.Location != "California" || p.Cached.Large != "https://pbs.twimg.com/p/x_400x400.png" {
		t.Errorf("LookupHandle() = %+v", p)
	}
}

func TestGraphQLUnavailable(t *testing.T) {
	c := &Client{}
	if _, err := c.parseGraphQLResponse([]byte(`{"data":{"user":{"result":{"__typename":"UserUnavailable","reason":"Suspended"}}}}`)); !errors.Is(err, profile.ErrSuspended) {
		t.Errorf("suspended error = %v", err)
	}
	if _, err := c.parseGraphQLResponse([]byte(`{"data":{}}`)); !errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("missing user error = %v", err)
	}
}

func TestNewWithoutAnyAuth(t *testing.T) {
	for _, v := range auth.EnvVars() {
		t.Setenv(v, "")
	}
	if _, err := New(context.Background()); !errors.Is(err, profile.ErrNoCookies) {
		t.Errorf("New() error = %v, want ErrNoCookies", err)
	}
}

type rewriteTransport struct{ target string }

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	u := *r.URL
	u.Scheme = "http"
	u.Host = strings.TrimPrefix(rt.target, "http://")
	r2 := r.Clone(r.Context())
	r2.URL = &u
	return http.DefaultTransport.RoundTrip(r2)
}

func TestImageSizes(t *testing.T) {
	tests := []struct {
		in   string
		want profile.Images
	}{
		{
			"https://pbs.twimg.com/profile_images/1/a_normal.jpg",
			profile.Images{
				Large:  "https://pbs.twimg.com/profile_images/1/a_400x400.jpg",
				Medium: "https://pbs.twimg.com/profile_images/1/a_bigger.jpg",
				Tiny:   "https://pbs.twimg.com/profile_images/1/a_mini.jpg",
			},
		},
		{
			"https://pbs.twimg.com/profile_images/1/a_400x400",
			profile.Images{
				Large:  "https://pbs.twimg.com/profile_images/1/a_400x400",
				Medium: "https://pbs.twimg.com/profile_images/1/a_bigger",
				Tiny:   "https://pbs.twimg.com/profile_images/1/a_mini",
			},
		},
		{"https://cdn.example/avatar.png", profile.Images{
			Large: "https://cdn.example/avatar.png", Medium: "https://cdn.example/avatar.png", Tiny: "https://cdn.example/avatar.png",
		}},
		{"", profile.Images{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ImageSizes(tt.in, "")); diff != "" {
				t.Errorf("ImageSizes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://twitter.com/johndoe", "johndoe"},
		{"https://x.com/johndoe", "johndoe"},
		{"https://x.com/@johndoe?lang=en", "johndoe"},
		{"https://twitter.com/johndoe/status/123", "johndoe"},
		{"johndoe", "johndoe"},
		{" @johndoe ", "johndoe"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeHandle(tt.in); got != tt.want {
				t.Errorf("NormalizeHandle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
