package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/httpcache"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/dghubble/oauth1"
)

// maxSearchCount is the largest page users/search.json returns.
const maxSearchCount = 20

type apiURLs struct {
	URLs []struct {
		ExpandedURL string `json:"expanded_url"`
		DisplayURL  string `json:"display_url"`
	} `json:"urls"`
}

// apiUser is a v1.1 user object.
type apiUser struct {
	Status *struct {
		CreatedAt string `json:"created_at"`
	} `json:"status"`
	UTCOffset   *int   `json:"utc_offset"`
	IDStr       string `json:"id_str"`
	ScreenName  string `json:"screen_name"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`
	URL         string `json:"url"`
	ImageURL    string `json:"profile_image_url_https"`
	BannerURL   string `json:"profile_banner_url"`
	Entities    struct {
		URL         apiURLs `json:"url"`
		Description apiURLs `json:"description"`
	} `json:"entities"`
	ID        int64 `json:"id"`
	Followers int   `json:"followers_count"`
	Following int   `json:"friends_count"`
	Verified  bool  `json:"verified"`
	Suspended bool  `json:"suspended"`
}

func (c *Client) toProfile(u *apiUser) *profile.Profile {
	id := u.ID
	if id == 0 && u.IDStr != "" {
		id, _ = strconv.ParseInt(u.IDStr, 10, 64) //nolint:errcheck // 0 is rejected by callers
	}
	p := &profile.Profile{
		ID:        id,
		Handle:    u.ScreenName,
		Name:      u.Name,
		Bio:       c.sanitize(u.Description),
		Location:  u.Location,
		Website:   u.URL,
		Followers: u.Followers,
		Following: u.Following,
		Verified:  u.Verified,
		ImageURL:  u.ImageURL,
		UTCOffset: u.UTCOffset,
		FetchedAt: time.Now(),
	}
	if u.BannerURL != "" {
		p.BannerURL = u.BannerURL + "/1500x500"
	}
	for _, set := range []apiURLs{u.Entities.URL, u.Entities.Description} {
		for _, e := range set.URLs {
			if e.ExpandedURL != "" {
				p.ExpandedURLs = append(p.ExpandedURLs, e.ExpandedURL)
			}
		}
	}
	if len(u.Entities.URL.URLs) > 0 && u.Entities.URL.URLs[0].ExpandedURL != "" {
		p.Website = u.Entities.URL.URLs[0].ExpandedURL
	}
	if u.Status != nil && u.Status.CreatedAt != "" {
		if t, err := time.Parse(time.RubyDate, u.Status.CreatedAt); err == nil {
			p.LastPostAt = &t
		}
	}
	p.Cached = ImageSizes(p.ImageURL, p.BannerURL)
	return p
}

// LookupHandle fetches a profile by handle.
func (c *Client) LookupHandle(ctx context.Context, handle string) (*profile.Profile, error) {
	handle = NormalizeHandle(handle)
	if !profile.IsValidHandle(handle) {
		return nil, fmt.Errorf("handle %q: %w", handle, profile.ErrMalformedInput)
	}
	if c.api == nil {
		if c.web == nil {
			return nil, fmt.Errorf("lookup %s: %w", handle, profile.ErrUnauthorized)
		}
		c.logger.InfoContext(ctx, "fetching twitter profile via graphql", "handle", handle)
		return c.fetchViaGraphQL(ctx, handle)
	}
	return c.lookup(ctx, url.Values{"screen_name": {handle}}, handle)
}

// LookupID fetches a profile by numeric id.
func (c *Client) LookupID(ctx context.Context, id int64) (*profile.Profile, error) {
	if id <= 0 {
		return nil, fmt.Errorf("id %d: %w", id, profile.ErrMalformedInput)
	}
	if c.api == nil {
		return nil, fmt.Errorf("lookup %d: %w", id, profile.ErrUnauthorized)
	}
	return c.lookup(ctx, url.Values{"user_id": {strconv.FormatInt(id, 10)}}, strconv.FormatInt(id, 10))
}

func (c *Client) lookup(ctx context.Context, q url.Values, what string) (*profile.Profile, error) {
	q.Set("include_entities", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/users/show.json?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}

	c.logger.DebugContext(ctx, "looking up twitter profile", "key", what)
	body, err := c.api.Fetch(ctx, req, c.lookupTTL)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", what, classify(err))
	}

	var u apiUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("lookup %s: decode: %w", what, err)
	}
	if u.Suspended {
		return nil, fmt.Errorf("lookup %s: %w", what, profile.ErrSuspended)
	}
	p := c.toProfile(&u)
	if p.ID == 0 {
		return nil, fmt.Errorf("lookup %s: %w", what, profile.ErrProfileNotFound)
	}
	return p, nil
}

// Search runs a free-text account search. Results keep the API's relevance order.
// An empty result is not an error.
func (c *Client) Search(ctx context.Context, query string, count int) ([]*profile.Profile, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", profile.ErrMalformedInput)
	}
	if c.api == nil {
		return nil, fmt.Errorf("search: %w", profile.ErrUnauthorized)
	}
	if count <= 0 || count > maxSearchCount {
		count = maxSearchCount
	}

	q := url.Values{"q": {query}, "count": {strconv.Itoa(count)}, "include_entities": {"true"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/users/search.json?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}

	body, err := c.api.Fetch(ctx, req, c.searchTTL)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, classify(err))
	}

	var users []apiUser
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("search %q: decode: %w", query, err)
	}
	out := make([]*profile.Profile, 0, len(users))
	for i := range users {
		if p := c.toProfile(&users[i]); p.ID != 0 {
			out = append(out, p)
		}
	}
	c.logger.DebugContext(ctx, "twitter search", "query", query, "results", len(out))
	return out, nil
}

// VerifyCredentials fetches the profile of the user who owns the given access token.
func (c *Client) VerifyCredentials(ctx context.Context, token, secret string) (*profile.Profile, error) {
	if token == "" || secret == "" {
		return nil, fmt.Errorf("verify credentials: %w", profile.ErrUnauthorized)
	}
	signed := c.oauth.Client(context.WithValue(ctx, oauth1.HTTPClient, c.base), oauth1.NewToken(token, secret))
	signed.Timeout = c.base.Timeout
	f := httpcache.NewFetcher(signed, nil, nil, c.logger)

	q := url.Values{"include_entities": {"true"}, "skip_status": {"false"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/account/verify_credentials.json?"+q.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	body, err := f.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", classify(err))
	}

	var u apiUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("verify credentials: decode: %w", err)
	}
	p := c.toProfile(&u)
	if p.ID == 0 {
		return nil, fmt.Errorf("verify credentials: no user id: %w", profile.ErrUnauthorized)
	}
	return p, nil
}

// RateLimit is the quota state of one API resource.
type RateLimit struct {
	Reset     time.Time `json:"reset"`
	Resource  string    `json:"resource"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
}

// RateLimits reports quota state for the resources this client uses. Diagnostic only.
func (c *Client) RateLimits(ctx context.Context) ([]RateLimit, error) {
	if c.api == nil {
		return nil, fmt.Errorf("rate limits: %w", profile.ErrUnauthorized)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL+"/application/rate_limit_status.json?resources=users,account,application", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	body, err := c.api.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", classify(err))
	}

	var resp struct {
		Resources map[string]map[string]struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Reset     int64 `json:"reset"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("rate limits: decode: %w", err)
	}

	var out []RateLimit
	for _, group := range resp.Resources {
		for name, r := range group {
			out = append(out, RateLimit{
				Resource:  name,
				Limit:     r.Limit,
				Remaining: r.Remaining,
				Reset:     time.Unix(r.Reset, 0).UTC(),
			})
		}
	}
	sortRateLimits(out)
	return out, nil
}

func sortRateLimits(rl []RateLimit) {
	slices.SortFunc(rl, func(a, b RateLimit) int { return strings.Compare(a.Resource, b.Resource) })
}
