package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/auth"
	"github.com/codeGROOVE-dev/xlink/pkg/httpcache"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

// userByScreenNameID is the persisted query id of the web client's UserByScreenName operation.
const userByScreenNameID = "-oaLodhGbbnzJBACb1kk2Q"

// webBearerToken is the public bearer token embedded in the x.com web client.
const webBearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// fetchViaGraphQL looks a handle up through the web client's GraphQL API using session cookies.
func (c *Client) fetchViaGraphQL(ctx context.Context, handle string) (*profile.Profile, error) {
	varsJSON, err := json.Marshal(map[string]any{
		"screen_name":              handle,
		"withSafetyModeUserFields": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	featJSON, err := json.Marshal(graphQLFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	apiURL := fmt.Sprintf("%s/%s/UserByScreenName?variables=%s&features=%s",
		c.graphqlURL, userByScreenNameID,
		url.QueryEscape(string(varsJSON)),
		url.QueryEscape(string(featJSON)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+webBearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("Referer", "https://x.com/"+handle)
	if token := auth.CSRFToken(c.web.Jar, auth.Domain); token != "" {
		req.Header.Set("X-Csrf-Token", token)
	}

	resp, err := c.web.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql lookup %s: %w: %w", handle, profile.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // error ignored intentionally

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.DebugContext(ctx, "graphql api error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("graphql lookup %s: %w", handle,
			classify(&httpcache.HTTPError{StatusCode: resp.StatusCode, URL: "graphql", Body: body}))
	}
	return c.parseGraphQLResponse(body)
}

// parseGraphQLResponse decodes a UserByScreenName response.
func (c *Client) parseGraphQLResponse(body []byte) (*profile.Profile, error) {
	var resp struct {
		Data struct {
			User struct {
				Result struct {
					TypeName string `json:"__typename"`
					Reason   string `json:"reason"`
					RestID   string `json:"rest_id"`
					Core     struct {
						Name       string `json:"name"`
						ScreenName string `json:"screen_name"`
					} `json:"core"`
					Avatar struct {
						ImageURL string `json:"image_url"`
					} `json:"avatar"`
					Location struct {
						Location string `json:"location"`
					} `json:"location"`
					Verification struct {
						Verified bool `json:"verified"`
					} `json:"verification"`
					Legacy struct {
						Description string `json:"description"`
						BannerURL   string `json:"profile_banner_url"`
						Entities    struct {
							URL         apiURLs `json:"url"`
							Description apiURLs `json:"description"`
						} `json:"entities"`
						Followers int `json:"followers_count"`
						Following int `json:"friends_count"`
					} `json:"legacy"`
				} `json:"result"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse graphql response: %w", err)
	}

	r := resp.Data.User.Result
	if r.TypeName == "UserUnavailable" {
		if r.Reason == "Suspended" {
			return nil, profile.ErrSuspended
		}
		return nil, profile.ErrProfileNotFound
	}
	if r.RestID == "" {
		return nil, profile.ErrProfileNotFound
	}
	id, err := strconv.ParseInt(r.RestID, 10, 64)
	if err != nil {
		return nil, errors.New("graphql response has non-numeric rest_id")
	}

	p := &profile.Profile{
		ID:        id,
		Handle:    r.Core.ScreenName,
		Name:      r.Core.Name,
		Bio:       c.sanitize(r.Legacy.Description),
		Location:  r.Location.Location,
		Followers: r.Legacy.Followers,
		Following: r.Legacy.Following,
		Verified:  r.Verification.Verified,
		ImageURL:  r.Avatar.ImageURL,
		FetchedAt: time.Now(),
	}
	if r.Legacy.BannerURL != "" {
		p.BannerURL = r.Legacy.BannerURL + "/1500x500"
	}
	for _, set := range []apiURLs{r.Legacy.Entities.URL, r.Legacy.Entities.Description} {
		for _, e := range set.URLs {
			if e.ExpandedURL != "" {
				p.ExpandedURLs = append(p.ExpandedURLs, e.ExpandedURL)
			}
		}
	}
	if urls := r.Legacy.Entities.URL.URLs; len(urls) > 0 {
		p.Website = urls[0].ExpandedURL
		if p.Website == "" {
			p.Website = urls[0].DisplayURL
		}
	}
	p.Cached = ImageSizes(p.ImageURL, p.BannerURL)
	return p, nil
}

// graphQLFeatures are the feature flags the web client sends with user queries.
var graphQLFeatures = map[string]bool{
	"hidden_profile_subscriptions_enabled":                              false,
	"highlights_tweets_tab_ui_enabled":                                  true,
	"profile_label_improvements_pcf_label_in_post_enabled":              true,
	"responsive_web_graphql_exclude_directive_enabled":                  true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled": false,
	"responsive_web_graphql_timeline_navigation_enabled":                true,
	"responsive_web_profile_redirect_enabled":                           true,
	"rweb_tipjar_consumption_enabled":                                   true,
	"subscriptions_feature_can_gift_premium":                            true,
	"subscriptions_verification_info_is_identity_verified_enabled":      true,
	"subscriptions_verification_info_verified_since_enabled":            true,
	"verified_phone_label_enabled":                                      false,
}
