// Package auth supplies session cookies for the x.com web API fallback.
package auth

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// Domain is the cookie domain for the external network's web session.
const Domain = "x.com"

// NewCookieJar creates an http.CookieJar holding cookies for domain.
func NewCookieJar(domain string, cookies map[string]string) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse("https://" + domain)
	if err != nil {
		return nil, err
	}

	var hc []*http.Cookie
	for name, value := range cookies {
		if value == "" {
			continue
		}
		hc = append(hc, &http.Cookie{Name: name, Value: value, Domain: "." + domain, Path: "/"})
	}
	jar.SetCookies(u, hc)
	return jar, nil
}

// CSRFToken returns the ct0 cookie value held in jar for domain, or "".
func CSRFToken(jar http.CookieJar, domain string) string {
	if jar == nil {
		return ""
	}
	u, err := url.Parse("https://" + domain)
	if err != nil {
		return ""
	}
	for _, c := range jar.Cookies(u) {
		if c.Name == "ct0" {
			return c.Value
		}
	}
	return ""
}

// Source is a place session cookies can come from.
type Source interface {
	// Cookies returns session cookies, or nil if this source has none.
	Cookies(ctx context.Context) (map[string]string, error)
}

// Chain returns cookies from the first source that has any.
func Chain(ctx context.Context, sources ...Source) (map[string]string, error) {
	for _, src := range sources {
		cookies, err := src.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		if len(cookies) > 0 {
			return cookies, nil
		}
	}
	return nil, nil //nolint:nilnil // no source had cookies, but this is not an error
}
