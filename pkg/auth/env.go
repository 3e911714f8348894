package auth

import (
	"context"
	"os"
	"sort"
)

// envCookies maps environment variable names to session cookie names.
var envCookies = map[string]string{
	"TWITTER_AUTH_TOKEN": "auth_token",
	"TWITTER_CT0":        "ct0",
	"TWITTER_TWID":       "twid",
	"TWITTER_KDT":        "kdt",
	"TWITTER_ATT":        "att",
}

// EnvSource reads session cookies from environment variables.
type EnvSource struct{}

// Cookies implements Source.
func (EnvSource) Cookies(_ context.Context) (map[string]string, error) {
	cookies := make(map[string]string)
	for envVar, name := range envCookies {
		if v := os.Getenv(envVar); v != "" {
			cookies[name] = v
		}
	}
	if len(cookies) == 0 {
		return nil, nil //nolint:nilnil // no env vars set is not an error
	}
	return cookies, nil
}

// EnvVars lists the environment variables EnvSource reads, for help output.
func EnvVars() []string {
	vars := make([]string, 0, len(envCookies))
	for v := range envCookies {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}
