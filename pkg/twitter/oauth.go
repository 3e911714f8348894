package twitter

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

// RequestToken obtains a request token for the sign-in handshake and returns the
// URL the user must visit to authorize it.
func (c *Client) RequestToken(ctx context.Context, callbackURL string) (token, secret, authURL string, err error) {
	if c.oauth.ConsumerKey == "" {
		return "", "", "", fmt.Errorf("request token: no consumer key: %w", profile.ErrUnauthorized)
	}
	cfg := *c.oauth
	cfg.CallbackURL = callbackURL

	token, secret, err = cfg.RequestToken()
	if err != nil {
		c.logger.WarnContext(ctx, "request token failed", "error", err)
		return "", "", "", fmt.Errorf("request token: %w", classifyOAuth(err))
	}
	u, err := cfg.AuthorizationURL(token)
	if err != nil {
		return "", "", "", fmt.Errorf("authorization url: %w", err)
	}
	return token, secret, u.String(), nil
}

// AccessToken exchanges an authorized request token and verifier for the user's access token.
func (c *Client) AccessToken(ctx context.Context, requestToken, requestSecret, verifier string) (token, secret string, err error) {
	if verifier == "" {
		return "", "", fmt.Errorf("access token: missing verifier: %w", profile.ErrUnauthorized)
	}
	token, secret, err = c.oauth.AccessToken(requestToken, requestSecret, verifier)
	if err != nil {
		c.logger.WarnContext(ctx, "access token failed", "error", err)
		return "", "", fmt.Errorf("access token: %w", classifyOAuth(err))
	}
	return token, secret, nil
}

// classifyOAuth maps token endpoint failures. Transport failures are transient;
// anything the server answered with is a refusal.
func classifyOAuth(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%w: %w", profile.ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", profile.ErrUnauthorized, err)
}
