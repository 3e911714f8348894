package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/codeGROOVE-dev/xlink/pkg/httpcache"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
)

// API error codes, see https://developer.x.com/en/support/x-api/error-troubleshooting.
const (
	codeNoUserMatches    = 17
	codeBadAuth          = 32
	codeUserNotFound     = 50
	codeSuspended        = 63
	codeAccountSuspended = 64
	codeRateLimited      = 88
	codeInvalidToken     = 89
)

func apiErrorCodes(body []byte) []int {
	var resp struct {
		Errors []struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"errors"`
	}
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil {
		return nil
	}
	codes := make([]int, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

// classify maps a transport error to the profile error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var httpErr *httpcache.HTTPError
	if !errors.As(err, &httpErr) {
		return fmt.Errorf("%w: %w", profile.ErrTransient, err)
	}

	codes := apiErrorCodes(httpErr.Body)
	has := func(want ...int) bool {
		for _, w := range want {
			if slices.Contains(codes, w) {
				return true
			}
		}
		return false
	}

	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests || has(codeRateLimited):
		return fmt.Errorf("%w: %w", profile.ErrRateLimited, httpErr)
	case has(codeSuspended, codeAccountSuspended):
		return fmt.Errorf("%w: %w", profile.ErrSuspended, httpErr)
	case has(codeUserNotFound, codeNoUserMatches) || httpErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", profile.ErrProfileNotFound, httpErr)
	case httpErr.StatusCode == http.StatusUnauthorized || has(codeBadAuth, codeInvalidToken):
		return fmt.Errorf("%w: %w", profile.ErrUnauthorized, httpErr)
	case httpErr.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", profile.ErrTransient, httpErr)
	default:
		return httpErr
	}
}
