package auth

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/all" // register all browser cookie stores
	"github.com/browserutils/kooky/browser/firefox"
)

// sessionCookies are the cookies the web API needs to treat a request as logged in.
var sessionCookies = []string{"auth_token", "ct0", "kdt", "twid", "att"}

// BrowserSource reads session cookies from a local browser profile.
// Used by operators running lookups from a workstation.
type BrowserSource struct {
	logger *slog.Logger
	home   string
}

// NewBrowserSource creates a browser cookie source.
func NewBrowserSource(logger *slog.Logger) *BrowserSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserSource{logger: logger, home: os.Getenv("HOME")}
}

// Cookies implements Source.
func (s *BrowserSource) Cookies(ctx context.Context) (map[string]string, error) {
	s.logger.DebugContext(ctx, "reading browser cookies", "domain", Domain)

	// Firefox-family profiles outside kooky's default search paths.
	if cookies := s.firefoxProfiles(ctx); len(cookies) > 0 {
		return cookies, nil
	}

	kookies, err := kooky.ReadCookies(ctx, kooky.Valid, kooky.DomainHasSuffix(Domain))
	if err != nil {
		s.logger.Debug("failed to read browser cookies", "error", err)
		return nil, nil //nolint:nilnil // failed browser read is not fatal
	}
	if len(kookies) == 0 {
		return nil, nil //nolint:nilnil // no browser cookies is not an error
	}
	return s.filter(kookies), nil
}

func (s *BrowserSource) firefoxProfiles(ctx context.Context) map[string]string {
	if s.home == "" {
		return nil
	}
	patterns := []string{
		filepath.Join(s.home, ".mozilla", "firefox", "*", "cookies.sqlite"),
		filepath.Join(s.home, "Library", "Application Support", "Firefox", "Profiles", "*", "cookies.sqlite"),
		filepath.Join(s.home, "Library", "Application Support", "zen", "Profiles", "*", "cookies.sqlite"),
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, f := range matches {
			kookies, err := firefox.ReadCookies(ctx, f, kooky.Valid, kooky.DomainHasSuffix(Domain))
			if err != nil || len(kookies) == 0 {
				continue
			}
			s.logger.Debug("found firefox cookies", "profile", filepath.Base(filepath.Dir(f)), "count", len(kookies))
			return s.filter(kookies)
		}
	}
	return nil
}

// filter keeps only the session cookies and logs which are missing.
func (s *BrowserSource) filter(kookies []*kooky.Cookie) map[string]string {
	want := make(map[string]bool, len(sessionCookies))
	for _, name := range sessionCookies {
		want[name] = true
	}

	cookies := make(map[string]string)
	for _, c := range kookies {
		if want[c.Name] {
			cookies[c.Name] = c.Value
		}
	}

	var missing []string
	for _, name := range sessionCookies {
		if _, ok := cookies[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		s.logger.Info("browser cookies missing", "keys", missing)
	}
	return cookies
}
