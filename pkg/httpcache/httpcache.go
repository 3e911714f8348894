// Package httpcache caches external API responses, paces requests per host,
// and retries transient failures once.
package httpcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/codeGROOVE-dev/retry"
	"github.com/codeGROOVE-dev/sfcache"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/localfs"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/null"
	"golang.org/x/time/rate"
)

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// errorPrefix marks a cached definitive error response.
var errorPrefix = []byte("ERROR:")

// Cacher allows callers to share or replace the cache implementation.
type Cacher interface {
	GetSet(ctx context.Context, key string, fetch func(context.Context) ([]byte, error), ttl ...time.Duration) ([]byte, error)
	TTL() time.Duration
}

// Cache wraps sfcache for response caching.
type Cache struct {
	*sfcache.TieredCache[string, []byte]

	ttl time.Duration
}

// New creates a Cache persisted under dir. An empty dir uses the user cache directory.
func New(ttl time.Duration, dir string) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		dir = filepath.Join(base, "xlink")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	persist, err := localfs.New[string, []byte]("xlink", dir)
	if err != nil {
		return nil, fmt.Errorf("create persistence layer: %w", err)
	}

	tc, err := sfcache.NewTiered[string, []byte](persist, sfcache.TTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cache{TieredCache: tc, ttl: ttl}, nil
}

// NewNull creates a Cache that never stores anything.
func NewNull() *Cache {
	tc, err := sfcache.NewTiered[string, []byte](null.New[string, []byte]())
	if err != nil {
		panic("sfcache.NewTiered with null store: " + err.Error())
	}
	return &Cache{TieredCache: tc}
}

// TTL returns the default TTL for cache entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Key hashes the given parts into a cache key.
func Key(parts ...string) string {
	h := xxhash.NewS64(0)
	for _, p := range parts {
		h.Write([]byte(p)) //nolint:errcheck // hash writes never fail
		h.Write([]byte{0}) //nolint:errcheck // hash writes never fail
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// HTTPError is a non-200 response. Body holds the (truncated) response body
// so callers can decode API error codes.
type HTTPError struct {
	URL        string
	Body       []byte
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}

// Definitive reports whether the response will not change on retry, and so may be cached.
func (e *HTTPError) Definitive() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// Pacer spaces out requests per host.
type Pacer struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	every    time.Duration
}

// NewPacer allows one request per host every interval. Zero disables pacing.
func NewPacer(every time.Duration) *Pacer {
	return &Pacer{every: every, limiters: map[string]*rate.Limiter{}}
}

// Wait blocks until a request to host may proceed.
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil || p.every <= 0 {
		return nil
	}
	p.mu.Lock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.every), 1)
		p.limiters[host] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}

// Stats tracks cache hit/miss counts.
type Stats struct {
	Hits   int64
	Misses int64
}

// Fetcher performs paced, retried, optionally cached requests.
type Fetcher struct {
	client *http.Client
	cache  Cacher
	pacer  *Pacer
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewFetcher creates a Fetcher. cache and pacer may be nil.
func NewFetcher(client *http.Client, cache Cacher, pacer *Pacer, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, cache: cache, pacer: pacer, logger: logger}
}

// Stats returns the cache statistics for this fetcher.
func (f *Fetcher) Stats() Stats {
	return Stats{Hits: f.hits.Load(), Misses: f.misses.Load()}
}

// Fetch performs a GET through the cache. Successful bodies and definitive
// error responses are cached; rate limits, 5xx and network errors are not.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request, ttl time.Duration) ([]byte, error) {
	if f.cache == nil || req.Method != http.MethodGet {
		f.misses.Add(1)
		return f.Do(ctx, req)
	}

	var fetched bool
	data, err := f.cache.GetSet(ctx, Key(req.Method, req.URL.String()), func(ctx context.Context) ([]byte, error) {
		fetched = true
		f.misses.Add(1)
		f.logger.DebugContext(ctx, "cache miss", "url", req.URL.String())
		body, err := f.Do(ctx, req)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.Definitive() {
				return encodeError(httpErr), nil
			}
			return nil, err
		}
		return body, nil
	}, ttl)
	if err != nil {
		return nil, err
	}
	if !fetched {
		f.hits.Add(1)
		f.logger.DebugContext(ctx, "cache hit", "url", req.URL.String())
	}

	if httpErr := decodeError(data, req.URL.String()); httpErr != nil {
		return nil, httpErr
	}
	return data, nil
}

// Do performs the request without caching, retrying once on transient failure.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			if err := f.pacer.Wait(ctx, req.URL.Host); err != nil {
				return nil, err
			}

			r := req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				r.Body = body
			}

			resp, err := f.client.Do(r)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close() //nolint:errcheck // intentional

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String(), Body: body}
			}
			return body, nil
		},
		retry.Context(ctx),
		retry.Attempts(2),                     // single retry
		retry.Delay(200*time.Millisecond),     // delay before retry
		retry.MaxJitter(100*time.Millisecond), // small jitter
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			f.logger.DebugContext(ctx, "retrying HTTP request", "attempt", n+1, "url", req.URL.String(), "error", err)
		}),
	)
}

// IsRetryable reports whether err is a transient failure worth one more attempt.
// Rate limits are not retried: another request only burns more quota.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	// Network errors and timeouts.
	return true
}

func encodeError(e *HTTPError) []byte {
	out := fmt.Appendf(nil, "%s%d:", errorPrefix, e.StatusCode)
	return append(out, e.Body...)
}

func decodeError(data []byte, rawURL string) *HTTPError {
	rest, ok := bytes.CutPrefix(data, errorPrefix)
	if !ok {
		return nil
	}
	code, body, ok := bytes.Cut(rest, []byte(":"))
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(string(code))
	if err != nil {
		return nil
	}
	return &HTTPError{StatusCode: n, URL: rawURL, Body: body}
}
