// Package server exposes sign-in and reconciliation over HTTP.
//
// Public routes are scoped by voter device id. Admin routes require an HS256
// bearer token signed with the configured secret.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/reconcile"
	"github.com/codeGROOVE-dev/xlink/pkg/repair"
	"github.com/codeGROOVE-dev/xlink/pkg/signin"
	"github.com/codeGROOVE-dev/xlink/pkg/twitter"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SignIn is the handshake surface the public routes drive.
type SignIn interface {
	Start(ctx context.Context, deviceID, returnURL, platform string) (string, error)
	Callback(ctx context.Context, deviceID, requestToken, verifier string) (identity.Session, error)
	Native(ctx context.Context, deviceID, accessToken, accessSecret string) (identity.Session, error)
	Complete(ctx context.Context, deviceID string) (signin.Result, error)
	Retrieve(ctx context.Context, deviceID string) (signin.WhoAmI, bool, error)
	Identity(ctx context.Context, handle string) (signin.Owner, error)
}

// Reconciler is the batch surface the admin routes drive.
type Reconciler interface {
	Match(ctx context.Context, kind identity.Kind) reconcile.Batch
	Refresh(ctx context.Context, kind identity.Kind) reconcile.Batch
	Promote(ctx context.Context, kind identity.Kind, key string, externalID int64) (reconcile.Promotion, error)
	Reject(ctx context.Context, kind identity.Kind, key string, externalID int64) error
	Discard(ctx context.Context, kind identity.Kind, key string) (int, error)
	RateLimits(ctx context.Context) ([]twitter.RateLimit, error)
}

// Repairer sweeps link conflicts.
type Repairer interface {
	Sweep(ctx context.Context, kind identity.Kind, ids []int64) ([]repair.Report, error)
}

// Server routes HTTP requests to the sign-in controller and the scheduler.
type Server struct {
	signin    SignIn
	reconcile Reconciler
	repair    Repairer
	logger    *slog.Logger
	secret    []byte
	origins   []string
	engine    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCORSOrigins allows browser requests from origins.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New builds the router. jwtSecret signs admin bearer tokens and must not be empty.
func New(si SignIn, rc Reconciler, rp Repairer, jwtSecret []byte, opts ...Option) (*Server, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("server: empty jwt secret")
	}
	s := &Server{
		signin:    si,
		reconcile: rc,
		repair:    rp,
		logger:    slog.Default(),
		secret:    jwtSecret,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.origins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.routes(r)
	s.engine = r
	return s, nil
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	v1 := r.Group("/v1")
	{
		v1.GET("/twitterSignInStart", s.signInStart)
		v1.GET("/twitterSignInRequestAccessToken", s.signInCallback)
		v1.GET("/twitterSignInRequestVoterInfo", s.signInVoterInfo)
		v1.POST("/twitterNativeSignInSave", s.nativeSignIn)
		v1.GET("/twitterSignInRetrieve", s.signInRetrieve)
		v1.GET("/twitterIdentityRetrieve", s.identityRetrieve)
	}

	admin := v1.Group("/admin")
	admin.Use(JWTMiddleware(s.secret))
	{
		admin.POST("/reconcile/:kind", s.match)
		admin.POST("/refresh/:kind", s.refresh)
		admin.POST("/repair/:kind", s.sweep)
		admin.POST("/candidates/:key/promote", s.promote)
		admin.POST("/candidates/:key/reject", s.reject)
		admin.DELETE("/candidates/:key", s.discard)
		admin.GET("/ratelimits", s.rateLimits)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// requestLogger logs one line per request. Query strings carry OAuth tokens and
// are left out.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
