package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/codeGROOVE-dev/xlink/pkg/reconcile"
	"github.com/codeGROOVE-dev/xlink/pkg/repair"
	"github.com/codeGROOVE-dev/xlink/pkg/signin"
	"github.com/gin-gonic/gin"
)

var errBadRequest = errors.New("bad request")

// statusFor maps a domain error to an HTTP status and what the client should do next.
func statusFor(err error) (code int, action string) {
	switch {
	case errors.Is(err, signin.ErrRetry), profile.Retryable(err):
		return http.StatusServiceUnavailable, "retry"
	case errors.Is(err, signin.ErrRestart), errors.Is(err, signin.ErrTokenMismatch), errors.Is(err, signin.ErrAlreadyClaimed):
		return http.StatusConflict, "restart"
	case errors.Is(err, signin.ErrAlreadyLinked):
		return http.StatusConflict, ""
	case errors.Is(err, signin.ErrUnknownDevice), errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, profile.ErrSuspended), errors.Is(err, reconcile.ErrNoCandidate):
		return http.StatusNotFound, ""
	case errors.Is(err, profile.ErrMalformedInput), errors.Is(err, link.ErrInvalid), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "retry"
	default:
		return http.StatusInternalServerError, ""
	}
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	code, action := statusFor(err)
	body := gin.H{"err": err.Error()}
	if action != "" {
		body["action"] = action
	}
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), op+" failed", "status", code, "error", err)
	} else {
		s.logger.InfoContext(c.Request.Context(), op+" refused", "status", code, "error", err)
	}
	c.JSON(code, body)
}

func (s *Server) signInStart(c *gin.Context) {
	authURL, err := s.signin.Start(c.Request.Context(), c.Query("voter_device_id"), c.Query("return_url"), c.Query("platform"))
	if err != nil {
		s.fail(c, "sign-in start", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"twitter_redirect_url": authURL})
}

// signInCallback is where the external network sends the browser back. Repeating
// it after a retryable failure resumes the handshake.
func (s *Server) signInCallback(c *gin.Context) {
	device := c.Query("voter_device_id")
	if c.Query("denied") != "" {
		s.fail(c, "sign-in callback", fmt.Errorf("%w: authorization denied", signin.ErrRestart))
		return
	}
	if _, err := s.signin.Callback(c.Request.Context(), device, c.Query("oauth_token"), c.Query("oauth_verifier")); err != nil {
		s.fail(c, "sign-in callback", err)
		return
	}
	s.complete(c, device)
}

// signInVoterInfo runs only the last leg, for a device whose access token is
// already stored.
func (s *Server) signInVoterInfo(c *gin.Context) {
	s.complete(c, c.Query("voter_device_id"))
}

// complete links the account and sends the browser to the return URL recorded
// when the handshake started, or answers with JSON when there is none.
func (s *Server) complete(c *gin.Context, device string) {
	res, err := s.signin.Complete(c.Request.Context(), device)
	if err != nil {
		s.fail(c, "sign-in complete", err)
		return
	}
	if ret := res.Session.ReturnURL; ret != "" {
		c.Redirect(http.StatusFound, ret)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) nativeSignIn(c *gin.Context) {
	var req struct {
		DeviceID     string `json:"voter_device_id" binding:"required"`
		AccessToken  string `json:"access_token" binding:"required"`
		AccessSecret string `json:"access_secret" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "native sign-in", fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.signin.Native(ctx, req.DeviceID, req.AccessToken, req.AccessSecret); err != nil {
		s.fail(c, "native sign-in", err)
		return
	}
	res, err := s.signin.Complete(ctx, req.DeviceID)
	if err != nil {
		s.fail(c, "native sign-in complete", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) signInRetrieve(c *gin.Context) {
	who, ok, err := s.signin.Retrieve(c.Request.Context(), c.Query("voter_device_id"))
	if err != nil {
		s.fail(c, "sign-in retrieve", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"err": "no sign-in for this device"})
		return
	}
	c.JSON(http.StatusOK, who)
}

func (s *Server) identityRetrieve(c *gin.Context) {
	owner, err := s.signin.Identity(c.Request.Context(), c.Query("twitter_handle"))
	if err != nil {
		s.fail(c, "identity retrieve", err)
		return
	}
	c.JSON(http.StatusOK, owner)
}

func kindParam(raw string) (identity.Kind, error) {
	k := identity.Kind(raw)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", errBadRequest, raw)
	}
	return k, nil
}

func (s *Server) match(c *gin.Context) {
	s.batch(c, "match", func(ctx context.Context, k identity.Kind) reconcile.Batch { return s.reconcile.Match(ctx, k) })
}

func (s *Server) refresh(c *gin.Context) {
	s.batch(c, "refresh", func(ctx context.Context, k identity.Kind) reconcile.Batch { return s.reconcile.Refresh(ctx, k) })
}

// batch runs one batch. A batch that processed something reports its error in
// the body with 200 so the operator sees the partial progress.
func (s *Server) batch(c *gin.Context, op string, run func(context.Context, identity.Kind) reconcile.Batch) {
	kind, err := kindParam(c.Param("kind"))
	if err != nil {
		s.fail(c, op, err)
		return
	}
	s.logger.InfoContext(c.Request.Context(), op+" requested", "kind", kind, "operator", c.GetString(operatorKey))
	b := run(c.Request.Context(), kind)
	if b.Err != nil && b.Processed == 0 {
		s.fail(c, op, b.Err)
		return
	}
	body := gin.H{"batch": b}
	if b.Err != nil {
		body["err"] = b.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) sweep(c *gin.Context) {
	kind, err := kindParam(c.Param("kind"))
	if err != nil {
		s.fail(c, "repair", err)
		return
	}
	var req struct {
		IDs []int64 `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "repair", fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	s.logger.InfoContext(c.Request.Context(), "repair requested", "kind", kind, "ids", len(req.IDs), "operator", c.GetString(operatorKey))
	reports, err := s.repair.Sweep(c.Request.Context(), kind, req.IDs)
	if err != nil && len(reports) == 0 {
		s.fail(c, "repair", err)
		return
	}
	body := gin.H{"reports": reports}
	if err != nil {
		body["err"] = err.Error()
		if errors.Is(err, repair.ErrInvariant) {
			s.logger.ErrorContext(c.Request.Context(), "link invariant violated during sweep", "kind", kind, "error", err)
		}
	}
	c.JSON(http.StatusOK, body)
}

type candidateRequest struct {
	Kind      string `json:"kind" binding:"required"`
	TwitterID int64  `json:"twitter_id" binding:"required"`
}

func (s *Server) bindCandidate(c *gin.Context) (identity.Kind, int64, error) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", 0, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	kind, err := kindParam(req.Kind)
	if err != nil {
		return "", 0, err
	}
	return kind, req.TwitterID, nil
}

func (s *Server) promote(c *gin.Context) {
	kind, id, err := s.bindCandidate(c)
	if err != nil {
		s.fail(c, "promote", err)
		return
	}
	pr, err := s.reconcile.Promote(c.Request.Context(), kind, c.Param("key"), id)
	if err != nil {
		s.fail(c, "promote", err)
		return
	}
	if pr.Link != nil && !pr.Link.OK() {
		c.JSON(http.StatusConflict, gin.H{"err": "account is linked to another owner", "promotion": pr})
		return
	}
	s.logger.InfoContext(c.Request.Context(), "promoted", "kind", kind, "key", c.Param("key"), "twitter_id", id, "operator", c.GetString(operatorKey))
	c.JSON(http.StatusOK, pr)
}

func (s *Server) reject(c *gin.Context) {
	kind, id, err := s.bindCandidate(c)
	if err != nil {
		s.fail(c, "reject", err)
		return
	}
	if err := s.reconcile.Reject(c.Request.Context(), kind, c.Param("key"), id); err != nil {
		s.fail(c, "reject", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) discard(c *gin.Context) {
	kind, err := kindParam(c.Query("kind"))
	if err != nil {
		s.fail(c, "discard", err)
		return
	}
	n, err := s.reconcile.Discard(c.Request.Context(), kind, c.Param("key"))
	if err != nil {
		s.fail(c, "discard", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) rateLimits(c *gin.Context) {
	limits, err := s.reconcile.RateLimits(c.Request.Context())
	if err != nil {
		s.fail(c, "rate limits", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}
