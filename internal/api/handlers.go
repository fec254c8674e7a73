package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vigil/internal/auth"
	"vigil/internal/camera"
	"vigil/internal/events"
	"vigil/internal/middleware"
	"vigil/internal/pipeline"
)

var errInvalidInput = errors.New("invalid input")

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, chk := range s.checks {
		if err := chk.Check(ctx); err != nil {
			failed[chk.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		c.JSON(http.StatusNotFound, errorResponse("authentication is disabled"))
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.log.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("failed login")
		c.JSON(http.StatusUnauthorized, errorResponse("invalid username or password"))
		return
	case err != nil:
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt.Unix()})
}

func (s *Server) authStatus(c *gin.Context) {
	resp := gin.H{"enabled": s.auth.IsEnabled(), "authenticated": false}
	if claims := middleware.User(c); claims != nil {
		resp["authenticated"] = true
		resp["username"] = claims.Username
	}
	c.JSON(http.StatusOK, resp)
}

// cameraView joins a registry entry with its runtime status
type cameraView struct {
	camera.Camera
	Running bool                   `json:"running"`
	Status  *pipeline.CameraStatus `json:"status,omitempty"`
}

func (s *Server) view(cam camera.Camera) cameraView {
	v := cameraView{Camera: cam}
	if st, err := s.pipeline.CameraStatus(cam.ID); err == nil {
		v.Running = true
		v.Status = &st
	}
	return v
}

func (s *Server) listCameras(c *gin.Context) {
	cams := s.cameras.List()
	out := make([]cameraView, 0, len(cams))
	for _, cam := range cams {
		out = append(out, s.view(cam))
	}
	c.JSON(http.StatusOK, successResponse(out))
}

func (s *Server) getCamera(c *gin.Context) {
	cam, err := s.cameras.Get(c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(s.view(cam)))
}

func (s *Server) createCamera(c *gin.Context) {
	var cam camera.Camera
	if err := c.ShouldBindJSON(&cam); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := cam.Validate(); err != nil {
		s.handleError(c, err)
		return
	}
	if !camera.SourceExists(cam.Source) {
		s.handleError(c, fmt.Errorf("%w: source %s is not accessible", camera.ErrInvalidCamera, cam.Source))
		return
	}
	if err := s.cameras.Add(cam); err != nil {
		s.handleError(c, err)
		return
	}

	if cam.Enabled {
		if err := s.pipeline.StartCamera(cam.ID, cam.Source, cam.Stride); err != nil {
			s.handleError(c, err)
			return
		}
	}
	s.log.Info().Str("camera_id", cam.ID).Bool("started", cam.Enabled).Msg("camera added")
	c.JSON(http.StatusCreated, successResponse(s.view(cam)))
}

func (s *Server) deleteCamera(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.cameras.Get(id); err != nil {
		s.handleError(c, err)
		return
	}
	if err := s.pipeline.StopCamera(id); err != nil && !errors.Is(err, pipeline.ErrCameraNotFound) {
		s.handleError(c, err)
		return
	}
	if err := s.cameras.Remove(id); err != nil {
		s.handleError(c, err)
		return
	}
	s.log.Info().Str("camera_id", id).Msg("camera removed")
	c.Status(http.StatusNoContent)
}

func (s *Server) startCamera(c *gin.Context) {
	cam, err := s.cameras.Get(c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	if err := s.pipeline.StartCamera(cam.ID, cam.Source, cam.Stride); err != nil {
		s.handleError(c, err)
		return
	}
	if err := s.cameras.SetEnabled(cam.ID, true); err != nil {
		s.log.Warn().Err(err).Str("camera_id", cam.ID).Msg("persist camera enabled flag")
	}
	cam.Enabled = true
	c.JSON(http.StatusOK, successResponse(s.view(cam)))
}

func (s *Server) stopCamera(c *gin.Context) {
	cam, err := s.cameras.Get(c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	if err := s.pipeline.StopCamera(cam.ID); err != nil {
		s.handleError(c, err)
		return
	}
	if err := s.cameras.SetEnabled(cam.ID, false); err != nil {
		s.log.Warn().Err(err).Str("camera_id", cam.ID).Msg("persist camera enabled flag")
	}
	cam.Enabled = false
	c.JSON(http.StatusOK, successResponse(s.view(cam)))
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(s.pipeline.Status()))
}

func (s *Server) summary(c *gin.Context) {
	sum := s.pipeline.Summary(s.now())
	c.JSON(http.StatusOK, gin.H{"data": sum, "text": sum.String()})
}

func (s *Server) listEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusNotImplemented, errorResponse("event log not configured"))
		return
	}

	filter, err := parseFilter(c)
	if err != nil {
		s.handleError(c, err)
		return
	}

	recs, err := s.events.Load(c.Request.Context(), filter)
	if err != nil {
		s.handleError(c, err)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	c.JSON(http.StatusOK, successResponse(recs))
}

func parseFilter(c *gin.Context) (events.Filter, error) {
	f := events.Filter{
		CameraID: strings.TrimSpace(c.Query("camera")),
		Limit:    defaultEventLimit,
	}

	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("%w: limit must be a positive integer", errInvalidInput)
		}
		f.Limit = min(n, maxEventLimit)
	}

	var err error
	if f.Since, err = parseTime(c.Query("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(c.Query("until")); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, fmt.Errorf("%w: until is before since", errInvalidInput)
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps and durations relative to now
// ("15m" means 15 minutes ago).
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return time.Now().UTC().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("%w: bad time %q", errInvalidInput, v)
}

func (s *Server) reloadIdentity(c *gin.Context) {
	snap, err := s.pipeline.ReloadIdentityIndex(c.Request.Context())
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version(),
		"persons":   snap.Len(),
		"loaded_at": snap.LoadedAt(),
	})
}

type bindRequest struct {
	CameraID string `json:"camera_id" binding:"required"`
	TrackID  int    `json:"track_id" binding:"required,gt=0"`
	Person   string `json:"person" binding:"required"`
}

func (s *Server) bindTrack(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := s.pipeline.BindTrack(c.Request.Context(), req.CameraID, req.TrackID, req.Person); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(req))
}

func (s *Server) unbindTrack(c *gin.Context) {
	trackID, err := strconv.Atoi(c.Param("track"))
	if err != nil {
		s.handleError(c, fmt.Errorf("%w: track must be an integer", errInvalidInput))
		return
	}
	if err := s.pipeline.UnbindTrack(c.Request.Context(), c.Param("camera"), trackID); err != nil {
		s.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
