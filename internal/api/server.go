// Package api is the operator control surface: camera lifecycle, identity
// reload, manual bindings, recent activity and the live event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vigil/internal/auth"
	"vigil/internal/camera"
	"vigil/internal/events"
	"vigil/internal/identity"
	"vigil/internal/middleware"
	"vigil/internal/pipeline"
)

// Config configures the HTTP server
type Config struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

// Pipeline is the part of pipeline.Manager the API drives
type Pipeline interface {
	StartCamera(cameraID, source string, stride int) error
	StopCamera(cameraID string) error
	IsRunning(cameraID string) bool
	CameraStatus(cameraID string) (pipeline.CameraStatus, error)
	Status() []pipeline.CameraStatus
	Summary(now time.Time) events.Summary
	ReloadIdentityIndex(ctx context.Context) (*identity.Snapshot, error)
	BindTrack(ctx context.Context, cameraID string, trackID int, person string) error
	UnbindTrack(ctx context.Context, cameraID string, trackID int) error
}

// EventLoader reads stored event records
type EventLoader interface {
	Load(ctx context.Context, filter events.Filter) ([]events.Record, error)
}

// Check is a named readiness probe
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the server. Events, Stream and Checks are
// optional.
type Deps struct {
	Pipeline Pipeline
	Cameras  *camera.Registry
	Auth     *auth.Authenticator
	Events   EventLoader
	Stream   http.Handler
	Checks   []Check
	Logger   zerolog.Logger
}

// Server serves the control API
type Server struct {
	cfg      Config
	pipeline Pipeline
	cameras  *camera.Registry
	auth     *auth.Authenticator
	events   EventLoader
	stream   http.Handler
	checks   []Check
	log      zerolog.Logger
	now      func() time.Time
	engine   *gin.Engine
}

// NewServer builds the router
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		pipeline: deps.Pipeline,
		cameras:  deps.Cameras,
		auth:     deps.Auth,
		events:   deps.Events,
		stream:   deps.Stream,
		checks:   deps.Checks,
		log:      deps.Logger.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(s.log))

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.POST("/api/v1/auth/login", s.login)

	authMW := middleware.Auth(s.auth)

	v1 := r.Group("/api/v1", authMW)
	{
		v1.GET("/auth/status", s.authStatus)

		v1.GET("/cameras", s.listCameras)
		v1.POST("/cameras", s.createCamera)
		v1.GET("/cameras/:id", s.getCamera)
		v1.DELETE("/cameras/:id", s.deleteCamera)
		v1.POST("/cameras/:id/start", s.startCamera)
		v1.POST("/cameras/:id/stop", s.stopCamera)

		v1.GET("/status", s.status)
		v1.GET("/summary", s.summary)
		v1.GET("/events", s.listEvents)

		v1.POST("/identity/reload", s.reloadIdentity)

		v1.POST("/bindings", s.bindTrack)
		v1.DELETE("/bindings/:camera/:track", s.unbindTrack)
	}

	if s.stream != nil {
		ws := r.Group("/ws", authMW)
		ws.GET("/events", gin.WrapH(s.stream))
		ws.GET("/events/:camera", gin.WrapH(s.stream))
	}

	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http server shutdown")
		return err
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

func (s *Server) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrInvalidCamera), errors.Is(err, errInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, camera.ErrNotFound), errors.Is(err, pipeline.ErrCameraNotFound),
		errors.Is(err, pipeline.ErrUnknownPerson):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, camera.ErrExists), errors.Is(err, pipeline.ErrCameraExists):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, identity.ErrNoSource):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	case errors.Is(err, pipeline.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, errorResponse("shutting down"))
	default:
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{"data": data}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}
