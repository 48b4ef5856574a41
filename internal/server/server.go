// Package server exposes the radio control plane over a small admin HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/radioctl/internal/auth"
	"github.com/danmuck/radioctl/internal/observability"
	"github.com/danmuck/radioctl/internal/twt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Controller is the TWT surface the admin API drives.
type Controller interface {
	Role() twt.Role
	Agreements() []twt.AgreementInfo
	Buckets() []twt.BucketInfo
	Outbox() []twt.PendingFrame
	Stations() int
	Execute(cmd twt.LocalCommand) error
}

type Options struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// Auth guards the /twt routes when set.
	Auth auth.Validator
}

type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	ctl    Controller
	auth   auth.Validator
	router *gin.Engine
	logger zerolog.Logger
}

func New(opts Options, ctl Controller) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	logger := observability.ComponentLogger("server", opts.Name)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(opts.Name, logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     opts.Name,
		Addr:     opts.Addr,
		Appeared: time.Now(),
		ctl:      ctl,
		auth:     opts.Auth,
		router:   r,
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("server.Serve listening addr=%s", s.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// requireToken checks a bearer token against the configured validator.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		if err := auth.Authorize(s.auth, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
