package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb"
	"github.com/chatlogstore/chatlog/internal/chatlog/ctx"
	"github.com/chatlogstore/chatlog/internal/errors"
)

type Service struct {
	conf     Config
	db       *chatdb.DB
	gatherer prometheus.Gatherer

	router *gin.Engine
	server *http.Server
}

type Config interface {
	GetHTTPAddr() string
	GetDataDir() string
	GetFormat() string
	IsMetricsEnabled() bool
	Snapshot() ctx.StatusInfo
}

// NewService builds the API router. A nil gatherer serves the default registry on /metrics.
func NewService(conf Config, db *chatdb.DB, gatherer prometheus.Gatherer) *Service {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if err := router.SetTrustedProxies(nil); err != nil {
		log.Err(err).Msg("Failed to set trusted proxies")
	}

	corsConf := cors.DefaultConfig()
	corsConf.AllowAllOrigins = true
	corsConf.AddAllowHeaders(errors.RequestIDHeader)
	corsConf.AddExposeHeaders(errors.RequestIDHeader)

	router.Use(
		errors.RecoveryMiddleware(),
		errors.ErrorHandlerMiddleware(),
		errors.RequestIDMiddleware(),
		gin.LoggerWithWriter(log.Logger, "/health", "/metrics"),
		cors.New(corsConf),
	)

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Service{
		conf:     conf,
		db:       db,
		gatherer: gatherer,
		router:   router,
	}

	s.initRouter()
	return s
}

func (s *Service) Start() error {

	s.server = &http.Server{
		Addr:              s.conf.GetHTTPAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Err(err).Msg("Failed to start HTTP server")
		}
	}()

	log.Info().Msg("Starting HTTP server on " + s.conf.GetHTTPAddr())

	return nil
}

func (s *Service) ListenAndServe() error {

	s.server = &http.Server{
		Addr:              s.conf.GetHTTPAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Msg("Starting HTTP server on " + s.conf.GetHTTPAddr())
	return s.server.ListenAndServe()
}

func (s *Service) Stop() error {

	if s.server == nil {
		return nil
	}

	// 使用超时上下文优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to shutdown HTTP server")
		return nil
	}

	log.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Service) GetRouter() *gin.Engine {
	return s.router
}
