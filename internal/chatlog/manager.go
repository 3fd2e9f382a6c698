package chatlog

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatlog/conf"
	"github.com/chatlogstore/chatlog/internal/chatlog/ctx"
	"github.com/chatlogstore/chatlog/internal/chatlog/http"
)

const closeTimeout = 10 * time.Second

// Manager 管理聊天日志服务
type Manager struct {
	ctx *ctx.Context

	registry *prometheus.Registry
	observer metrics.Observer

	// Services
	db   *chatdb.DB
	http *http.Service

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownReason string
}

func New(c *conf.Config) *Manager {
	return &Manager{
		ctx:        ctx.New(c),
		shutdownCh: make(chan struct{}),
	}
}

// Open opens the log store without starting the HTTP service.
func (m *Manager) Open() (*chatdb.DB, error) {
	if m.db != nil {
		return m.db, nil
	}
	if m.ctx.IsMetricsEnabled() && m.observer == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		observer, err := metrics.NewPrometheusObserver("chatlog", m.registry)
		if err != nil {
			return nil, err
		}
		m.observer = observer
	}

	db, err := chatdb.New(m.ctx.GetDataDir(), m.ctx.GetFormat(), chatdb.Options{
		DedupWindow: m.ctx.GetDedupWindow(),
		Watch:       m.ctx.IsWatch(),
		Observer:    m.observer,
	})
	if err != nil {
		return nil, err
	}
	db.SetCallback(func(event fsnotify.Event) error {
		log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("log store changed")
		return nil
	})
	m.db = db
	log.Info().Str("dir", m.ctx.GetDataDir()).Str("format", m.ctx.GetFormat()).Msg("log store opened")
	return db, nil
}

// Run serves the HTTP API until a signal or Shutdown.
func (m *Manager) Run() error {
	if err := m.StartService(); err != nil {
		m.stopService()
		return err
	}

	log.Info().Msg("Chatlog is running. Press Ctrl+C to exit.")
	m.waitForShutdown()
	return nil
}

func (m *Manager) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var reason string
	select {
	case sig := <-sigCh:
		reason = fmt.Sprintf("received signal %s", sig)
	case <-m.shutdownCh:
		reason = m.shutdownReason
		if reason == "" {
			reason = "shutdown requested"
		}
	}

	log.Info().Msgf("%s, shutting down", reason)

	if err := m.StopService(); err != nil {
		log.Warn().Err(err).Msg("failed to stop services during shutdown")
	}

	log.Info().Msg("Shutdown complete")
}

func (m *Manager) Shutdown(reason string) {
	m.shutdownOnce.Do(func() {
		m.shutdownReason = reason
		close(m.shutdownCh)
	})
}

func (m *Manager) StartService() error {

	// 按依赖顺序启动服务
	if _, err := m.Open(); err != nil {
		return err
	}

	var gatherer prometheus.Gatherer
	if m.registry != nil {
		gatherer = m.registry
	}
	m.http = http.NewService(m.ctx, m.db, gatherer)
	if err := m.http.Start(); err != nil {
		return err
	}

	m.ctx.SetHTTPEnabled(true)
	return nil
}

func (m *Manager) StopService() error {
	if err := m.stopService(); err != nil {
		return err
	}
	m.ctx.SetHTTPEnabled(false)
	return nil
}

func (m *Manager) stopService() error {
	// 按依赖的反序停止服务
	var errs []error

	if m.http != nil {
		if err := m.http.Stop(); err != nil {
			errs = append(errs, err)
		}
		m.http = nil
	}

	if err := m.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// Close releases the log store.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	c, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := m.db.Close(c)
	m.db = nil
	return err
}

func (m *Manager) SetHTTPAddr(text string) {
	m.ctx.SetHTTPAddr(text)
}

func (m *Manager) Context() *ctx.Context { return m.ctx }
