package ctx

import (
	"sync"
	"time"

	"github.com/chatlogstore/chatlog/internal/chatlog/conf"
)

// Context holds the runtime state of a chatlog instance on top of its configuration.
type Context struct {
	conf *conf.Config
	mu   sync.RWMutex

	// 存储相关状态
	DataDir     string
	Format      string
	DedupWindow int
	Watch       bool

	// HTTP服务相关状态
	HTTPEnabled bool
	HTTPAddr    string
	Metrics     bool

	StartedAt time.Time
	Status    string
}

func New(c *conf.Config) *Context {
	ctx := &Context{conf: c}
	ctx.loadConfig()
	return ctx
}

func (c *Context) loadConfig() {
	c.DataDir = c.conf.DataDir
	c.Format = c.conf.Format
	c.DedupWindow = c.conf.DedupWindow
	c.Watch = c.conf.Watch
	c.HTTPAddr = c.conf.HTTPAddr
	c.Metrics = c.conf.Metrics
	c.Status = "stopped"
}

func (c *Context) GetDataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DataDir
}

func (c *Context) GetFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Format
}

func (c *Context) GetDedupWindow() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DedupWindow
}

func (c *Context) IsWatch() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Watch
}

func (c *Context) GetHTTPAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.HTTPAddr == "" {
		return conf.DefaultHTTPAddr
	}
	return c.HTTPAddr
}

func (c *Context) IsHTTPEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.HTTPEnabled
}

func (c *Context) IsMetricsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Metrics
}

func (c *Context) SetHTTPEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HTTPEnabled == enabled {
		return
	}
	c.HTTPEnabled = enabled
	if enabled {
		c.StartedAt = time.Now()
		c.Status = "running"
	} else {
		c.Status = "stopped"
	}
}

func (c *Context) SetHTTPAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HTTPAddr = conf.NormalizeHTTPAddr(addr)
}

// StatusInfo is a point-in-time copy of the runtime state.
type StatusInfo struct {
	DataDir     string    `json:"data_dir"`
	Format      string    `json:"format"`
	HTTPAddr    string    `json:"http_addr"`
	HTTPEnabled bool      `json:"http_enabled"`
	DedupWindow int       `json:"dedup_window"`
	Watch       bool      `json:"watch"`
	StartedAt   time.Time `json:"started_at"`
	Status      string    `json:"status"`
}

func (c *Context) Snapshot() StatusInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StatusInfo{
		DataDir:     c.DataDir,
		Format:      c.Format,
		HTTPAddr:    c.HTTPAddr,
		HTTPEnabled: c.HTTPEnabled,
		DedupWindow: c.DedupWindow,
		Watch:       c.Watch,
		StartedAt:   c.StartedAt,
		Status:      c.Status,
	}
}
