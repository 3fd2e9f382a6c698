package msgstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ScanFunc lists the stores below root.
type ScanFunc func(root string) ([]*Store, error)

// Catalog caches the store listing of a log root. The cache is dropped when the
// owning engine creates a shard and, once Watch is called, whenever files appear
// or disappear below root.
type Catalog struct {
	root string
	scan ScanFunc

	mu     sync.RWMutex
	stores []*Store
	byID   map[string]*Store
	valid  bool
	gen    uint64

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	callbacks []func(event fsnotify.Event) error
	done      chan struct{}
}

func NewCatalog(root string, scan ScanFunc) *Catalog {
	return &Catalog{root: root, scan: scan}
}

func (c *Catalog) Root() string { return c.root }

// Stores returns copies of every store, sorted by id.
func (c *Catalog) Stores(ctx context.Context) ([]*Store, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Store, len(c.stores))
	for i, s := range c.stores {
		out[i] = s.Clone()
	}
	return out, nil
}

// Keys returns the ids of every store.
func (c *Catalog) Keys(ctx context.Context) ([]string, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, len(c.stores))
	for i, s := range c.stores {
		keys[i] = s.ID
	}
	return keys, nil
}

func (c *Catalog) Lookup(ctx context.Context, id string) (*Store, bool, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s.Clone(), ok, nil
}

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

func (c *Catalog) refresh(ctx context.Context) error {
	c.mu.RLock()
	valid, gen := c.valid, c.gen
	c.mu.RUnlock()
	if valid {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stores, err := c.scan(c.root)
	if err != nil {
		return err
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].ID < stores[j].ID })
	byID := make(map[string]*Store, len(stores))
	for _, s := range stores {
		byID[s.ID] = s
	}

	c.mu.Lock()
	c.stores, c.byID = stores, byID
	// An invalidation during the scan keeps the listing stale.
	c.valid = c.gen == gen
	c.mu.Unlock()
	log.Debug().Str("root", c.root).Int("stores", len(stores)).Msg("log store catalog refreshed")
	return nil
}

// AddCallback registers fn to run on every file event below root.
func (c *Catalog) AddCallback(fn func(event fsnotify.Event) error) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Watch starts watching root and all its subdirectories.
func (c *Catalog) Watch() error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addTree(w, c.root); err != nil {
		w.Close()
		return err
	}
	c.watcher = w
	c.done = make(chan struct{})
	go c.loop(w, c.done)
	return nil
}

func (c *Catalog) loop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			c.handle(w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Err(err).Str("root", c.root).Msg("log store watcher error")
		}
	}
}

func (c *Catalog) handle(w *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			if err := addTree(w, event.Name); err != nil {
				log.Err(err).Msgf("Failed to watch %s", event.Name)
			}
		}
	}
	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		c.Invalidate()
	}

	c.watchMu.Lock()
	callbacks := append([]func(fsnotify.Event) error(nil), c.callbacks...)
	c.watchMu.Unlock()
	for _, fn := range callbacks {
		if err := fn(event); err != nil {
			log.Err(err).Msgf("log store callback failed: %s", event.Name)
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	c.watchMu.Lock()
	w, done := c.watcher, c.done
	c.watcher = nil
	c.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
