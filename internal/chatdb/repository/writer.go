package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb/datasource"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/model"
)

const DefaultDedupWindow = 30

// Writer appends entries, dropping channel messages that another source logged
// recently. Each source remembers the hashes of its last window channel writes.
// The window lives in memory only, so a restart forgets it.
type Writer struct {
	ds       datasource.DataSource
	window   int
	observer metrics.Observer

	mu    sync.Mutex
	rings map[string]*hashRing
}

func NewWriter(ds datasource.DataSource, window int, observer metrics.Observer) *Writer {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Writer{
		ds:       ds,
		window:   window,
		observer: metrics.OrNop(observer),
		rings:    make(map[string]*hashRing),
	}
}

// Append writes entry for source. A dropped duplicate returns an empty id and no error.
func (w *Writer) Append(ctx context.Context, source string, entry *model.LogEntry) (model.MessageID, error) {
	source = strings.ToLower(source)
	if source == "" {
		source = strings.ToLower(entry.Character)
	}
	if !entry.Stream.IsChannel() {
		return w.ds.Append(ctx, entry)
	}

	h := contentHash(entry)
	w.mu.Lock()
	for other, ring := range w.rings {
		if other != source && ring.contains(h) {
			w.mu.Unlock()
			w.observer.RecordDedupDrop()
			log.Debug().Str("source", source).Str("duplicate_of", other).Str("stream", entry.Stream.String()).Msg("dropped duplicate channel message")
			return "", nil
		}
	}
	ring, ok := w.rings[source]
	if !ok {
		ring = newHashRing(w.window)
		w.rings[source] = ring
	}
	// Reserved before writing so a concurrent duplicate from another source sees it.
	slot := ring.push(h)
	w.mu.Unlock()

	id, err := w.ds.Append(ctx, entry)
	if err != nil {
		w.mu.Lock()
		ring.release(slot, h)
		w.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Forget drops the window of a source, e.g. when its session ends.
func (w *Writer) Forget(source string) {
	w.mu.Lock()
	delete(w.rings, strings.ToLower(source))
	w.mu.Unlock()
}

func contentHash(entry *model.LogEntry) uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte(strings.ToLower(entry.Stream.Name)))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write([]byte(strings.ToLower(entry.Message.Speaker)))
	_, _ = d.Write([]byte{0, byte(entry.Message.Type)})
	_, _ = d.Write([]byte(entry.Message.Text))
	return d.Sum64()
}

type hashSlot struct {
	hash uint64
	used bool
}

type hashRing struct {
	slots []hashSlot
	next  int
}

func newHashRing(size int) *hashRing {
	return &hashRing{slots: make([]hashSlot, size)}
}

func (r *hashRing) push(h uint64) int {
	i := r.next
	r.slots[i] = hashSlot{hash: h, used: true}
	r.next = (r.next + 1) % len(r.slots)
	return i
}

// release clears slot i unless it was reused meanwhile.
func (r *hashRing) release(i int, h uint64) {
	if r.slots[i].used && r.slots[i].hash == h {
		r.slots[i] = hashSlot{}
	}
}

func (r *hashRing) contains(h uint64) bool {
	for _, s := range r.slots {
		if s.used && s.hash == h {
			return true
		}
	}
	return false
}
