package swarm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/errors"
)

type fakeShard struct {
	key      string
	closeErr error
	closed   atomic.Bool
}

func (f *fakeShard) Key() string { return f.key }

func (f *fakeShard) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

type fakeDisk struct {
	mu      sync.Mutex
	exists  map[string]bool
	opens   atomic.Int32
	release chan struct{}
	failKey string
	shards  []*fakeShard
}

func newFakeDisk(keys ...string) *fakeDisk {
	d := &fakeDisk{exists: make(map[string]bool)}
	for _, k := range keys {
		d.exists[k] = true
	}
	return d
}

func (d *fakeDisk) open(ctx context.Context, key string, create bool) (*fakeShard, error) {
	d.opens.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.exists[key] {
		if !create {
			return nil, os.ErrNotExist
		}
		d.exists[key] = true
	}
	sh := &fakeShard{key: key}
	if key == d.failKey {
		sh.closeErr = fmt.Errorf("close %s", key)
	}
	d.shards = append(d.shards, sh)
	return sh, nil
}

func (d *fakeDisk) list(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.exists))
	for k := range d.exists {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestGetOrOpenMissingShard(t *testing.T) {
	s := New[*fakeShard]("test", newFakeDisk().open)
	_, err := s.GetOrOpen(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrShardNotFound))
	assert.Equal(t, 0, s.Len())
}

func TestGetOrCreateCachesHandle(t *testing.T) {
	disk := newFakeDisk()
	s := New[*fakeShard]("test", disk.open)
	ctx := context.Background()

	a, err := s.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	b, err := s.GetOrOpen(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, int32(1), disk.opens.Load())
}

func TestConcurrentOpensShareOneFlight(t *testing.T) {
	disk := newFakeDisk("a")
	disk.release = make(chan struct{})
	s := New[*fakeShard]("test", disk.open)

	const callers = 16
	results := make([]*fakeShard, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sh, err := s.GetOrOpen(context.Background(), "a")
			assert.NoError(t, err)
			results[i] = sh
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(disk.release)
	wg.Wait()

	assert.Equal(t, int32(1), disk.opens.Load())
	for _, sh := range results {
		assert.Same(t, results[0], sh)
	}
}

func TestWaitingCallerHonoursContext(t *testing.T) {
	disk := newFakeDisk("a")
	disk.release = make(chan struct{})
	s := New[*fakeShard]("test", disk.open)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.GetOrOpen(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(disk.release)
	sh, err := s.GetOrOpen(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", sh.Key())
}

func TestEnumerateAllAppliesFilter(t *testing.T) {
	disk := newFakeDisk("a", "b", "c")
	s := New[*fakeShard]("test", disk.open, WithLister(disk.list))

	var keys []string
	for sh, err := range s.EnumerateAll(context.Background(), func(k string) bool { return k != "b" }) {
		require.NoError(t, err)
		keys = append(keys, sh.Key())
	}
	assert.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestCloseContinuesPastFailures(t *testing.T) {
	disk := newFakeDisk("a", "b", "c")
	disk.failKey = "b"
	s := New[*fakeShard]("test", disk.open)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.GetOrOpen(ctx, k)
		require.NoError(t, err)
	}

	err := s.Close(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close b")
	for _, sh := range disk.shards {
		assert.True(t, sh.closed.Load(), sh.key)
	}

	_, err = s.GetOrOpen(ctx, "a")
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
	assert.NoError(t, s.Close(ctx))
}

func TestCloseCancelsInFlightOpen(t *testing.T) {
	disk := newFakeDisk("a")
	disk.release = make(chan struct{})
	s := New[*fakeShard]("test", disk.open)

	errc := make(chan error, 1)
	go func() {
		_, err := s.GetOrOpen(context.Background(), "a")
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
	err := <-errc
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}
