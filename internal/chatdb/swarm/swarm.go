package swarm

import (
	"context"
	"fmt"
	"iter"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/errors"
)

// Shard is an open storage unit owned by a Swarm.
type Shard interface {
	Key() string
	Close() error
}

// Opener opens the shard behind key. With create false a missing shard must be
// reported with an error matching os.ErrNotExist.
type Opener[S Shard] func(ctx context.Context, key string, create bool) (S, error)

// Lister returns the keys of every shard that exists on disk.
type Lister func(ctx context.Context) ([]string, error)

type Option func(*options)

type options struct {
	lister   Lister
	observer metrics.Observer
}

func WithLister(l Lister) Option {
	return func(o *options) { o.lister = l }
}

func WithObserver(obs metrics.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Swarm is the registry of open shard handles of one log root. Handles stay
// open until Close.
type Swarm[S Shard] struct {
	name     string
	open     Opener[S]
	lister   Lister
	observer metrics.Observer

	// gate guards everything below it.
	gate    *semaphore.Weighted
	handles map[string]S
	order   []string
	opening map[string]struct{}
	closed  bool

	flights singleflight.Group
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New[S Shard](name string, open Opener[S], opts ...Option) *Swarm[S] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm[S]{
		name:     name,
		open:     open,
		lister:   o.lister,
		observer: metrics.OrNop(o.observer),
		gate:     semaphore.NewWeighted(1),
		handles:  make(map[string]S),
		opening:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// GetOrOpen returns the handle of an existing shard, opening it on first use.
// A shard missing on disk yields errors.ErrShardNotFound.
func (s *Swarm[S]) GetOrOpen(ctx context.Context, key string) (S, error) {
	return s.get(ctx, key, false)
}

// GetOrCreate returns the handle of key, creating an empty shard when needed.
func (s *Swarm[S]) GetOrCreate(ctx context.Context, key string) (S, error) {
	return s.get(ctx, key, true)
}

func (s *Swarm[S]) get(ctx context.Context, key string, create bool) (S, error) {
	var zero S
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	if s.closed {
		s.gate.Release(1)
		return zero, errors.ErrStoreClosed
	}
	if h, ok := s.handles[key]; ok {
		s.gate.Release(1)
		return h, nil
	}

	flightKey := "open:" + key
	if create {
		flightKey = "create:" + key
	}
	if _, ok := s.opening[flightKey]; ok {
		s.observer.RecordFlightJoin(s.name)
	} else {
		s.opening[flightKey] = struct{}{}
		s.wg.Add(1)
	}
	ch := s.flights.DoChan(flightKey, func() (any, error) {
		defer s.wg.Done()
		return s.load(key, flightKey, create)
	})
	s.gate.Release(1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(S), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// load runs once per flight under the swarm's own context, so a caller giving up
// does not abort an open other callers are waiting on.
func (s *Swarm[S]) load(key, flightKey string, create bool) (any, error) {
	h, err := s.open(s.ctx, key, create)
	s.observer.RecordShardOpen(s.name, create, err)

	// The gate can only be held briefly, so this never waits on a caller.
	_ = s.gate.Acquire(context.Background(), 1)
	defer s.gate.Release(1)
	delete(s.opening, flightKey)
	s.flights.Forget(flightKey)

	if err != nil {
		if !create && errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errors.ErrShardNotFound, key)
		}
		return nil, errors.ShardOpenFailed(key, err)
	}
	if s.closed {
		if cerr := h.Close(); cerr != nil {
			log.Err(cerr).Str("swarm", s.name).Str("shard", key).Msg("close shard opened during shutdown failed")
		}
		return nil, errors.ErrStoreClosed
	}
	if existing, ok := s.handles[key]; ok {
		if cerr := h.Close(); cerr != nil {
			log.Err(cerr).Str("swarm", s.name).Str("shard", key).Msg("close duplicate shard handle failed")
		}
		return existing, nil
	}
	s.handles[key] = h
	s.order = append(s.order, key)
	log.Debug().Str("swarm", s.name).Str("shard", key).Bool("created", create).Msg("shard opened")
	return h, nil
}

// EnumerateAll lazily opens every listed shard accepted by filter (nil accepts all).
// Shards removed between listing and opening are skipped.
func (s *Swarm[S]) EnumerateAll(ctx context.Context, filter func(key string) bool) iter.Seq2[S, error] {
	return func(yield func(S, error) bool) {
		var zero S
		if s.lister == nil {
			yield(zero, fmt.Errorf("swarm %s has no shard lister", s.name))
			return
		}
		keys, err := s.lister(ctx)
		if err != nil {
			yield(zero, err)
			return
		}
		for _, key := range keys {
			if filter != nil && !filter(key) {
				continue
			}
			h, err := s.GetOrOpen(ctx, key)
			if errors.Is(err, errors.ErrShardNotFound) {
				continue
			}
			if !yield(h, err) || err != nil {
				return
			}
		}
	}
}

// Len is the number of open handles.
func (s *Swarm[S]) Len() int {
	if err := s.gate.Acquire(context.Background(), 1); err != nil {
		return 0
	}
	defer s.gate.Release(1)
	return len(s.handles)
}

// Close cancels in-flight opens, waits for them, then closes every handle. A failing
// handle is logged and the sweep continues; all failures are returned joined.
func (s *Swarm[S]) Close(ctx context.Context) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	if s.closed {
		s.gate.Release(1)
		return nil
	}
	s.closed = true
	s.cancel()
	s.gate.Release(1)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	handles, order := s.handles, s.order
	s.handles, s.order = make(map[string]S), nil
	s.gate.Release(1)

	var errs []error
	for _, key := range order {
		if err := handles[key].Close(); err != nil {
			log.Err(err).Str("swarm", s.name).Str("shard", key).Msg("close shard failed")
			errs = append(errs, fmt.Errorf("close shard %s: %w", key, err))
		}
	}
	log.Debug().Str("swarm", s.name).Int("shards", len(order)).Msg("swarm closed")
	return errors.Join(errs...)
}
