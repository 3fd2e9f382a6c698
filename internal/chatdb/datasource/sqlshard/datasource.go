package sqlshard

import (
	"context"
	"iter"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatdb/swarm"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

const countConcurrency = 8

// DataSource stores messages in one SQLite shard per (character, month).
type DataSource struct {
	root     string
	catalog  *msgstore.Catalog
	swarm    *swarm.Swarm[*Shard]
	observer metrics.Observer
}

func New(root string, observer metrics.Observer) (*DataSource, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	ds := &DataSource{
		root:     root,
		catalog:  msgstore.NewCatalog(root, Scan),
		observer: metrics.OrNop(observer),
	}
	ds.swarm = swarm.New[*Shard](msgstore.FormatRelational, ds.openShard,
		swarm.WithLister(ds.catalog.Keys),
		swarm.WithObserver(observer),
	)
	return ds, nil
}

func (ds *DataSource) Format() string { return msgstore.FormatRelational }

func (ds *DataSource) openShard(ctx context.Context, key string, create bool) (*Shard, error) {
	s, err := OpenShard(ctx, key, shardPath(ds.root, key), create)
	if err != nil {
		return nil, err
	}
	if create {
		ds.catalog.Invalidate()
	}
	return s, nil
}

func (ds *DataSource) Watch() error {
	return ds.catalog.Watch()
}

func (ds *DataSource) SetCallback(callback func(event fsnotify.Event) error) {
	ds.catalog.AddCallback(callback)
}

func (ds *DataSource) ListMessageStores(ctx context.Context) ([]*msgstore.Store, error) {
	return ds.catalog.Stores(ctx)
}

func (ds *DataSource) LocateMessageStore(entry *model.LogEntry) (*msgstore.Store, error) {
	if entry == nil {
		return nil, errors.InvalidArg("entry")
	}
	key := ShardKey(entry.Character, entry.Message.Time)
	n, err := parseShardKey(key)
	if err != nil {
		return nil, err
	}
	return &msgstore.Store{
		ID:        key,
		Format:    msgstore.FormatRelational,
		FilePath:  shardPath(ds.root, key),
		FileName:  key + Ext,
		Character: n.character,
		StartTime: n.start(),
		EndTime:   n.end(),
	}, nil
}

func (ds *DataSource) Append(ctx context.Context, entry *model.LogEntry) (model.MessageID, error) {
	if err := entry.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid log entry", http.StatusBadRequest)
	}
	msg := entry.Message
	msg.Normalize()

	key := ShardKey(entry.Character, msg.Time)
	s, err := ds.swarm.GetOrCreate(ctx, key)
	if err != nil {
		ds.observer.RecordAppend(ds.Format(), err)
		return "", err
	}
	id, err := s.Append(ctx, entry.Stream, &msg)
	ds.observer.RecordAppend(ds.Format(), err)
	if err != nil {
		return "", errors.ShardWriteFailed(key, err)
	}
	return model.NewMessageID(key, id), nil
}

// Import writes msgs of one source stream into the month shards of character.
// Months already imported from source are skipped; the number of written
// messages is returned.
func (ds *DataSource) Import(ctx context.Context, character, source string, stream model.Stream, msgs []model.Message) (int, error) {
	byKey := make(map[string][]model.Message)
	keys := make([]string, 0)
	for _, m := range msgs {
		m.Normalize()
		key := ShardKey(character, m.Time)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], m)
	}

	written := 0
	for _, key := range keys {
		s, err := ds.swarm.GetOrCreate(ctx, key)
		if err != nil {
			return written, err
		}
		ok, err := s.Import(ctx, source, stream, byKey[key])
		if err != nil {
			return written, errors.ShardWriteFailed(key, err)
		}
		if ok {
			written += len(byKey[key])
		}
	}
	return written, nil
}

func (ds *DataSource) candidates(ctx context.Context, filter criteria.ShardFilter) ([]string, error) {
	stores, err := ds.catalog.Stores(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(stores))
	for _, s := range stores {
		if filter.AcceptsCharacter(s.Character) && s.Overlaps(filter.After, filter.Before) {
			keys = append(keys, s.ID)
		}
	}
	return keys, nil
}

// shard opens key; false means the shard disappeared since it was listed.
func (ds *DataSource) shard(ctx context.Context, key string) (*Shard, bool, error) {
	s, err := ds.swarm.GetOrOpen(ctx, key)
	if errors.Is(err, errors.ErrShardNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Messages lazily yields the matches of n across the candidate shards in time order.
func (ds *DataSource) Messages(ctx context.Context, n criteria.Node, dir merge.Direction) iter.Seq2[*model.StoredMessage, error] {
	return func(yield func(*model.StoredMessage, error) bool) {
		keys, err := ds.candidates(ctx, criteria.Filter(n))
		if err != nil {
			yield(nil, err)
			return
		}
		seqs := make([]iter.Seq2[*model.StoredMessage, error], 0, len(keys))
		for _, key := range keys {
			seqs = append(seqs, func(yield func(*model.StoredMessage, error) bool) {
				s, ok, err := ds.shard(ctx, key)
				if err != nil {
					yield(nil, err)
					return
				}
				if !ok {
					return
				}
				for msg, err := range s.Messages(ctx, n, dir) {
					if !yield(msg, err) || err != nil {
						return
					}
				}
			})
		}
		for msg, err := range merge.Merge(seqs, dir, func(m *model.StoredMessage) time.Time { return m.Time }) {
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

func (ds *DataSource) hits(ctx context.Context, n criteria.Node, keys []string) iter.Seq2[Hit, error] {
	seqs := make([]iter.Seq2[Hit, error], 0, len(keys))
	for _, key := range keys {
		seqs = append(seqs, func(yield func(Hit, error) bool) {
			s, ok, err := ds.shard(ctx, key)
			if err != nil {
				yield(Hit{}, err)
				return
			}
			if !ok {
				return
			}
			for h, err := range s.Hits(ctx, n, merge.Forward) {
				if !yield(h, err) || err != nil {
					return
				}
			}
		})
	}
	return merge.Merge(seqs, merge.Forward, func(h Hit) time.Time { return h.Time })
}

// CountMatches sums per-shard counts, querying shards concurrently.
func (ds *DataSource) CountMatches(ctx context.Context, n criteria.Node) (int, error) {
	keys, err := ds.candidates(ctx, criteria.Filter(n))
	if err != nil {
		return 0, err
	}
	counts := make([]int, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			s, ok, err := ds.shard(gctx, key)
			if err != nil || !ok {
				return err
			}
			counts[i], err = s.Count(gctx, n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func (ds *DataSource) MatchingIDs(ctx context.Context, n criteria.Node, skip, take int) ([]model.MessageID, error) {
	keys, err := ds.candidates(ctx, criteria.Filter(n))
	if err != nil {
		return nil, err
	}
	hits, err := merge.Page(ds.hits(ctx, n, keys), skip, take)
	if err != nil {
		return nil, err
	}
	ids := make([]model.MessageID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids, nil
}

// Resolve returns the messages of ids, in the order given.
func (ds *DataSource) Resolve(ctx context.Context, ids []model.MessageID) ([]*model.StoredMessage, error) {
	byKey := make(map[string][]int64)
	keys := make([]string, 0)
	for _, id := range ids {
		key, row, err := id.Parse()
		if err != nil {
			return nil, errors.InvalidMessageID(string(id))
		}
		if _, err := parseShardKey(key); err != nil {
			return nil, errors.InvalidMessageID(string(id))
		}
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], row)
	}

	found := make(map[model.MessageID]*model.StoredMessage, len(ids))
	for _, key := range keys {
		s, ok, err := ds.shard(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows, err := s.Resolve(ctx, byKey[key])
		if err != nil {
			return nil, err
		}
		for _, msg := range rows {
			found[msg.ID] = msg
		}
	}

	out := make([]*model.StoredMessage, 0, len(ids))
	for _, id := range ids {
		msg, ok := found[id]
		if !ok {
			return nil, errors.MessageNotFound(string(id))
		}
		out = append(out, msg)
	}
	return out, nil
}

// MessagesOnDay returns the messages of one UTC day of a stream.
func (ds *DataSource) MessagesOnDay(ctx context.Context, character string, stream model.Stream, day time.Time) ([]*model.StoredMessage, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	n := criteria.And{Nodes: []criteria.Node{
		criteria.TimeNode{After: start, Before: start.Add(24 * time.Hour)},
		criteria.StreamNode{Character: character, Stream: stream},
	}}
	s, ok, err := ds.shard(ctx, ShardKey(character, start))
	if err != nil {
		return nil, err
	}
	out := make([]*model.StoredMessage, 0)
	if !ok {
		return out, nil
	}
	for msg, err := range s.Messages(ctx, n, merge.Forward) {
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (ds *DataSource) DistinctChannelNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for s, err := range ds.swarm.EnumerateAll(ctx, nil) {
		if err != nil {
			return nil, err
		}
		streams, err := s.Streams(ctx)
		if err != nil {
			return nil, err
		}
		for _, st := range streams {
			k := strings.ToLower(st.Name)
			if _, ok := seen[k]; ok || !st.IsChannel() {
				continue
			}
			seen[k] = struct{}{}
			names = append(names, st.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (ds *DataSource) DistinctCharacterNames(ctx context.Context) ([]string, error) {
	stores, err := ds.catalog.Stores(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, s := range stores {
		if _, ok := seen[s.Character]; ok {
			continue
		}
		seen[s.Character] = struct{}{}
		names = append(names, s.Character)
	}
	sort.Strings(names)
	return names, nil
}

func (ds *DataSource) HasChannel(ctx context.Context, name string) (bool, error) {
	return ds.hasStream(ctx, "", model.ChannelStream(name, ""))
}

func (ds *DataSource) HasPrivateConversation(ctx context.Context, character, interlocutor string) (bool, error) {
	return ds.hasStream(ctx, character, model.PrivateStream(interlocutor))
}

func (ds *DataSource) hasStream(ctx context.Context, character string, stream model.Stream) (bool, error) {
	filter := criteria.ShardFilter{Character: character}
	for s, err := range ds.swarm.EnumerateAll(ctx, func(key string) bool {
		n, err := parseShardKey(key)
		return err == nil && filter.AcceptsCharacter(n.character)
	}) {
		if err != nil {
			return false, err
		}
		ok, err := s.HasStream(ctx, stream)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (ds *DataSource) Close(ctx context.Context) error {
	werr := ds.catalog.Close()
	if werr != nil {
		log.Err(werr).Str("root", ds.root).Msg("close log store watcher failed")
	}
	return errors.Join(ds.swarm.Close(ctx), werr)
}
