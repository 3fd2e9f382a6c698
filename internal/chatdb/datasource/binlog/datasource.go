package binlog

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatdb/swarm"
	apperrors "github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

// DataSource stores one binary log file pair per (character, stream).
// Search is a linear scan of the candidate files.
type DataSource struct {
	root     string
	catalog  *msgstore.Catalog
	swarm    *swarm.Swarm[*LogFile]
	observer metrics.Observer

	// Stream identities seen by writers, needed to create files whose name is a hash.
	streams sync.Map
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
	ds.swarm = swarm.New[*LogFile](msgstore.FormatBinary, ds.openShard,
		swarm.WithLister(ds.catalog.Keys),
		swarm.WithObserver(observer),
	)
	return ds, nil
}

func (ds *DataSource) Format() string { return msgstore.FormatBinary }

func (ds *DataSource) openShard(_ context.Context, key string, create bool) (*LogFile, error) {
	p, err := parseShardKey(key)
	if err != nil {
		return nil, err
	}
	stream := p.stream()
	if v, ok := ds.streams.Load(key); ok {
		stream = v.(model.Stream)
	}
	f, err := OpenLogFile(key, p.base(ds.root), p.character(), stream, create)
	if err != nil {
		return nil, err
	}
	if create {
		ds.catalog.Invalidate()
	}
	return f, nil
}

// Watch makes files written by other processes visible.
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
		return nil, apperrors.InvalidArg("entry")
	}
	key := ShardKey(entry.Character, entry.Stream)
	p, err := parseShardKey(key)
	if err != nil {
		return nil, err
	}
	stream := entry.Stream
	return &msgstore.Store{
		ID:        key,
		Format:    msgstore.FormatBinary,
		FilePath:  p.base(ds.root) + DataExt,
		FileName:  p.file + DataExt,
		Character: p.character(),
		Stream:    &stream,
	}, nil
}

func (ds *DataSource) Append(ctx context.Context, entry *model.LogEntry) (model.MessageID, error) {
	if err := entry.Validate(); err != nil {
		return "", apperrors.Wrap(err, "invalid log entry", http.StatusBadRequest)
	}
	msg := entry.Message
	msg.Normalize()
	if err := checkEncodable(entry.Stream, &msg); err != nil {
		return "", apperrors.Wrap(err, "malformed record", http.StatusBadRequest)
	}

	key := ShardKey(entry.Character, entry.Stream)
	ds.streams.LoadOrStore(key, entry.Stream)
	f, err := ds.swarm.GetOrCreate(ctx, key)
	if err != nil {
		ds.observer.RecordAppend(ds.Format(), err)
		return "", err
	}
	offset, err := f.Append(ctx, &msg)
	ds.observer.RecordAppend(ds.Format(), err)
	if errors.Is(err, ErrMalformedRecord) {
		return "", apperrors.Wrap(err, "malformed record", http.StatusBadRequest)
	}
	if err != nil {
		return "", apperrors.ShardWriteFailed(key, err)
	}
	return model.NewMessageID(key, offset), nil
}

// checkEncodable fails with ErrMalformedRecord when msg or the stream name does not
// fit the record and index layouts, so no shard is created for it.
func checkEncodable(stream model.Stream, msg *model.Message) error {
	if _, err := encodeIndexHeader(stream.Name); err != nil {
		return err
	}
	_, err := EncodeRecord(nil, msg)
	return err
}

// hasRecords reports whether the data file of s holds at least one record.
func hasRecords(s *msgstore.Store) bool {
	st, err := os.Stat(s.FilePath)
	return err == nil && st.Size() > 0
}

// candidates returns the stores that can hold matches of filter.
func (ds *DataSource) candidates(ctx context.Context, filter criteria.ShardFilter) ([]*msgstore.Store, error) {
	if filter.Stream != nil && filter.Character != "" {
		s, ok, err := ds.catalog.Lookup(ctx, ShardKey(filter.Character, *filter.Stream))
		if err != nil || !ok {
			return nil, err
		}
		return []*msgstore.Store{s}, nil
	}

	stores, err := ds.catalog.Stores(ctx)
	if err != nil {
		return nil, err
	}
	out := stores[:0]
	for _, s := range stores {
		if !filter.AcceptsCharacter(s.Character) {
			continue
		}
		if filter.Stream != nil {
			// Channel files are named by hash, so compare names rather than the header.
			if s.ID != ShardKey(s.Character, *filter.Stream) {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Messages lazily yields the matches of n across all candidate files in time order.
func (ds *DataSource) Messages(ctx context.Context, n criteria.Node, dir merge.Direction) iter.Seq2[*model.StoredMessage, error] {
	return func(yield func(*model.StoredMessage, error) bool) {
		pred, err := criteria.PredicateCompiler{}.Compile(n)
		if err != nil {
			yield(nil, err)
			return
		}
		filter := criteria.Filter(n)
		stores, err := ds.candidates(ctx, filter)
		if err != nil {
			yield(nil, err)
			return
		}

		seqs := make([]iter.Seq2[*model.StoredMessage, error], 0, len(stores))
		for _, s := range stores {
			seqs = append(seqs, ds.storeMessages(ctx, s.ID, dir, filter, pred))
		}
		for msg, err := range merge.Merge(seqs, dir, storedTime) {
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

func (ds *DataSource) storeMessages(ctx context.Context, key string, dir merge.Direction, filter criteria.ShardFilter, pred criteria.Predicate) iter.Seq2[*model.StoredMessage, error] {
	return func(yield func(*model.StoredMessage, error) bool) {
		f, err := ds.swarm.GetOrOpen(ctx, key)
		if apperrors.Is(err, apperrors.ErrShardNotFound) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		character, stream := f.Character(), f.Stream()
		if filter.Stream != nil && stream.Name == "" {
			// Selected by shard key, so the stream is the filter's even when the index lost its name.
			stream = ds.restoreName(f, filter.Stream.Name)
		}
		for rec, err := range f.Range(ctx, dir, filter.After, filter.Before) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !pred(character, stream, &rec.Message) {
				continue
			}
			sm := &model.StoredMessage{
				ID:        model.NewMessageID(key, rec.Offset),
				Character: character,
				Stream:    stream,
				Message:   rec.Message,
			}
			if !yield(sm, nil) {
				return
			}
		}
	}
}

func (ds *DataSource) restoreName(f *LogFile, name string) model.Stream {
	ok, err := f.RestoreName(name)
	if err != nil {
		log.Warn().Err(err).Str("shard", f.Key()).Msg("restore log index name failed")
	}
	if ok {
		ds.catalog.Invalidate()
	}
	stream := f.Stream()
	if stream.Name == "" {
		stream.Name = name
	}
	return stream
}

func storedTime(m *model.StoredMessage) time.Time { return m.Time }

func (ds *DataSource) CountMatches(ctx context.Context, n criteria.Node) (int, error) {
	return merge.Count(ds.Messages(ctx, n, merge.Forward))
}

func (ds *DataSource) MatchingIDs(ctx context.Context, n criteria.Node, skip, take int) ([]model.MessageID, error) {
	msgs, err := merge.Page(ds.Messages(ctx, n, merge.Forward), skip, take)
	if err != nil {
		return nil, err
	}
	ids := make([]model.MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids, nil
}

// Resolve returns the messages of ids, in the order given.
func (ds *DataSource) Resolve(ctx context.Context, ids []model.MessageID) ([]*model.StoredMessage, error) {
	out := make([]*model.StoredMessage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, offset, err := id.Parse()
		if err != nil {
			return nil, apperrors.InvalidMessageID(string(id))
		}
		if _, err := parseShardKey(key); err != nil {
			return nil, apperrors.InvalidMessageID(string(id))
		}
		f, err := ds.swarm.GetOrOpen(ctx, key)
		if apperrors.Is(err, apperrors.ErrShardNotFound) {
			return nil, apperrors.MessageNotFound(string(id))
		}
		if err != nil {
			return nil, err
		}
		msg, err := f.ReadAt(offset)
		if err != nil {
			var corrupt *CorruptLogError
			if errors.As(err, &corrupt) {
				return nil, apperrors.Newf(err, http.StatusNotFound, "message not found: %s", id)
			}
			return nil, err
		}
		out = append(out, &model.StoredMessage{ID: id, Character: f.Character(), Stream: f.Stream(), Message: msg})
	}
	return out, nil
}

// MessagesOnDay returns the messages of one UTC day of a stream.
func (ds *DataSource) MessagesOnDay(ctx context.Context, character string, stream model.Stream, day time.Time) ([]*model.StoredMessage, error) {
	key := ShardKey(character, stream)
	f, err := ds.swarm.GetOrOpen(ctx, key)
	if apperrors.Is(err, apperrors.ErrShardNotFound) {
		return []*model.StoredMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*model.StoredMessage, 0)
	for rec, err := range f.MessagesOnDay(ctx, EpochDay(day)) {
		if err != nil {
			return nil, err
		}
		out = append(out, &model.StoredMessage{
			ID:        model.NewMessageID(key, rec.Offset),
			Character: f.Character(),
			Stream:    f.Stream(),
			Message:   rec.Message,
		})
	}
	return out, nil
}

func (ds *DataSource) DistinctChannelNames(ctx context.Context) ([]string, error) {
	stores, err := ds.catalog.Stores(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, s := range stores {
		if s.Stream == nil || !s.Stream.IsChannel() || s.Stream.Name == "" || !hasRecords(s) {
			continue
		}
		k := strings.ToLower(s.Stream.Name)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		names = append(names, s.Stream.Name)
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
		if _, ok := seen[s.Character]; ok || !hasRecords(s) {
			continue
		}
		seen[s.Character] = struct{}{}
		names = append(names, s.Character)
	}
	sort.Strings(names)
	return names, nil
}

func (ds *DataSource) HasChannel(ctx context.Context, name string) (bool, error) {
	stores, err := ds.candidates(ctx, criteria.ShardFilter{Stream: &model.Stream{Kind: model.StreamChannel, Name: name}})
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(stores, hasRecords), nil
}

func (ds *DataSource) HasPrivateConversation(ctx context.Context, character, interlocutor string) (bool, error) {
	s, ok, err := ds.catalog.Lookup(ctx, ShardKey(character, model.PrivateStream(interlocutor)))
	if err != nil || !ok {
		return false, err
	}
	return hasRecords(s), nil
}

func (ds *DataSource) Close(ctx context.Context) error {
	werr := ds.catalog.Close()
	if werr != nil {
		log.Err(werr).Str("root", ds.root).Msg("close log store watcher failed")
	}
	return errors.Join(ds.swarm.Close(ctx), werr)
}
