package repository

import (
	"context"
	"iter"
	"net/http"
	"slices"
	"time"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/datasource"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

// Repository is the read and write facade over one log data source.
type Repository struct {
	ds       datasource.DataSource
	writer   *Writer
	observer metrics.Observer
}

func New(ds datasource.DataSource, dedupWindow int, observer metrics.Observer) *Repository {
	return &Repository{
		ds:       ds,
		writer:   NewWriter(ds, dedupWindow, observer),
		observer: metrics.OrNop(observer),
	}
}

func (r *Repository) Format() string { return r.ds.Format() }

func (r *Repository) DataSource() datasource.DataSource { return r.ds }

// Append logs entry on behalf of source, the live session that observed it.
// Channel messages already logged by another source within the window are
// dropped and reported with an empty id.
func (r *Repository) Append(ctx context.Context, source string, entry *model.LogEntry) (model.MessageID, error) {
	if entry == nil {
		return "", errors.InvalidArg("entry")
	}
	return r.writer.Append(ctx, source, entry)
}

// ForgetSource drops the de-dup window of source once its session has ended.
func (r *Repository) ForgetSource(source string) {
	r.writer.Forget(source)
}

func (r *Repository) observe(op string, start time.Time, err error) {
	r.observer.RecordSearch(r.ds.Format(), op, time.Since(start), err)
}

func (r *Repository) CountMatches(ctx context.Context, c model.SearchCriteria) (count int, err error) {
	defer func(start time.Time) { r.observe("count", start, err) }(time.Now())
	n, err := criteria.Build(c)
	if err != nil {
		return 0, err
	}
	return r.ds.CountMatches(ctx, n)
}

func (r *Repository) MatchingIDs(ctx context.Context, c model.SearchCriteria, skip, take int) (ids []model.MessageID, err error) {
	defer func(start time.Time) { r.observe("ids", start, err) }(time.Now())
	if skip < 0 || take < 0 {
		return nil, errors.InvalidArg("skip/take")
	}
	n, err := criteria.Build(c)
	if err != nil {
		return nil, err
	}
	return r.ds.MatchingIDs(ctx, n, skip, take)
}

func (r *Repository) Resolve(ctx context.Context, ids []model.MessageID) (msgs []*model.StoredMessage, err error) {
	defer func(start time.Time) { r.observe("resolve", start, err) }(time.Now())
	return r.ds.Resolve(ctx, ids)
}

// Messages lazily yields every match of c in the given direction.
func (r *Repository) Messages(ctx context.Context, c model.SearchCriteria, dir merge.Direction) (iter.Seq2[*model.StoredMessage, error], error) {
	n, err := criteria.Build(c)
	if err != nil {
		return nil, err
	}
	return r.ds.Messages(ctx, n, dir), nil
}

// RecentMessages returns up to limit messages of a stream before the given time
// (now when zero), oldest first.
func (r *Repository) RecentMessages(ctx context.Context, character string, stream model.Stream, before time.Time, limit int) (msgs []*model.StoredMessage, err error) {
	defer func(start time.Time) { r.observe("recent", start, err) }(time.Now())
	if limit <= 0 {
		return []*model.StoredMessage{}, nil
	}
	c := model.SearchCriteria{Stream: &model.StreamSpec{Character: character, Stream: stream}}
	if !before.IsZero() {
		c.Time = &model.TimeSpec{Before: before}
	}
	n, err := criteria.Build(c)
	if err != nil {
		return nil, err
	}
	msgs, err = merge.Page(r.ds.Messages(ctx, n, merge.Backward), 0, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (r *Repository) MessagesOnDay(ctx context.Context, character string, stream model.Stream, day time.Time) ([]*model.StoredMessage, error) {
	if err := stream.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stream", http.StatusBadRequest)
	}
	return r.ds.MessagesOnDay(ctx, character, stream, day)
}

func (r *Repository) DistinctChannelNames(ctx context.Context) ([]string, error) {
	return r.ds.DistinctChannelNames(ctx)
}

func (r *Repository) DistinctCharacterNames(ctx context.Context) ([]string, error) {
	return r.ds.DistinctCharacterNames(ctx)
}

func (r *Repository) HasChannel(ctx context.Context, name string) (bool, error) {
	return r.ds.HasChannel(ctx, name)
}

func (r *Repository) HasPrivateConversation(ctx context.Context, character, interlocutor string) (bool, error) {
	return r.ds.HasPrivateConversation(ctx, character, interlocutor)
}

func (r *Repository) ListMessageStores(ctx context.Context) ([]*msgstore.Store, error) {
	return r.ds.ListMessageStores(ctx)
}

func (r *Repository) Close(ctx context.Context) error {
	return r.ds.Close(ctx)
}
