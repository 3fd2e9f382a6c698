package chatdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatlogstore/chatlog/internal/chatdb/datasource"
	"github.com/chatlogstore/chatlog/internal/chatdb/datasource/sqlshard"
	"github.com/chatlogstore/chatlog/internal/chatdb/export"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatdb/repository"
	"github.com/chatlogstore/chatlog/internal/model"
)

type Options struct {
	DedupWindow int
	Watch       bool
	Observer    metrics.Observer
}

// DB is the log store of one data directory in one format.
type DB struct {
	path   string
	format string
	opts   Options
	ds     datasource.DataSource
	repo   *repository.Repository
}

func New(path string, format string, opts Options) (*DB, error) {
	w := &DB{
		path:   path,
		format: format,
		opts:   opts,
	}

	if err := w.Initialize(); err != nil {
		return nil, err
	}

	return w, nil
}

func (w *DB) Initialize() error {
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	var err error
	w.ds, err = datasource.New(w.path, w.format, w.opts.Observer)
	if err != nil {
		return err
	}
	w.repo = repository.New(w.ds, w.opts.DedupWindow, w.opts.Observer)

	if w.opts.Watch {
		if err := w.ds.Watch(); err != nil {
			_ = w.ds.Close(context.Background())
			return fmt.Errorf("watch data directory: %w", err)
		}
	}
	return nil
}

func (w *DB) Close(ctx context.Context) error {
	if w.repo != nil {
		return w.repo.Close(ctx)
	}
	return nil
}

func (w *DB) Path() string { return w.path }

func (w *DB) Format() string { return w.format }

func (w *DB) Repository() *repository.Repository { return w.repo }

func (w *DB) Append(ctx context.Context, source string, entry *model.LogEntry) (model.MessageID, error) {
	return w.repo.Append(ctx, source, entry)
}

// ForgetSource ends the de-dup window of a logging session.
func (w *DB) ForgetSource(source string) {
	w.repo.ForgetSource(source)
}

func (w *DB) SearchMessages(ctx context.Context, req *model.SearchRequest) (*model.SearchResponse, error) {
	return w.repo.SearchMessages(ctx, req)
}

func (w *DB) CountMatches(ctx context.Context, c model.SearchCriteria) (int, error) {
	return w.repo.CountMatches(ctx, c)
}

func (w *DB) MatchingIDs(ctx context.Context, c model.SearchCriteria, skip, take int) ([]model.MessageID, error) {
	return w.repo.MatchingIDs(ctx, c, skip, take)
}

func (w *DB) Resolve(ctx context.Context, ids []model.MessageID) ([]*model.StoredMessage, error) {
	return w.repo.Resolve(ctx, ids)
}

func (w *DB) RecentMessages(ctx context.Context, character string, stream model.Stream, before time.Time, limit int) ([]*model.StoredMessage, error) {
	return w.repo.RecentMessages(ctx, character, stream, before, limit)
}

func (w *DB) MessagesOnDay(ctx context.Context, character string, stream model.Stream, day time.Time) ([]*model.StoredMessage, error) {
	return w.repo.MessagesOnDay(ctx, character, stream, day)
}

type GetNamesResp struct {
	Items []string `json:"items"`
}

func (w *DB) GetChannels(ctx context.Context) (*GetNamesResp, error) {
	names, err := w.repo.DistinctChannelNames(ctx)
	if err != nil {
		return nil, err
	}
	return &GetNamesResp{Items: names}, nil
}

func (w *DB) GetCharacters(ctx context.Context) (*GetNamesResp, error) {
	names, err := w.repo.DistinctCharacterNames(ctx)
	if err != nil {
		return nil, err
	}
	return &GetNamesResp{Items: names}, nil
}

func (w *DB) HasChannel(ctx context.Context, name string) (bool, error) {
	return w.repo.HasChannel(ctx, name)
}

func (w *DB) HasPrivateConversation(ctx context.Context, character, interlocutor string) (bool, error) {
	return w.repo.HasPrivateConversation(ctx, character, interlocutor)
}

type GetStoresResp struct {
	Items []*msgstore.Store `json:"items"`
}

func (w *DB) GetStores(ctx context.Context) (*GetStoresResp, error) {
	stores, err := w.repo.ListMessageStores(ctx)
	if err != nil {
		return nil, err
	}
	return &GetStoresResp{Items: stores}, nil
}

// Export writes every match of c, oldest first, as JSON lines.
func (w *DB) Export(ctx context.Context, out io.Writer, c model.SearchCriteria, compression string) (int, error) {
	seq, err := w.repo.Messages(ctx, c, merge.Forward)
	if err != nil {
		return 0, err
	}
	return export.Write(ctx, out, compression, seq)
}

// MigrateTo copies this binary store into the relational store at dst.
func (w *DB) MigrateTo(ctx context.Context, dst string) (*repository.MigrationReport, error) {
	target, err := sqlshard.New(dst, w.opts.Observer)
	if err != nil {
		return nil, err
	}
	defer target.Close(ctx)
	return repository.MigrateBinary(ctx, w.ds, target)
}

func (w *DB) SetCallback(callback func(event fsnotify.Event) error) {
	w.ds.SetCallback(callback)
}
