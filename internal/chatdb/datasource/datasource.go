package datasource

import (
	"context"
	"iter"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/datasource/binlog"
	"github.com/chatlogstore/chatlog/internal/chatdb/datasource/sqlshard"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/metrics"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

type DataSource interface {
	msgstore.Provider

	Format() string

	// Writes
	Append(ctx context.Context, entry *model.LogEntry) (model.MessageID, error)

	// Search
	CountMatches(ctx context.Context, n criteria.Node) (int, error)
	MatchingIDs(ctx context.Context, n criteria.Node, skip, take int) ([]model.MessageID, error)
	Resolve(ctx context.Context, ids []model.MessageID) ([]*model.StoredMessage, error)
	Messages(ctx context.Context, n criteria.Node, dir merge.Direction) iter.Seq2[*model.StoredMessage, error]
	MessagesOnDay(ctx context.Context, character string, stream model.Stream, day time.Time) ([]*model.StoredMessage, error)

	// Lookups
	DistinctChannelNames(ctx context.Context) ([]string, error)
	DistinctCharacterNames(ctx context.Context) ([]string, error)
	HasChannel(ctx context.Context, name string) (bool, error)
	HasPrivateConversation(ctx context.Context, character, interlocutor string) (bool, error)

	// Watch starts tracking shard files created by other processes.
	Watch() error
	SetCallback(callback func(event fsnotify.Event) error)

	Close(ctx context.Context) error
}

var (
	_ DataSource = (*binlog.DataSource)(nil)
	_ DataSource = (*sqlshard.DataSource)(nil)
)

func New(path string, format string, observer metrics.Observer) (DataSource, error) {
	var (
		ds  DataSource
		err error
	)
	switch format {
	case msgstore.FormatBinary:
		ds, err = binlog.New(path, observer)
	case msgstore.FormatRelational:
		ds, err = sqlshard.New(path, observer)
	default:
		return nil, errors.FormatUnsupported(format)
	}
	if err != nil {
		return nil, err
	}
	return ds, nil
}
