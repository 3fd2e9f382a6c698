package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/datasource"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

// Importer accepts batches of one source stream and skips batches it already holds.
type Importer interface {
	Import(ctx context.Context, character, source string, stream model.Stream, msgs []model.Message) (int, error)
}

type MigrationReport struct {
	Streams  int           `json:"streams"`
	Skipped  int           `json:"skipped"`
	Messages int           `json:"messages"`
	Duration time.Duration `json:"duration"`
}

// MigrateBinary copies every binary stream of src into dst, one month at a time.
// Months dst already imported are skipped, so an interrupted run can be repeated.
func MigrateBinary(ctx context.Context, src datasource.DataSource, dst Importer) (*MigrationReport, error) {
	if src.Format() != msgstore.FormatBinary {
		return nil, errors.FormatUnsupported(src.Format())
	}
	start := time.Now()
	stores, err := src.ListMessageStores(ctx)
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{}
	for _, store := range stores {
		if store.Stream == nil || store.Stream.Name == "" {
			log.Warn().Str("store", store.ID).Msg("skip binary log without stream name")
			report.Skipped++
			continue
		}
		n, err := migrateStore(ctx, src, dst, store)
		if err != nil {
			return report, errors.Wrap(err, "migrate "+store.ID, 0)
		}
		report.Streams++
		report.Messages += n
		log.Info().Str("store", store.ID).Int("messages", n).Msg("binary log migrated")
	}
	report.Duration = time.Since(start)
	return report, nil
}

func migrateStore(ctx context.Context, src datasource.DataSource, dst Importer, store *msgstore.Store) (int, error) {
	n := criteria.StreamNode{Character: store.Character, Stream: *store.Stream}
	var (
		batch   []model.Message
		month   time.Time
		written int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		w, err := dst.Import(ctx, store.Character, store.ID, *store.Stream, batch)
		written += w
		batch = batch[:0]
		return err
	}

	for msg, err := range src.Messages(ctx, criteria.And{Nodes: []criteria.Node{n}}, merge.Forward) {
		if err != nil {
			return written, err
		}
		m := monthOf(msg.Time)
		if !m.Equal(month) {
			if err := flush(); err != nil {
				return written, err
			}
			month = m
		}
		batch = append(batch, msg.Message)
	}
	return written, flush()
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
