package sqlshard

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

const (
	textCacheSize     = 4096
	maxCachedTextSize = 512

	fromClause     = ` FROM messages m JOIN streams s ON s.id = m.stream_id JOIN strings t ON t.id = m.text_id`
	messageColumns = `m.id, m.ts, m.type, m.speaker, t.value, m.gender, m.status, s.kind, s.name, s.title`
)

var columns = criteria.Columns{
	Time:       "m.ts",
	Speaker:    "m.speaker",
	StreamKind: "s.kind",
	StreamName: "s.name",
	TextID:     "m.text_id",
	Text:       "t.value",
}

// Hit is a matching message id and its time, enough to merge and paginate.
type Hit struct {
	ID   model.MessageID
	Time time.Time
}

// Shard is one SQLite file holding a month of one character's messages.
type Shard struct {
	key       string
	path      string
	character string
	start     time.Time
	end       time.Time
	db        *sql.DB
	fts       bool

	// mu serialises writes.
	mu      sync.Mutex
	texts   *lru.Cache[string, int64]
	streams map[string]int64
}

// OpenShard opens the shard at path, migrating its schema. When create is false a
// missing file yields an error matching os.ErrNotExist.
func OpenShard(ctx context.Context, key, path string, create bool) (*Shard, error) {
	name, err := parseShardKey(key)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) || !create {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create shard dir: %w", err)
		}
	}

	registerDriver()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal=WAL&_synchronous=NORMAL", filepath.ToSlash(path))
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	fts, err := migrate(ctx, key, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	texts, err := lru.New[string, int64](textCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Shard{
		key:       key,
		path:      path,
		character: name.character,
		start:     name.start(),
		end:       name.end(),
		db:        db,
		fts:       fts,
		texts:     texts,
		streams:   make(map[string]int64),
	}, nil
}

func (s *Shard) Key() string { return s.key }

func (s *Shard) Character() string { return s.character }

// FullText reports whether text filters are prefiltered by the trigram index.
func (s *Shard) FullText() bool { return s.fts }

func (s *Shard) Close() error {
	return s.db.Close()
}

func (s *Shard) compile(n criteria.Node) (string, []any, error) {
	c := criteria.SQLCompiler{Columns: columns}
	if s.fts {
		c.Columns.FTSTable = ftsTable
	}
	frags, err := c.Compile(n)
	if err != nil {
		return "", nil, err
	}
	where, args := criteria.Where(frags)
	return where, args, nil
}

// Append stores msg in stream and returns its row id.
func (s *Shard) Append(ctx context.Context, stream model.Stream, msg *model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := s.insertLocked(ctx, tx, stream, msg)
	if err != nil {
		s.forgetLocked()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		s.forgetLocked()
		return 0, err
	}
	return id, nil
}

// Import stores msgs in one transaction unless source was imported before.
// It reports whether anything was written.
func (s *Shard) Import(ctx context.Context, source string, stream model.Stream, msgs []model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM migrations WHERE source = ?`, source).Scan(&exists)
	if err != nil {
		return false, errors.QueryFailed("migrations", err)
	}
	if exists > 0 {
		return false, nil
	}
	for i := range msgs {
		if _, err := s.insertLocked(ctx, tx, stream, &msgs[i]); err != nil {
			s.forgetLocked()
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (source, migrated_at, messages) VALUES (?, ?, ?)`,
		source, time.Now().Unix(), len(msgs)); err != nil {
		s.forgetLocked()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		s.forgetLocked()
		return false, err
	}
	return true, nil
}

// forgetLocked drops cached ids that a rolled back transaction may have produced.
func (s *Shard) forgetLocked() {
	s.texts.Purge()
	clear(s.streams)
}

func (s *Shard) insertLocked(ctx context.Context, tx *sql.Tx, stream model.Stream, msg *model.Message) (int64, error) {
	streamID, err := s.streamIDLocked(ctx, tx, stream)
	if err != nil {
		return 0, err
	}
	textID, err := s.textIDLocked(ctx, tx, msg.Text)
	if err != nil {
		return 0, err
	}

	var gender, status sql.NullInt64
	if msg.Gender != nil {
		gender = sql.NullInt64{Int64: int64(*msg.Gender), Valid: true}
	}
	if msg.Status != nil {
		status = sql.NullInt64{Int64: int64(*msg.Status), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (stream_id, ts, type, speaker, text_id, gender, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		streamID, msg.Time.UnixMilli(), int(msg.Type), msg.Speaker, textID, gender, status)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

func (s *Shard) streamIDLocked(ctx context.Context, tx *sql.Tx, stream model.Stream) (int64, error) {
	k := stream.Key()
	if id, ok := s.streams[k]; ok {
		return id, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO streams (kind, name, name_lower, title) VALUES (?, ?, ?, ?)
ON CONFLICT(kind, name_lower) DO UPDATE SET title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE streams.title END
RETURNING id`, int(stream.Kind), stream.Name, strings.ToLower(stream.Name), stream.Title).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert stream: %w", err)
	}
	s.streams[k] = id
	return id, nil
}

func (s *Shard) textIDLocked(ctx context.Context, tx *sql.Tx, text string) (int64, error) {
	if id, ok := s.texts.Get(text); ok {
		return id, nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO strings (value) VALUES (?) ON CONFLICT(value) DO NOTHING`, text); err != nil {
		return 0, fmt.Errorf("intern text: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM strings WHERE value = ?`, text).Scan(&id); err != nil {
		return 0, fmt.Errorf("intern text: %w", err)
	}
	if len(text) <= maxCachedTextSize {
		s.texts.Add(text, id)
	}
	return id, nil
}

// Count returns the number of messages matching n.
func (s *Shard) Count(ctx context.Context, n criteria.Node) (int, error) {
	where, args, err := s.compile(n)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*)" + fromClause + where
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.QueryFailed(query, err)
	}
	return count, nil
}

// Hits lazily yields the ids of messages matching n in time order.
func (s *Shard) Hits(ctx context.Context, n criteria.Node, dir merge.Direction) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		where, args, err := s.compile(n)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		query := "SELECT m.id, m.ts" + fromClause + where + orderBy(dir)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Hit{}, errors.QueryFailed(query, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var id, ts int64
			if err := rows.Scan(&id, &ts); err != nil {
				yield(Hit{}, errors.ScanRowFailed(err))
				return
			}
			if !yield(Hit{ID: model.NewMessageID(s.key, id), Time: time.UnixMilli(ts).UTC()}, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Hit{}, errors.QueryFailed(query, err))
		}
	}
}

// Messages lazily yields the messages matching n in time order.
func (s *Shard) Messages(ctx context.Context, n criteria.Node, dir merge.Direction) iter.Seq2[*model.StoredMessage, error] {
	return func(yield func(*model.StoredMessage, error) bool) {
		where, args, err := s.compile(n)
		if err != nil {
			yield(nil, err)
			return
		}
		query := "SELECT " + messageColumns + fromClause + where + orderBy(dir)
		s.query(ctx, query, args, yield)
	}
}

// Enumerate yields the messages with after <= time < before (zero bounds are open).
func (s *Shard) Enumerate(ctx context.Context, dir merge.Direction, after, before time.Time) iter.Seq2[*model.StoredMessage, error] {
	return func(yield func(*model.StoredMessage, error) bool) {
		lo, hi := s.start.UnixMilli(), s.end.UnixMilli()-1
		if !after.IsZero() && after.UnixMilli() > lo {
			lo = after.UnixMilli()
		}
		if !before.IsZero() && before.UnixMilli()-1 < hi {
			hi = before.UnixMilli() - 1
		}
		query := "SELECT " + messageColumns + fromClause + " WHERE m.ts BETWEEN ? AND ?" + orderBy(dir)
		s.query(ctx, query, []any{lo, hi}, yield)
	}
}

func (s *Shard) query(ctx context.Context, query string, args []any, yield func(*model.StoredMessage, error) bool) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		yield(nil, errors.QueryFailed(query, err))
		return
	}
	defer rows.Close()
	for rows.Next() {
		msg, err := s.scan(rows)
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(msg, nil) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(nil, errors.QueryFailed(query, err))
	}
}

func (s *Shard) scan(rows *sql.Rows) (*model.StoredMessage, error) {
	var (
		id, ts, typ, kind int64
		gender, status    sql.NullInt64
		msg               model.StoredMessage
	)
	if err := rows.Scan(&id, &ts, &typ, &msg.Speaker, &msg.Text, &gender, &status, &kind, &msg.Stream.Name, &msg.Stream.Title); err != nil {
		return nil, errors.ScanRowFailed(err)
	}
	msg.ID = model.NewMessageID(s.key, id)
	msg.Character = s.character
	msg.Time = time.UnixMilli(ts).UTC()
	msg.Type = model.MessageType(typ)
	msg.Stream.Kind = model.StreamKind(kind)
	if gender.Valid {
		g := model.Gender(gender.Int64)
		msg.Gender = &g
	}
	if status.Valid {
		st := model.Status(status.Int64)
		msg.Status = &st
	}
	return &msg, nil
}

// Resolve returns the messages of row ids present in the shard.
func (s *Shard) Resolve(ctx context.Context, ids []int64) (map[int64]*model.StoredMessage, error) {
	out := make(map[int64]*model.StoredMessage, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "SELECT " + messageColumns + fromClause + fmt.Sprintf(" WHERE m.id IN (%s)", placeholders)
	var qerr error
	s.query(ctx, query, args, func(msg *model.StoredMessage, err error) bool {
		if err != nil {
			qerr = err
			return false
		}
		_, id, _ := msg.ID.Parse()
		out[id] = msg
		return true
	})
	return out, qerr
}

// Streams returns the streams with at least one message.
func (s *Shard) Streams(ctx context.Context) ([]model.Stream, error) {
	query := `SELECT s.kind, s.name, s.title FROM streams s WHERE EXISTS (SELECT 1 FROM messages m WHERE m.stream_id = s.id) ORDER BY s.name_lower`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.QueryFailed(query, err)
	}
	defer rows.Close()

	streams := make([]model.Stream, 0)
	for rows.Next() {
		var kind int64
		var st model.Stream
		if err := rows.Scan(&kind, &st.Name, &st.Title); err != nil {
			return nil, errors.ScanRowFailed(err)
		}
		st.Kind = model.StreamKind(kind)
		streams = append(streams, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.QueryFailed(query, err)
	}
	return streams, nil
}

// HasStream reports whether stream has messages in this shard.
func (s *Shard) HasStream(ctx context.Context, stream model.Stream) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM streams s JOIN messages m ON m.stream_id = s.id WHERE s.kind = ? AND equal_fold(s.name, ?))`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, int(stream.Kind), stream.Name).Scan(&ok); err != nil {
		return false, errors.QueryFailed(query, err)
	}
	return ok, nil
}

func orderBy(dir merge.Direction) string {
	if dir == merge.Backward {
		return " ORDER BY m.ts DESC, m.id DESC"
	}
	return " ORDER BY m.ts ASC, m.id ASC"
}
