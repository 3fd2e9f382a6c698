package msgstore

import (
	"context"
	"time"

	"github.com/chatlogstore/chatlog/internal/model"
)

const (
	FormatBinary     = "binary"
	FormatRelational = "relational"
)

// Store describes one physical shard on disk.
type Store struct {
	ID        string
	Format    string
	FilePath  string
	FileName  string
	Character string

	// Set for binary shards, which hold exactly one stream.
	Stream *model.Stream

	// Month bounds of relational shards, [StartTime, EndTime).
	StartTime time.Time
	EndTime   time.Time
}

// Clone creates a copy of the store with its own stream value.
func (s *Store) Clone() *Store {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Stream != nil {
		stream := *s.Stream
		clone.Stream = &stream
	}
	return &clone
}

// Overlaps reports whether the store may hold messages in [after, before).
// Zero bounds are open; stores without month bounds always overlap.
func (s *Store) Overlaps(after, before time.Time) bool {
	if s.StartTime.IsZero() || s.EndTime.IsZero() {
		return true
	}
	if !after.IsZero() && !after.Before(s.EndTime) {
		return false
	}
	if !before.IsZero() && !before.After(s.StartTime) {
		return false
	}
	return true
}

// Provider exposes shard metadata of a log root.
type Provider interface {
	ListMessageStores(ctx context.Context) ([]*Store, error)
	LocateMessageStore(entry *model.LogEntry) (*Store, error)
}
