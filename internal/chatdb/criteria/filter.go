package criteria

import (
	"strings"
	"time"

	"github.com/chatlogstore/chatlog/internal/model"
)

// ShardFilter is the structural part of a tree, used to pick candidate shards
// before any message is read.
type ShardFilter struct {
	Character string
	Stream    *model.Stream
	After     time.Time
	Before    time.Time
}

// Filter extracts the shard filter of n. Multiple time nodes intersect.
func Filter(n Node) ShardFilter {
	var f ShardFilter
	Walk(n, func(leaf Node) {
		switch v := leaf.(type) {
		case TimeNode:
			if !v.After.IsZero() && (f.After.IsZero() || v.After.After(f.After)) {
				f.After = v.After
			}
			if !v.Before.IsZero() && (f.Before.IsZero() || v.Before.Before(f.Before)) {
				f.Before = v.Before
			}
		case StreamNode:
			f.Character = v.Character
			stream := v.Stream
			f.Stream = &stream
		}
	})
	return f
}

// AcceptsCharacter reports whether shards of character can match.
func (f ShardFilter) AcceptsCharacter(character string) bool {
	return f.Character == "" || strings.EqualFold(f.Character, character)
}

// AcceptsStream reports whether a shard holding only stream can match.
func (f ShardFilter) AcceptsStream(stream model.Stream) bool {
	return f.Stream == nil || f.Stream.Same(stream)
}
