package model

import (
	"strings"
	"time"
)

// SearchCriteria is a conjunction of independent optional filters.
type SearchCriteria struct {
	Time   *TimeSpec   `json:"time,omitempty"`
	Who    *WhoSpec    `json:"who,omitempty"`
	Stream *StreamSpec `json:"stream,omitempty"`
	Text   *TextSpec   `json:"text,omitempty"`
}

// TimeSpec bounds message time; After is inclusive, Before exclusive, zero values are open.
type TimeSpec struct {
	After  time.Time `json:"after,omitempty"`
	Before time.Time `json:"before,omitempty"`
}

func (t *TimeSpec) Contains(ts time.Time) bool {
	if t == nil {
		return true
	}
	if !t.After.IsZero() && ts.Before(t.After) {
		return false
	}
	if !t.Before.IsZero() && !ts.Before(t.Before) {
		return false
	}
	return true
}

type WhoSpec struct {
	Speaker string `json:"speaker"`
}

// StreamSpec selects exactly one channel or one private conversation.
// Character is required for private conversations; for channels an empty
// Character matches the channel as logged by any character.
type StreamSpec struct {
	Character string `json:"character,omitempty"`
	Stream    Stream `json:"stream"`
}

func ChannelSpec(name string) *StreamSpec {
	return &StreamSpec{Stream: ChannelStream(name, "")}
}

func PrivateSpec(myCharacter, interlocutor string) *StreamSpec {
	return &StreamSpec{Character: myCharacter, Stream: PrivateStream(interlocutor)}
}

type TextSpec struct {
	Text string `json:"text"`
}

// Term returns the search text as given, or "" (no filter) when it is blank.
func (t *TextSpec) Term() string {
	if t == nil || strings.TrimSpace(t.Text) == "" {
		return ""
	}
	return t.Text
}

// SearchRequest is the paginated search envelope used by the HTTP and CLI surfaces.
type SearchRequest struct {
	Criteria SearchCriteria `json:"criteria"`
	Format   string         `json:"format,omitempty"`
	Offset   int            `json:"offset"`
	Limit    int            `json:"limit"`
}

type SearchResponse struct {
	Total      int              `json:"total"`
	IDs        []MessageID      `json:"ids"`
	Messages   []*StoredMessage `json:"messages"`
	Offset     int              `json:"offset"`
	Limit      int              `json:"limit"`
	Format     string           `json:"format"`
	DurationMs int64            `json:"duration_ms"`
}
