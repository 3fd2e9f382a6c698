package model

import (
	"fmt"
	"strconv"
	"strings"
)

type StreamKind uint8

const (
	StreamUnknown StreamKind = iota
	StreamChannel
	StreamPrivate
)

func (k StreamKind) String() string {
	switch k {
	case StreamChannel:
		return "channel"
	case StreamPrivate:
		return "private"
	default:
		return "unknown"
	}
}

func (k StreamKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StreamKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "channel":
		*k = StreamChannel
	case "private", "pm":
		*k = StreamPrivate
	default:
		return fmt.Errorf("unknown stream kind %q", string(b))
	}
	return nil
}

// Stream is the logical conversation a shard (or a row set inside one) represents.
// For private conversations Name is the interlocutor; the owning character is kept
// next to the stream, never inside it.
type Stream struct {
	Kind  StreamKind `json:"kind"`
	Name  string     `json:"name"`
	Title string     `json:"title,omitempty"`
}

func ChannelStream(name, title string) Stream {
	return Stream{Kind: StreamChannel, Name: name, Title: title}
}

func PrivateStream(interlocutor string) Stream {
	return Stream{Kind: StreamPrivate, Name: interlocutor}
}

func (s Stream) IsChannel() bool { return s.Kind == StreamChannel }

func (s Stream) IsPrivate() bool { return s.Kind == StreamPrivate }

// Same compares identities; names are case-insensitive and titles are ignored.
func (s Stream) Same(o Stream) bool {
	return s.Kind == o.Kind && strings.EqualFold(s.Name, o.Name)
}

// Key is a canonical identity string, e.g. "channel:frontpage".
func (s Stream) Key() string {
	return s.Kind.String() + ":" + strings.ToLower(s.Name)
}

func (s Stream) Validate() error {
	if s.Kind != StreamChannel && s.Kind != StreamPrivate {
		return fmt.Errorf("invalid stream kind %d", s.Kind)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stream name is empty")
	}
	return nil
}

func (s Stream) String() string {
	if s.Kind == StreamPrivate {
		return "pm:" + s.Name
	}
	return "#" + s.Name
}

// MessageID is an opaque, immutable handle of a stored message: "<shard key>#<locator>".
type MessageID string

func NewMessageID(shardKey string, locator int64) MessageID {
	return MessageID(shardKey + "#" + strconv.FormatInt(locator, 10))
}

// Parse splits the id into its shard key and shard-local locator.
func (id MessageID) Parse() (string, int64, error) {
	s := string(id)
	i := strings.LastIndexByte(s, '#')
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("malformed message id %q", s)
	}
	loc, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || loc < 0 {
		return "", 0, fmt.Errorf("malformed message id %q", s)
	}
	return s[:i], loc, nil
}

// StoredMessage is a message together with where it lives.
type StoredMessage struct {
	ID        MessageID `json:"id"`
	Character string    `json:"character"`
	Stream    Stream    `json:"stream"`
	Message
}
