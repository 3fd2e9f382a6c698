package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType is the kind of a logged utterance. Values are persisted as-is.
type MessageType uint8

const (
	MessageTypeMessage MessageType = iota
	MessageTypeAction
	MessageTypeAd
	MessageTypeRoll
	MessageTypeWarning
	MessageTypeEvent
	MessageTypeBroadcast
)

var messageTypeNames = [...]string{"message", "action", "ad", "roll", "warning", "event", "broadcast"}

func (t MessageType) Valid() bool {
	return int(t) < len(messageTypeNames)
}

func (t MessageType) String() string {
	if !t.Valid() {
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
	return messageTypeNames[t]
}

func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid message type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	v, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseMessageType accepts a type name or its numeric value.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range messageTypeNames {
		if name == s {
			return MessageType(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(messageTypeNames) {
		return MessageType(n), nil
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

type Gender uint8

const (
	GenderNone Gender = iota
	GenderMale
	GenderFemale
	GenderTransgender
	GenderHerm
	GenderMaleHerm
	GenderNeuter
)

type Status uint8

const (
	StatusOffline Status = iota
	StatusOnline
	StatusLooking
	StatusBusy
	StatusDND
	StatusIdle
	StatusAway
	StatusCrown
)

// Message is one immutable logged utterance.
type Message struct {
	Time    time.Time   `json:"time"`
	Type    MessageType `json:"type"`
	Speaker string      `json:"speaker"`
	Text    string      `json:"text"`

	// Only recorded by relational shards at schema version 2 or later.
	Gender *Gender `json:"gender,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Normalize converts the timestamp to UTC with millisecond precision.
func (m *Message) Normalize() {
	m.Time = m.Time.UTC().Truncate(time.Millisecond)
}

func (m *Message) SpeakerIs(name string) bool {
	return strings.EqualFold(m.Speaker, name)
}

// LogEntry is a write request: a message observed by a character in a stream.
type LogEntry struct {
	Character string  `json:"character"`
	Stream    Stream  `json:"stream"`
	Message   Message `json:"message"`
}

func (e *LogEntry) Validate() error {
	if strings.TrimSpace(e.Character) == "" {
		return fmt.Errorf("character is empty")
	}
	if err := e.Stream.Validate(); err != nil {
		return err
	}
	if !e.Message.Type.Valid() {
		return fmt.Errorf("invalid message type %d", e.Message.Type)
	}
	if e.Message.Time.IsZero() {
		return fmt.Errorf("message time is zero")
	}
	return nil
}
