package criteria

import (
	"net/http"
	"strings"
	"time"

	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

// Node is one filter of a criteria tree.
type Node interface {
	node()
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Nodes []Node
}

// TimeNode bounds message time, After inclusive and Before exclusive. Zero bounds are open.
type TimeNode struct {
	After  time.Time
	Before time.Time
}

type WhoNode struct {
	Speaker string
}

// StreamNode selects one channel or one private conversation. An empty Character
// only occurs for channels and matches every character.
type StreamNode struct {
	Character string
	Stream    model.Stream
}

// TextNode is a case-insensitive substring match on message text.
type TextNode struct {
	Text string
}

func (And) node()        {}
func (TimeNode) node()   {}
func (WhoNode) node()    {}
func (StreamNode) node() {}
func (TextNode) node()   {}

// Build validates c and turns it into a tree. Empty filters are left out.
func Build(c model.SearchCriteria) (Node, error) {
	root := And{}

	if t := c.Time; t != nil && (!t.After.IsZero() || !t.Before.IsZero()) {
		if !t.After.IsZero() && !t.Before.IsZero() && !t.After.Before(t.Before) {
			return nil, errors.TimeRangeInvalid(t.After, t.Before)
		}
		root.Nodes = append(root.Nodes, TimeNode{After: t.After.UTC(), Before: t.Before.UTC()})
	}

	if w := c.Who; w != nil {
		if speaker := strings.TrimSpace(w.Speaker); speaker != "" {
			root.Nodes = append(root.Nodes, WhoNode{Speaker: speaker})
		}
	}

	if s := c.Stream; s != nil {
		if err := s.Stream.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid stream criteria", http.StatusBadRequest)
		}
		character := strings.TrimSpace(s.Character)
		if s.Stream.IsPrivate() && character == "" {
			return nil, errors.ErrCharacterEmpty
		}
		root.Nodes = append(root.Nodes, StreamNode{Character: character, Stream: s.Stream})
	}

	if term := c.Text.Term(); term != "" {
		root.Nodes = append(root.Nodes, TextNode{Text: term})
	}

	return root, nil
}

// Walk calls fn for every leaf of n.
func Walk(n Node, fn func(Node)) {
	switch v := n.(type) {
	case And:
		for _, child := range v.Nodes {
			Walk(child, fn)
		}
	case nil:
	default:
		fn(v)
	}
}

// Compiler turns a tree into a backend specific form.
type Compiler[T any] interface {
	Compile(n Node) (T, error)
}

// ContainsFold reports whether substr is within s, ignoring case.
// Both backends evaluate text filters with it.
func ContainsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
