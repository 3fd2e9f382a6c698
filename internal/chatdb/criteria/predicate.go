package criteria

import (
	"fmt"
	"strings"

	"github.com/chatlogstore/chatlog/internal/model"
)

// Predicate decides whether a message logged by character in stream matches.
type Predicate func(character string, stream model.Stream, msg *model.Message) bool

// PredicateCompiler compiles trees for in-process evaluation.
type PredicateCompiler struct{}

var _ Compiler[Predicate] = PredicateCompiler{}

func (PredicateCompiler) Compile(n Node) (Predicate, error) {
	switch v := n.(type) {
	case nil:
		return matchAll, nil
	case And:
		preds := make([]Predicate, 0, len(v.Nodes))
		for _, child := range v.Nodes {
			p, err := PredicateCompiler{}.Compile(child)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		if len(preds) == 1 {
			return preds[0], nil
		}
		return func(character string, stream model.Stream, msg *model.Message) bool {
			for _, p := range preds {
				if !p(character, stream, msg) {
					return false
				}
			}
			return true
		}, nil
	case TimeNode:
		spec := &model.TimeSpec{After: v.After, Before: v.Before}
		return func(_ string, _ model.Stream, msg *model.Message) bool {
			return spec.Contains(msg.Time)
		}, nil
	case WhoNode:
		return func(_ string, _ model.Stream, msg *model.Message) bool {
			return msg.SpeakerIs(v.Speaker)
		}, nil
	case StreamNode:
		return func(character string, stream model.Stream, _ *model.Message) bool {
			if v.Character != "" && !strings.EqualFold(character, v.Character) {
				return false
			}
			return stream.Same(v.Stream)
		}, nil
	case TextNode:
		return func(_ string, _ model.Stream, msg *model.Message) bool {
			return ContainsFold(msg.Text, v.Text)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported criteria node %T", n)
	}
}

func matchAll(string, model.Stream, *model.Message) bool { return true }
