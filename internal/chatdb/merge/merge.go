// Package merge combines per-shard lazy sequences into one time-ordered stream.
package merge

import (
	"iter"
	"slices"
	"time"
)

type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ParseDirection accepts "forward"/"asc" and "backward"/"desc".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "", "forward", "asc":
		return Forward, true
	case "backward", "desc":
		return Backward, true
	}
	return Forward, false
}

// Before reports whether a sorts strictly before b in direction d.
func (d Direction) Before(a, b time.Time) bool {
	if d == Backward {
		return a.After(b)
	}
	return a.Before(b)
}

type head[T any] struct {
	next func() (T, error, bool)
	cur  T
}

// Merge performs a k-way merge of seqs, each already ordered in direction dir.
// On equal keys the sequence registered first wins. The first error of any
// sequence is yielded and ends the merge. Stopping early releases every sequence.
func Merge[T any](seqs []iter.Seq2[T, error], dir Direction, key func(T) time.Time) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		stops := make([]func(), 0, len(seqs))
		defer func() {
			for _, stop := range stops {
				stop()
			}
		}()

		active := make([]*head[T], 0, len(seqs))
		for _, seq := range seqs {
			next, stop := iter.Pull2(seq)
			stops = append(stops, stop)
			v, err, ok := next()
			if !ok {
				continue
			}
			if err != nil {
				yield(zero, err)
				return
			}
			active = append(active, &head[T]{next: next, cur: v})
		}

		for len(active) > 0 {
			best := 0
			bestKey := key(active[0].cur)
			for i := 1; i < len(active); i++ {
				if k := key(active[i].cur); dir.Before(k, bestKey) {
					best, bestKey = i, k
				}
			}

			h := active[best]
			if !yield(h.cur, nil) {
				return
			}
			v, err, ok := h.next()
			if !ok {
				active = slices.Delete(active, best, best+1)
				continue
			}
			if err != nil {
				yield(zero, err)
				return
			}
			h.cur = v
		}
	}
}

// Page skips skip items of seq and collects at most take of the rest.
// A negative take collects everything.
func Page[T any](seq iter.Seq2[T, error], skip, take int) ([]T, error) {
	out := make([]T, 0)
	if take == 0 {
		return out, nil
	}
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, v)
		if take > 0 && len(out) >= take {
			break
		}
	}
	return out, nil
}

// Count drains seq and returns the number of items.
func Count[T any](seq iter.Seq2[T, error]) (int, error) {
	n := 0
	for _, err := range seq {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// FromSlice adapts an ordered slice to a sequence.
func FromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range items {
			if !yield(v, nil) {
				return
			}
		}
	}
}
