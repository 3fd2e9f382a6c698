package export

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"

	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
	"github.com/chatlogstore/chatlog/pkg/util/compress"
)

// Line is one exported message. Ids are left out, they only make sense next to the shard they came from.
type Line struct {
	Character string       `json:"character"`
	Stream    model.Stream `json:"stream"`
	model.Message
}

// Write streams msgs to w as JSON lines wrapped in the named compression.
// It stops at the first sequence error and returns the number of lines written.
func Write(ctx context.Context, w io.Writer, compression string, msgs iter.Seq2[*model.StoredMessage, error]) (int, error) {
	cw, err := compress.NewWriter(w, compression)
	if err != nil {
		return 0, errors.InvalidArg("compression")
	}
	bw := bufio.NewWriterSize(cw, 64<<10)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	n := 0
	for m, err := range msgs {
		if err != nil {
			_ = cw.Close()
			return n, err
		}
		if err := ctx.Err(); err != nil {
			_ = cw.Close()
			return n, err
		}
		if err := enc.Encode(Line{Character: m.Character, Stream: m.Stream, Message: m.Message}); err != nil {
			_ = cw.Close()
			return n, err
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		_ = cw.Close()
		return n, err
	}
	if err := cw.Close(); err != nil {
		return n, err
	}
	log.Debug().Int("lines", n).Str("compression", compression).Msg("export written")
	return n, nil
}

// Read yields the lines of an export, detecting its compression.
func Read(r io.Reader) iter.Seq2[*Line, error] {
	return func(yield func(*Line, error) bool) {
		rc, _, err := compress.NewReader(r)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()

		dec := json.NewDecoder(bufio.NewReader(rc))
		for {
			var l Line
			err := dec.Decode(&l)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&l, nil) {
				return
			}
		}
	}
}
