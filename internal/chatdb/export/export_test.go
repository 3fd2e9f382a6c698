package export

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/model"
	"github.com/chatlogstore/chatlog/pkg/util/compress"
)

func sample(n int) []*model.StoredMessage {
	base := time.Date(2023, 7, 1, 9, 0, 0, 0, time.UTC)
	out := make([]*model.StoredMessage, n)
	for i := range out {
		out[i] = &model.StoredMessage{
			ID:        model.NewMessageID("k", int64(i)),
			Character: "alice",
			Stream:    model.ChannelStream("Frontpage", "Front Page"),
			Message: model.Message{
				Time:    base.Add(time.Duration(i) * time.Minute),
				Type:    model.MessageTypeAction,
				Speaker: "bob",
				Text:    fmt.Sprintf("waves <%d>", i),
			},
		}
	}
	return out
}

func TestWriteRead(t *testing.T) {
	for _, c := range []string{compress.None, compress.Zstd, compress.LZ4} {
		t.Run(c, func(t *testing.T) {
			msgs := sample(50)
			var buf bytes.Buffer
			n, err := Write(context.Background(), &buf, c, merge.FromSlice(msgs))
			require.NoError(t, err)
			assert.Equal(t, 50, n)

			i := 0
			for l, err := range Read(&buf) {
				require.NoError(t, err)
				assert.Equal(t, "alice", l.Character)
				assert.Equal(t, "Front Page", l.Stream.Title)
				assert.True(t, msgs[i].Time.Equal(l.Time))
				assert.Equal(t, msgs[i].Text, l.Text)
				assert.Equal(t, model.MessageTypeAction, l.Type)
				i++
			}
			assert.Equal(t, 50, i)
		})
	}
}

func TestWriteStopsOnError(t *testing.T) {
	boom := fmt.Errorf("boom")
	seq := func(yield func(*model.StoredMessage, error) bool) {
		if !yield(sample(1)[0], nil) {
			return
		}
		yield(nil, boom)
	}
	var buf bytes.Buffer
	n, err := Write(context.Background(), &buf, compress.None, seq)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestWriteUnknownCompression(t *testing.T) {
	_, err := Write(context.Background(), &bytes.Buffer{}, "brotli", merge.FromSlice(sample(1)))
	assert.Error(t, err)
}
