package binlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/model"
)

const day = 86400

func openTestFile(t *testing.T, create bool) (*LogFile, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "alice", "channels", "frontpage")
	f, err := OpenLogFile("bin!alice!channels!frontpage", base, "alice", model.ChannelStream("Frontpage", ""), create)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, base
}

func appendAll(t *testing.T, f *LogFile, secs ...int64) []int64 {
	t.Helper()
	offsets := make([]int64, 0, len(secs))
	for i, s := range secs {
		off, err := f.Append(context.Background(), &model.Message{
			Time:    time.Unix(s, 0),
			Type:    model.MessageTypeMessage,
			Speaker: "bob",
			Text:    fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	return offsets
}

func collect(t *testing.T, seq func(func(Record, error) bool)) []Record {
	t.Helper()
	var out []Record
	for rec, err := range seq {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func texts(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message.Text
	}
	return out
}

func TestOpenLogFileMissing(t *testing.T) {
	_, err := OpenLogFile("k", filepath.Join(t.TempDir(), "nope"), "alice", model.PrivateStream("bob"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogFileRoundTripAndSymmetry(t *testing.T) {
	f, _ := openTestFile(t, true)
	offsets := appendAll(t, f, 100, 150, 150, day+10, 3*day)
	ctx := context.Background()

	fwd := collect(t, f.Enumerate(ctx, merge.Forward, -1))
	require.Len(t, fwd, 5)
	assert.Equal(t, []string{"message 0", "message 1", "message 2", "message 3", "message 4"}, texts(fwd))
	for i, r := range fwd {
		assert.Equal(t, offsets[i], r.Offset)
	}

	back := collect(t, f.Enumerate(ctx, merge.Backward, -1))
	assert.Equal(t, []string{"message 4", "message 3", "message 2", "message 1", "message 0"}, texts(back))

	// Starting mid-file.
	back = collect(t, f.Enumerate(ctx, merge.Backward, offsets[2]))
	assert.Equal(t, []string{"message 1", "message 0"}, texts(back))
	fwd = collect(t, f.Enumerate(ctx, merge.Forward, offsets[3]))
	assert.Equal(t, []string{"message 3", "message 4"}, texts(fwd))

	ix := f.IndexSnapshot()
	assert.Equal(t, []IndexEntry{{Day: 0, Offset: offsets[0]}, {Day: 1, Offset: offsets[3]}, {Day: 3, Offset: offsets[4]}}, ix.Entries)
}

func TestLogFileReopenKeepsIndex(t *testing.T) {
	f, base := openTestFile(t, true)
	appendAll(t, f, 100, day+1)
	require.NoError(t, f.Close())

	g, err := OpenLogFile("k", base, "alice", model.Stream{Kind: model.StreamChannel}, false)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, "Frontpage", g.Stream().Name)
	assert.Len(t, g.IndexSnapshot().Entries, 2)

	appendAll(t, g, 2*day)
	assert.Len(t, collect(t, g.Enumerate(context.Background(), merge.Forward, 0)), 3)
}

func TestLogFileRebuildsMissingIndex(t *testing.T) {
	f, base := openTestFile(t, true)
	offsets := appendAll(t, f, 100, day+1, day+2, 5*day)
	want := f.IndexSnapshot().Entries
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(base+IndexExt))

	g, err := OpenLogFile("k", base, "alice", model.ChannelStream("Frontpage", ""), false)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, want, g.IndexSnapshot().Entries)
	assert.Equal(t, offsets[3], g.IndexSnapshot().Entries[2].Offset)
	assert.FileExists(t, base+IndexExt)
}

func TestLogFileRangeAndDays(t *testing.T) {
	f, _ := openTestFile(t, true)
	appendAll(t, f, 5*day+1, 5*day+2, 9*day+1, 9*day+2, 12*day)
	ctx := context.Background()

	recs := collect(t, f.Range(ctx, merge.Forward, time.Unix(5*day+2, 0), time.Unix(9*day+2, 0)))
	assert.Equal(t, []string{"message 1", "message 2"}, texts(recs))

	recs = collect(t, f.Range(ctx, merge.Backward, time.Time{}, time.Unix(7*day, 0)))
	assert.Equal(t, []string{"message 1", "message 0"}, texts(recs))

	recs = collect(t, f.Range(ctx, merge.Backward, time.Unix(13*day, 0), time.Time{}))
	assert.Empty(t, recs)

	recs = collect(t, f.MessagesOnDay(ctx, 9))
	assert.Equal(t, []string{"message 2", "message 3"}, texts(recs))
	assert.Empty(t, collect(t, f.MessagesOnDay(ctx, 7)))
}

func TestLogFileReadAt(t *testing.T) {
	f, _ := openTestFile(t, true)
	offsets := appendAll(t, f, 100, 200)

	msg, err := f.ReadAt(offsets[1])
	require.NoError(t, err)
	assert.Equal(t, "message 1", msg.Text)

	_, err = f.ReadAt(offsets[1] + 1000)
	var corrupt *CorruptLogError
	assert.ErrorAs(t, err, &corrupt)
}

func TestLogFileCorruptTrailerStopsBackwardScan(t *testing.T) {
	f, base := openTestFile(t, true)
	appendAll(t, f, 100, 200)
	size := f.Size()

	raw, err := os.ReadFile(base + DataExt)
	require.NoError(t, err)
	raw[size-2] = 0xff
	raw[size-1] = 0xff
	require.NoError(t, os.WriteFile(base+DataExt, raw, 0o644))

	var gotErr error
	for _, err := range f.Enumerate(context.Background(), merge.Backward, -1) {
		if err != nil {
			gotErr = err
			break
		}
	}
	var corrupt *CorruptLogError
	require.ErrorAs(t, gotErr, &corrupt)
	assert.Equal(t, size, corrupt.Offset)

	// Forward also fails on the damaged record, after the intact one.
	var seen int
	for _, err := range f.Enumerate(context.Background(), merge.Forward, 0) {
		if err != nil {
			gotErr = err
			break
		}
		seen++
	}
	assert.Equal(t, 1, seen)
	assert.ErrorAs(t, gotErr, &corrupt)
}

func TestLogFileEnumerateObservesCancel(t *testing.T) {
	f, _ := openTestFile(t, true)
	appendAll(t, f, 100, 200, 300)

	ctx, cancel := context.WithCancel(context.Background())
	var n int
	var gotErr error
	for _, err := range f.Enumerate(ctx, merge.Forward, 0) {
		if err != nil {
			gotErr = err
			break
		}
		n++
		cancel()
	}
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestLogFileRangeOrdersLateRecords(t *testing.T) {
	f, base := openTestFile(t, true)
	appendAll(t, f, 100, 200, 150)
	ctx := context.Background()

	secs := func(recs []Record) []int64 {
		out := make([]int64, len(recs))
		for i, r := range recs {
			out[i] = r.Message.Time.Unix()
		}
		return out
	}

	assert.Equal(t, []int64{100, 150, 200}, secs(collect(t, f.Range(ctx, merge.Forward, time.Time{}, time.Time{}))))
	assert.Equal(t, []int64{200, 150, 100}, secs(collect(t, f.Range(ctx, merge.Backward, time.Time{}, time.Time{}))))
	assert.Equal(t, []int64{100, 150}, secs(collect(t, f.Range(ctx, merge.Forward, time.Time{}, time.Unix(180, 0)))))
	assert.Equal(t, []int64{150, 200}, secs(collect(t, f.Range(ctx, merge.Forward, time.Unix(120, 0), time.Time{}))))

	// Append order is kept on disk.
	assert.Equal(t, []int64{100, 200, 150}, secs(collect(t, f.Enumerate(ctx, merge.Forward, -1))))

	require.NoError(t, f.Close())
	g, err := OpenLogFile("k", base, "alice", model.ChannelStream("Frontpage", ""), false)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, []int64{100, 150}, secs(collect(t, g.Range(ctx, merge.Forward, time.Time{}, time.Unix(180, 0)))))
}

func TestLogFileLateRecordOfEarlierDay(t *testing.T) {
	f, _ := openTestFile(t, true)
	appendAll(t, f, 5*day+1, 9*day+1, 5*day+2)
	ctx := context.Background()

	assert.Equal(t, []string{"message 0", "message 2"}, texts(collect(t, f.MessagesOnDay(ctx, 5))))
	assert.Equal(t, []string{"message 1"}, texts(collect(t, f.MessagesOnDay(ctx, 9))))
	assert.Equal(t, []string{"message 2", "message 0"}, texts(collect(t, f.Range(ctx, merge.Backward, time.Time{}, time.Unix(7*day, 0)))))
}

func TestLogFileCreateWritesIndexHeader(t *testing.T) {
	_, base := openTestFile(t, true)

	raw, err := os.Open(base + IndexExt)
	require.NoError(t, err)
	defer raw.Close()
	ix, err := ReadIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, "Frontpage", ix.Name)
	assert.Empty(t, ix.Entries)
}
