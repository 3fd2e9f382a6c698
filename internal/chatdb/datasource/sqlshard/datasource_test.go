package sqlshard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/chatdb/criteria"
	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/errors"
	"github.com/chatlogstore/chatlog/internal/model"
)

func newTestSource(t *testing.T) *DataSource {
	t.Helper()
	ds, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close(context.Background()) })
	return ds
}

func write(t *testing.T, ds *DataSource, character string, stream model.Stream, ts time.Time, speaker, text string) model.MessageID {
	t.Helper()
	id, err := ds.Append(context.Background(), &model.LogEntry{
		Character: character,
		Stream:    stream,
		Message:   model.Message{Time: ts, Type: model.MessageTypeMessage, Speaker: speaker, Text: text},
	})
	require.NoError(t, err)
	return id
}

func build(t *testing.T, c model.SearchCriteria) criteria.Node {
	t.Helper()
	n, err := criteria.Build(c)
	require.NoError(t, err)
	return n
}

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestShardKeyNaming(t *testing.T) {
	assert.Equal(t, "log!alice!2024!03", ShardKey("Alice", base))
	assert.Equal(t, "log!a%20b%21c!2024!03", ShardKey("A b!c", base))

	n, err := parseShardKey("log!a%20b%21c!2024!03")
	require.NoError(t, err)
	assert.Equal(t, "a b!c", n.character)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), n.end())

	_, err = parseShardKey("log!alice!2024!13")
	assert.Error(t, err)
}

func TestPrivateConversationTextSearch(t *testing.T) {
	ds := newTestSource(t)
	pm := model.PrivateStream("Bob")
	write(t, ds, "Alice", pm, base, "Bob", "hello there")
	write(t, ds, "Alice", pm, base.Add(time.Minute), "Alice", "goodbye")
	write(t, ds, "Alice", model.ChannelStream("Frontpage", ""), base.Add(2*time.Minute), "Bob", "hello channel")

	ctx := context.Background()
	n := build(t, model.SearchCriteria{Stream: model.PrivateSpec("Alice", "Bob"), Text: &model.TextSpec{Text: "hello"}})

	count, err := ds.CountMatches(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ids, err := ds.MatchingIDs(ctx, n, 0, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	msgs, err := ds.Resolve(ctx, ids)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text)
	assert.Equal(t, "Bob", msgs[0].Speaker)
	assert.True(t, msgs[0].Stream.Same(pm))
}

func TestRoundTripAndSymmetryAcrossMonths(t *testing.T) {
	ds := newTestSource(t)
	ch := model.ChannelStream("Frontpage", "Front Page")
	var want []time.Time
	for i := range 6 {
		ts := base.AddDate(0, 0, i*12).Add(time.Duration(i) * time.Millisecond)
		write(t, ds, "alice", ch, ts, "bob", fmt.Sprintf("m%d", i))
		want = append(want, ts)
	}
	ctx := context.Background()

	var got []time.Time
	for m, err := range ds.Messages(ctx, criteria.And{}, merge.Forward) {
		require.NoError(t, err)
		got = append(got, m.Time)
		assert.Equal(t, "Front Page", m.Stream.Title)
	}
	assert.Equal(t, want, got)

	got = got[:0]
	for m, err := range ds.Messages(ctx, criteria.And{}, merge.Backward) {
		require.NoError(t, err)
		got = append(got, m.Time)
	}
	for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
		want[i], want[j] = want[j], want[i]
	}
	assert.Equal(t, want, got)

	stores, err := ds.ListMessageStores(ctx)
	require.NoError(t, err)
	assert.Len(t, stores, 3)
}

func TestShardEnumerateBounds(t *testing.T) {
	ds := newTestSource(t)
	ch := model.ChannelStream("x", "")
	for i := range 5 {
		write(t, ds, "alice", ch, base.Add(time.Duration(i)*time.Second), "bob", fmt.Sprintf("m%d", i))
	}
	ctx := context.Background()
	s, err := ds.swarm.GetOrOpen(ctx, ShardKey("alice", base))
	require.NoError(t, err)

	var texts []string
	for m, err := range s.Enumerate(ctx, merge.Backward, base.Add(time.Second), base.Add(4*time.Second)) {
		require.NoError(t, err)
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"m3", "m2", "m1"}, texts)
}

func TestSpeakerAndTimeFilters(t *testing.T) {
	ds := newTestSource(t)
	ch := model.ChannelStream("Frontpage", "")
	write(t, ds, "alice", ch, base, "Bob", "a")
	write(t, ds, "alice", ch, base.Add(time.Hour), "bob", "b")
	write(t, ds, "alice", ch, base.Add(2*time.Hour), "Carol", "c")
	write(t, ds, "alice", ch, base.AddDate(0, 2, 0), "BOB", "d")
	ctx := context.Background()

	count, err := ds.CountMatches(ctx, build(t, model.SearchCriteria{Who: &model.WhoSpec{Speaker: "bob"}}))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = ds.CountMatches(ctx, build(t, model.SearchCriteria{
		Who:  &model.WhoSpec{Speaker: "bob"},
		Time: &model.TimeSpec{After: base, Before: base.Add(time.Hour)},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPaginationIsStableUnderWrites(t *testing.T) {
	ds := newTestSource(t)
	ch := model.ChannelStream("Frontpage", "")
	for i := range 25 {
		write(t, ds, "alice", ch, base.Add(time.Duration(i)*time.Second), "bob", "msg")
	}
	ctx := context.Background()
	n := build(t, model.SearchCriteria{Stream: model.ChannelSpec("frontpage")})

	first, err := ds.MatchingIDs(ctx, n, 0, 10)
	require.NoError(t, err)
	write(t, ds, "carol", ch, base.AddDate(1, 0, 0), "bob", "later")
	second, err := ds.MatchingIDs(ctx, n, 10, 10)
	require.NoError(t, err)
	both, err := ds.MatchingIDs(ctx, n, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, both, append(append([]model.MessageID(nil), first...), second...))
}

func TestDistinctNamesAndExistence(t *testing.T) {
	ds := newTestSource(t)
	write(t, ds, "Alice", model.ChannelStream("Frontpage", ""), base, "x", "1")
	write(t, ds, "Carol", model.ChannelStream("frontpage", ""), base.AddDate(0, 1, 0), "x", "2")
	write(t, ds, "Carol", model.PrivateStream("Bob"), base, "x", "3")
	ctx := context.Background()

	names, err := ds.DistinctChannelNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)

	chars, err := ds.DistinctCharacterNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, chars)

	ok, err := ds.HasPrivateConversation(ctx, "carol", "BOB")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ds.HasPrivateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = ds.HasChannel(ctx, "FRONTPAGE")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestImportIsIdempotentPerMonth(t *testing.T) {
	ds := newTestSource(t)
	pm := model.PrivateStream("Bob")
	msgs := []model.Message{
		{Time: base, Speaker: "Bob", Text: "one"},
		{Time: base.AddDate(0, 1, 0), Speaker: "Bob", Text: "two"},
	}
	ctx := context.Background()

	n, err := ds.Import(ctx, "alice", "bin!alice!pms!bob", pm, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = ds.Import(ctx, "alice", "bin!alice!pms!bob", pm, msgs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := ds.CountMatches(ctx, criteria.And{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestResolveErrors(t *testing.T) {
	ds := newTestSource(t)
	id := write(t, ds, "alice", model.PrivateStream("bob"), base, "bob", "x")
	ctx := context.Background()

	_, err := ds.Resolve(ctx, []model.MessageID{"nonsense"})
	assert.Equal(t, 400, errors.GetCode(err))

	key, _, err := id.Parse()
	require.NoError(t, err)
	_, err = ds.Resolve(ctx, []model.MessageID{model.NewMessageID(key, 999)})
	assert.Equal(t, 404, errors.GetCode(err))

	msgs, err := ds.MessagesOnDay(ctx, "alice", model.PrivateStream("Bob"), base)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	msgs, err = ds.MessagesOnDay(ctx, "alice", model.PrivateStream("Bob"), base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMigrationIsRecorded(t *testing.T) {
	ds := newTestSource(t)
	write(t, ds, "alice", model.PrivateStream("bob"), base, "bob", "x")
	s, err := ds.swarm.GetOrOpen(context.Background(), ShardKey("alice", base))
	require.NoError(t, err)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	if s.FullText() {
		assert.Equal(t, schemaVersion, version)
	} else {
		assert.Equal(t, schemaVersion-1, version)
	}
}

func TestLateRecordsMergeInTimeOrder(t *testing.T) {
	ds := newTestSource(t)
	a := model.ChannelStream("A", "")
	for _, sec := range []int64{100, 200, 150} {
		write(t, ds, "alice", a, time.Unix(sec, 0), "x", "a")
	}
	write(t, ds, "carol", model.ChannelStream("B", ""), time.Unix(120, 0), "x", "b")
	write(t, ds, "carol", model.ChannelStream("B", ""), time.Unix(180, 0), "x", "b")
	ctx := context.Background()

	var got []int64
	for m, err := range ds.Messages(ctx, criteria.And{}, merge.Forward) {
		require.NoError(t, err)
		got = append(got, m.Time.Unix())
	}
	assert.Equal(t, []int64{100, 120, 150, 180, 200}, got)

	count, err := ds.CountMatches(ctx, build(t, model.SearchCriteria{
		Stream: model.ChannelSpec("A"),
		Time:   &model.TimeSpec{Before: time.Unix(180, 0)},
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
