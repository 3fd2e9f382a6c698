package merge

import (
	"errors"
	"iter"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at    int64
	shard string
}

func itemTime(it item) time.Time { return time.Unix(it.at, 0) }

func seqOf(shard string, times ...int64) iter.Seq2[item, error] {
	items := make([]item, len(times))
	for i, ts := range times {
		items[i] = item{at: ts, shard: shard}
	}
	return FromSlice(items)
}

func reversed(shard string, times ...int64) iter.Seq2[item, error] {
	rev := slices.Clone(times)
	slices.Reverse(rev)
	return seqOf(shard, rev...)
}

func times(items []item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.at
	}
	return out
}

func TestMergeForwardScenario(t *testing.T) {
	a := seqOf("a", 100, 150, 200)
	b := seqOf("b", 120, 180)

	got, err := Page(Merge([]iter.Seq2[item, error]{a, b}, Forward, itemTime), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 120, 150, 180, 200}, times(got))
}

func TestMergeBackwardScenario(t *testing.T) {
	a := reversed("a", 100, 150, 200)
	b := reversed("b", 120, 180)

	got, err := Page(Merge([]iter.Seq2[item, error]{a, b}, Backward, itemTime), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{200, 180, 150, 120, 100}, times(got))
}

func TestMergeReconstructsAnyPartition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := rng.Intn(60)
		original := make([]int64, n)
		var ts int64
		for i := range original {
			ts += int64(rng.Intn(3))
			original[i] = ts
		}

		for k := 1; k <= 6; k++ {
			parts := make([][]int64, k)
			for _, v := range original {
				p := rng.Intn(k)
				parts[p] = append(parts[p], v)
			}
			fwd := make([]iter.Seq2[item, error], k)
			bwd := make([]iter.Seq2[item, error], k)
			for i, p := range parts {
				fwd[i] = seqOf("s", p...)
				bwd[i] = reversed("s", p...)
			}

			got, err := Page(Merge(fwd, Forward, itemTime), 0, -1)
			require.NoError(t, err)
			assert.Equal(t, original, times(got), "forward k=%d", k)

			want := slices.Clone(original)
			slices.Reverse(want)
			got, err = Page(Merge(bwd, Backward, itemTime), 0, -1)
			require.NoError(t, err)
			assert.Equal(t, want, times(got), "backward k=%d", k)
		}
	}
}

func TestMergeTieFirstRegisteredWins(t *testing.T) {
	a := seqOf("a", 10, 20)
	b := seqOf("b", 10, 20)

	got, err := Page(Merge([]iter.Seq2[item, error]{a, b}, Forward, itemTime), 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"a", "b", "a", "b"}, []string{got[0].shard, got[1].shard, got[2].shard, got[3].shard})
}

func TestMergeEmptyAndExhausted(t *testing.T) {
	got, err := Page(Merge[item](nil, Forward, itemTime), 0, -1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Page(Merge([]iter.Seq2[item, error]{seqOf("a"), seqOf("b", 5)}, Forward, itemTime), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, times(got))
}

func TestMergePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	failing := func(yield func(item, error) bool) {
		if !yield(item{at: 1}, nil) {
			return
		}
		yield(item{}, boom)
	}

	_, err := Page(Merge([]iter.Seq2[item, error]{failing, seqOf("b", 2, 3)}, Forward, itemTime), 0, -1)
	assert.ErrorIs(t, err, boom)
}

func TestMergeEarlyStopReleasesSequences(t *testing.T) {
	released := 0
	tracked := func(times ...int64) iter.Seq2[item, error] {
		return func(yield func(item, error) bool) {
			defer func() { released++ }()
			for _, ts := range times {
				if !yield(item{at: ts}, nil) {
					return
				}
			}
		}
	}

	got, err := Page(Merge([]iter.Seq2[item, error]{tracked(1, 3, 5), tracked(2, 4, 6)}, Forward, itemTime), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, times(got))
	assert.Equal(t, 2, released)
}
