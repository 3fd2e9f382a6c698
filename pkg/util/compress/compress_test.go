package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := strings.Repeat("{\"speaker\":\"Alice\",\"text\":\"hello\"}\n", 200)
	for _, name := range []string{None, Zstd, LZ4, Gzip} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, name)
			require.NoError(t, err)
			_, err = io.WriteString(w, payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			if name != None {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, detected, err := NewReader(&buf)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, name, detected)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
		})
	}
}

func TestNormalize(t *testing.T) {
	for in, want := range map[string]string{"": None, " ZSTD ": Zstd, "zst": Zstd, "lz4": LZ4, "gz": Gzip} {
		got, err := Normalize(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := Normalize("brotli")
	assert.Error(t, err)
}

func TestFromPath(t *testing.T) {
	assert.Equal(t, Zstd, FromPath("out/frontpage.jsonl.zst"))
	assert.Equal(t, LZ4, FromPath("x.LZ4"))
	assert.Equal(t, None, FromPath("x.jsonl"))
	assert.Equal(t, ".gz", Ext(Gzip))
	assert.Equal(t, "", Ext(None))
}

func TestEmptyReader(t *testing.T) {
	r, name, err := NewReader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, None, name)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}
