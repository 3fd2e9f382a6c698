package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/chatdb/repository"
)

func TestLoadFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nformat: binary\nhttp_addr: \"8080\"\n"), 0o600))

	c, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, dir, c.DataDir)
	assert.Equal(t, msgstore.FormatBinary, c.Format)
	assert.Equal(t, "127.0.0.1:8080", c.HTTPAddr)
	assert.Equal(t, repository.DefaultDedupWindow, c.DedupWindow)
	assert.True(t, c.Watch)

	t.Setenv("CHATLOG_FORMAT", "relational")
	c, err = Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, msgstore.FormatRelational, c.Format)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("format", "", "")
	flags.Int("dedup-window", 0, "")
	require.NoError(t, flags.Parse([]string{"--format", "binary", "--dedup-window", "5"}))
	c, err = Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, msgstore.FormatBinary, c.Format)
	assert.Equal(t, 5, c.DedupWindow)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatlog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"xml"}`), 0o600))
	_, err := Load(path, nil)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestNormalizeHTTPAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:5030", NormalizeHTTPAddr("5030"))
	assert.Equal(t, "0.0.0.0:80", NormalizeHTTPAddr("http://0.0.0.0:80/"))
	assert.Equal(t, "localhost:1", NormalizeHTTPAddr(" localhost:1 "))
}
