package compress

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog/log"
)

const (
	None = "none"
	Zstd = "zstd"
	LZ4  = "lz4"
	Gzip = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	gzipMagic = []byte{0x1f, 0x8b}
)

type codec struct {
	name  string
	ext   string
	magic []byte
	wrap  func(io.Writer) (io.WriteCloser, error)
	open  func(io.Reader) (io.ReadCloser, error)
}

var codecs = []codec{
	{
		name:  Zstd,
		ext:   ".zst",
		magic: zstdMagic,
		wrap: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w)
		},
		open: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	},
	{
		name:  LZ4,
		ext:   ".lz4",
		magic: lz4Magic,
		wrap: func(w io.Writer) (io.WriteCloser, error) {
			return lz4.NewWriter(w), nil
		},
		open: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		},
	},
	{
		name:  Gzip,
		ext:   ".gz",
		magic: gzipMagic,
		wrap: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
		open: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
}

func lookup(name string) (codec, bool) {
	for _, c := range codecs {
		if c.name == name {
			return c, true
		}
	}
	return codec{}, false
}

// Normalize maps user input to a codec name; empty means None.
func Normalize(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", None, "off", "raw":
		return None, nil
	case "zst":
		return Zstd, nil
	case "gz":
		return Gzip, nil
	}
	if _, ok := lookup(name); ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown compression %q", name)
}

// Ext returns the file extension of a codec, empty for None.
func Ext(name string) string {
	if c, ok := lookup(name); ok {
		return c.ext
	}
	return ""
}

// FromPath picks the codec from a file extension.
func FromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	for _, c := range codecs {
		if c.ext == ext {
			return c.name
		}
	}
	return None
}

// NewWriter wraps w with the named codec. Closing the result flushes the codec but leaves w open.
func NewWriter(w io.Writer, name string) (io.WriteCloser, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	c, ok := lookup(name)
	if !ok {
		return nopWriteCloser{w}, nil
	}
	return c.wrap(w)
}

// NewReader detects the codec of r from its leading magic bytes.
func NewReader(r io.Reader) (io.ReadCloser, string, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", err
	}
	for _, c := range codecs {
		if !bytes.HasPrefix(head, c.magic) {
			continue
		}
		rc, err := c.open(br)
		if err != nil {
			log.Debug().Str("codec", c.name).Err(err).Msg("open compressed stream failed")
			return nil, c.name, err
		}
		return rc, c.name, nil
	}
	return io.NopCloser(br), None, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
