package binlog

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash"

	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
	"github.com/chatlogstore/chatlog/internal/model"
)

const (
	channelsDir = "channels"
	pmsDir      = "pms"
	keyPrefix   = "bin"
	keySep      = "!"
)

// Layout:
//
//	<root>/<character>/channels/<xxhash64 of lower channel name, hex>.{log,idx}
//	<root>/<character>/pms/<escaped lower interlocutor>.{log,idx}
//
// Character directories are lower case, so names differing only in case share a directory.

func characterDir(character string) string {
	return url.PathEscape(strings.ToLower(strings.TrimSpace(character)))
}

func streamFile(stream model.Stream) (string, string) {
	name := strings.ToLower(strings.TrimSpace(stream.Name))
	if stream.IsChannel() {
		return channelsDir, fmt.Sprintf("%016x", xxhash.Sum64([]byte(name)))
	}
	return pmsDir, url.PathEscape(name)
}

// ShardKey is the swarm key of the file holding stream as logged by character.
func ShardKey(character string, stream model.Stream) string {
	kind, file := streamFile(stream)
	return strings.Join([]string{keyPrefix, characterDir(character), kind, file}, keySep)
}

type shardPath struct {
	characterDir string
	kind         string
	file         string
}

func parseShardKey(key string) (shardPath, error) {
	parts := strings.Split(key, keySep)
	if len(parts) != 4 || parts[0] != keyPrefix || parts[1] == "" || parts[3] == "" {
		return shardPath{}, fmt.Errorf("malformed binary shard key %q", key)
	}
	if parts[2] != channelsDir && parts[2] != pmsDir {
		return shardPath{}, fmt.Errorf("malformed binary shard key %q", key)
	}
	return shardPath{characterDir: parts[1], kind: parts[2], file: parts[3]}, nil
}

func (p shardPath) base(root string) string {
	return filepath.Join(root, p.characterDir, p.kind, p.file)
}

func (p shardPath) key() string {
	return strings.Join([]string{keyPrefix, p.characterDir, p.kind, p.file}, keySep)
}

func (p shardPath) character() string {
	if c, err := url.PathUnescape(p.characterDir); err == nil {
		return c
	}
	return p.characterDir
}

// stream is the identity derivable from the path alone; channel names need the index header.
func (p shardPath) stream() model.Stream {
	if p.kind == channelsDir {
		return model.Stream{Kind: model.StreamChannel}
	}
	name, err := url.PathUnescape(p.file)
	if err != nil {
		name = p.file
	}
	return model.PrivateStream(name)
}

// Scan lists the binary stores below root.
func Scan(root string) ([]*msgstore.Store, error) {
	chars, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	stores := make([]*msgstore.Store, 0)
	for _, c := range chars {
		if !c.IsDir() {
			continue
		}
		for _, kind := range []string{channelsDir, pmsDir} {
			dir := filepath.Join(root, c.Name(), kind)
			files, err := os.ReadDir(dir)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.IsDir() || filepath.Ext(f.Name()) != DataExt {
					continue
				}
				p := shardPath{characterDir: c.Name(), kind: kind, file: strings.TrimSuffix(f.Name(), DataExt)}
				stream := p.stream()
				if name, err := readIndexName(p.base(root) + IndexExt); err == nil && name != "" {
					stream.Name = name
				}
				stores = append(stores, &msgstore.Store{
					ID:        p.key(),
					Format:    msgstore.FormatBinary,
					FilePath:  filepath.Join(dir, f.Name()),
					FileName:  f.Name(),
					Character: p.character(),
					Stream:    &stream,
				})
			}
		}
	}
	return stores, nil
}

func readIndexName(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var n [1]byte
	if _, err := f.Read(n[:]); err != nil {
		return "", err
	}
	name := make([]byte, n[0])
	if _, err := f.ReadAt(name, 1); err != nil {
		return "", err
	}
	return string(name), nil
}
