package sqlshard

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chatlogstore/chatlog/internal/chatdb/msgstore"
)

const (
	Ext       = ".db"
	keyPrefix = "log"
	keySep    = "!"
)

// ShardKey names the shard of character for the month of t: log!<character>!<yyyy>!<mm>.
func ShardKey(character string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s%s%s%04d%s%02d", keyPrefix, keySep, escapeCharacter(character), keySep, t.Year(), keySep, int(t.Month()))
}

func escapeCharacter(character string) string {
	s := url.PathEscape(strings.ToLower(strings.TrimSpace(character)))
	return strings.ReplaceAll(s, keySep, "%21")
}

type shardName struct {
	character string
	year      int
	month     time.Month
}

func parseShardKey(key string) (shardName, error) {
	parts := strings.Split(key, keySep)
	if len(parts) != 4 || parts[0] != keyPrefix || parts[1] == "" {
		return shardName{}, fmt.Errorf("malformed relational shard key %q", key)
	}
	character, err := url.PathUnescape(parts[1])
	if err != nil {
		return shardName{}, fmt.Errorf("malformed relational shard key %q: %w", key, err)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return shardName{}, fmt.Errorf("malformed relational shard key %q", key)
	}
	month, err := strconv.Atoi(parts[3])
	if err != nil || month < 1 || month > 12 || len(parts[3]) != 2 {
		return shardName{}, fmt.Errorf("malformed relational shard key %q", key)
	}
	return shardName{character: character, year: year, month: time.Month(month)}, nil
}

func (n shardName) start() time.Time {
	return time.Date(n.year, n.month, 1, 0, 0, 0, 0, time.UTC)
}

func (n shardName) end() time.Time {
	return n.start().AddDate(0, 1, 0)
}

func shardPath(root, key string) string {
	return filepath.Join(root, key+Ext)
}

// Scan lists the relational stores in root.
func Scan(root string) ([]*msgstore.Store, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	stores := make([]*msgstore.Store, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		key := strings.TrimSuffix(e.Name(), Ext)
		n, err := parseShardKey(key)
		if err != nil {
			continue
		}
		stores = append(stores, &msgstore.Store{
			ID:        key,
			Format:    msgstore.FormatRelational,
			FilePath:  filepath.Join(root, e.Name()),
			FileName:  e.Name(),
			Character: n.character,
			StartTime: n.start(),
			EndTime:   n.end(),
		})
	}
	return stores, nil
}
