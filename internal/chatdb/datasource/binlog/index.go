package binlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Index file layout: u8 name length | name | repeated 7-byte entries.
// Each entry is u16 epoch day followed by a 40-bit little-endian byte offset.
const (
	indexEntrySize = 7
	maxIndexOffset = 1<<40 - 1
	secondsPerDay  = 86400
)

type IndexEntry struct {
	Day    uint16
	Offset int64
}

// Index is the sparse day to offset map of one log file, one entry per day with records,
// ascending by day. Index files are small, so lookups scan linearly.
type Index struct {
	Name    string
	Entries []IndexEntry
}

// EpochDay returns the UTC day number of t.
func EpochDay(t time.Time) uint16 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	day := sec / secondsPerDay
	if day > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(day)
}

// DayStart returns the first instant of an epoch day.
func DayStart(day uint16) time.Time {
	return time.Unix(int64(day)*secondsPerDay, 0).UTC()
}

func encodeIndexHeader(name string) ([]byte, error) {
	if len(name) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: stream name is %d bytes, max %d", ErrMalformedRecord, len(name), math.MaxUint8)
	}
	b := make([]byte, 0, 1+len(name))
	b = append(b, byte(len(name)))
	return append(b, name...), nil
}

func encodeIndexEntry(e IndexEntry) ([]byte, error) {
	if e.Offset < 0 || e.Offset > maxIndexOffset {
		return nil, fmt.Errorf("index offset %d out of range", e.Offset)
	}
	b := make([]byte, indexEntrySize)
	binary.LittleEndian.PutUint16(b[0:2], e.Day)
	binary.LittleEndian.PutUint32(b[2:6], uint32(e.Offset))
	b[6] = byte(e.Offset >> 32)
	return b, nil
}

// ReadIndex parses a whole index stream.
func ReadIndex(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	n, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, fmt.Errorf("read index name: %w", err)
	}

	ix := &Index{Name: string(name)}
	var buf [indexEntrySize]byte
	for {
		_, err := io.ReadFull(br, buf[:])
		if errors.Is(err, io.EOF) {
			return ix, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read index entry %d: %w", len(ix.Entries), err)
		}
		e := IndexEntry{
			Day:    binary.LittleEndian.Uint16(buf[0:2]),
			Offset: int64(binary.LittleEndian.Uint32(buf[2:6])) | int64(buf[6])<<32,
		}
		if last, ok := ix.LastDay(); ok && e.Day <= last {
			return nil, fmt.Errorf("index entry %d: day %d not after %d", len(ix.Entries), e.Day, last)
		}
		ix.Entries = append(ix.Entries, e)
	}
}

func (ix *Index) LastDay() (uint16, bool) {
	if len(ix.Entries) == 0 {
		return 0, false
	}
	return ix.Entries[len(ix.Entries)-1].Day, true
}

// LookupExact finds the entry of day. A missing entry means the day has no records.
func (ix *Index) LookupExact(day uint16) (IndexEntry, int64, bool) {
	for i, e := range ix.Entries {
		if e.Day == day {
			return e, ix.nextOffset(i), true
		}
		if e.Day > day {
			break
		}
	}
	return IndexEntry{}, -1, false
}

// LookupBackward anchors a backward scan at day: it selects the entry preceding the
// first entry strictly after day, and returns the offset where that entry's records
// end (-1 for end of file).
func (ix *Index) LookupBackward(day uint16) (IndexEntry, int64, bool) {
	for i, e := range ix.Entries {
		if e.Day > day {
			if i == 0 {
				return IndexEntry{}, -1, false
			}
			return ix.Entries[i-1], e.Offset, true
		}
	}
	if len(ix.Entries) == 0 {
		return IndexEntry{}, -1, false
	}
	return ix.Entries[len(ix.Entries)-1], -1, true
}

// FirstOnOrAfter returns the first entry whose day is not before day.
func (ix *Index) FirstOnOrAfter(day uint16) (IndexEntry, bool) {
	for _, e := range ix.Entries {
		if e.Day >= day {
			return e, true
		}
	}
	return IndexEntry{}, false
}

func (ix *Index) nextOffset(i int) int64 {
	if i+1 < len(ix.Entries) {
		return ix.Entries[i+1].Offset
	}
	return -1
}
