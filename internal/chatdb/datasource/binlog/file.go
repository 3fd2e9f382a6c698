package binlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatlogstore/chatlog/internal/chatdb/merge"
	"github.com/chatlogstore/chatlog/internal/model"
)

const (
	DataExt  = ".log"
	IndexExt = ".idx"

	backwardChunk = 64 << 10
)

// Record is a decoded message and the offset its record starts at.
type Record struct {
	Offset  int64
	Message model.Message
}

// ordering records whether the data file is known to be in time order.
type ordering uint8

const (
	orderUnknown ordering = iota
	orderSorted
	orderUnsorted
)

// LogFile owns one data/index file pair of the binary scheme.
// Appends are serialised by mu; readers only hold it to snapshot the size and index.
// Records keep append order on disk; time ordered reads sort when a late record was appended.
type LogFile struct {
	key       string
	character string
	stream    model.Stream
	dataPath  string
	indexPath string

	mu     sync.RWMutex
	index  *Index
	size   int64
	data   *os.File
	idx    *os.File
	reader *os.File
	closed bool

	order  ordering
	latest time.Time
}

// OpenLogFile opens the pair at basePath (without extension). When create is false a
// missing data file yields an error matching os.ErrNotExist.
func OpenLogFile(key, basePath, character string, stream model.Stream, create bool) (*LogFile, error) {
	f := &LogFile{
		key:       key,
		character: character,
		stream:    stream,
		dataPath:  basePath + DataExt,
		indexPath: basePath + IndexExt,
	}

	st, err := os.Stat(f.dataPath)
	switch {
	case err == nil:
		f.size = st.Size()
	case errors.Is(err, os.ErrNotExist) && create:
		if err := os.MkdirAll(filepath.Dir(f.dataPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	default:
		return nil, err
	}

	if f.size == 0 {
		f.order = orderSorted
	}
	if err := f.loadIndex(create); err != nil {
		return nil, err
	}
	if f.reader, err = os.OpenFile(f.dataPath, os.O_RDONLY|os.O_CREATE, 0o644); err != nil {
		return nil, fmt.Errorf("open log data: %w", err)
	}
	return f, nil
}

func (f *LogFile) loadIndex(create bool) error {
	file, err := os.Open(f.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		f.index = &Index{Name: f.stream.Name}
		if f.size > 0 || create {
			return f.rebuildIndex()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log index: %w", err)
	}
	defer file.Close()

	ix, err := ReadIndex(file)
	if err != nil {
		log.Warn().Err(err).Str("path", f.indexPath).Msg("log index unreadable, rebuilding")
		f.index = &Index{Name: f.stream.Name}
		return f.rebuildIndex()
	}
	f.index = ix
	if ix.Name != "" {
		f.stream.Name = ix.Name
	} else if f.stream.Name != "" {
		ix.Name = f.stream.Name
		return f.rebuildIndex()
	}
	return nil
}

// RestoreName records the stream name in an index that lost it. Channel files are
// named by a hash, so the index header is the only place their name lives.
func (f *LogFile) RestoreName(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || name == "" || f.index.Name != "" {
		return false, nil
	}
	if f.idx != nil {
		if err := f.idx.Close(); err != nil {
			return false, err
		}
		f.idx = nil
	}
	f.index.Name = name
	if err := f.rebuildIndex(); err != nil {
		return false, err
	}
	f.stream.Name = name
	log.Info().Str("path", f.indexPath).Str("name", name).Msg("log index name restored")
	return true, nil
}

// rebuildIndex regenerates the index file from the data file.
func (f *LogFile) rebuildIndex() error {
	header, err := encodeIndexHeader(f.index.Name)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), header...)

	entries := make([]IndexEntry, 0)
	if f.size > 0 {
		src, err := os.Open(f.dataPath)
		if err != nil {
			return fmt.Errorf("open log data: %w", err)
		}
		defer src.Close()

		for rec, err := range forwardRecords(context.Background(), f.dataPath, src, 0, f.size) {
			if err != nil {
				return err
			}
			day := EpochDay(rec.Message.Time)
			if n := len(entries); n == 0 || day > entries[n-1].Day {
				e := IndexEntry{Day: day, Offset: rec.Offset}
				b, err := encodeIndexEntry(e)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				buf = append(buf, b...)
			}
		}
	}
	if err := os.WriteFile(f.indexPath, buf, 0o644); err != nil {
		return fmt.Errorf("write log index: %w", err)
	}
	f.index.Entries = entries
	if f.size > 0 {
		log.Info().Str("path", f.indexPath).Int("entries", len(entries)).Msg("log index rebuilt")
	}
	return nil
}

func (f *LogFile) Key() string { return f.key }

func (f *LogFile) Character() string { return f.character }

func (f *LogFile) Stream() model.Stream {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stream
}

func (f *LogFile) Path() string { return f.dataPath }

// Size is the data file length as seen by this handle.
func (f *LogFile) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// IndexSnapshot returns a copy of the in-memory index.
func (f *LogFile) IndexSnapshot() Index {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Index{Name: f.index.Name, Entries: append([]IndexEntry(nil), f.index.Entries...)}
}

// Append writes msg at the end of the data file and returns its offset.
func (f *LogFile) Append(ctx context.Context, msg *model.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rec, err := EncodeRecord(make([]byte, 0, fixedBodySize+trailerSize+len(msg.Speaker)+len(msg.Text)), msg)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}

	if f.data == nil {
		if f.data, err = os.OpenFile(f.dataPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644); err != nil {
			return 0, fmt.Errorf("open log data for append: %w", err)
		}
	}
	offset := f.size
	if n, err := f.data.Write(rec); err != nil {
		if n > 0 {
			if terr := f.data.Truncate(offset); terr != nil {
				log.Err(terr).Str("path", f.dataPath).Msg("truncate partial record failed")
			}
		}
		return 0, fmt.Errorf("append record: %w", err)
	}
	f.size += int64(len(rec))

	if at := time.Unix(msg.Time.Unix(), 0).UTC(); f.order == orderSorted {
		if at.Before(f.latest) {
			f.order = orderUnsorted
		} else {
			f.latest = at
		}
	}

	day := EpochDay(msg.Time)
	if last, ok := f.index.LastDay(); !ok || day > last {
		if err := f.appendIndexEntry(IndexEntry{Day: day, Offset: offset}); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

func (f *LogFile) appendIndexEntry(e IndexEntry) error {
	if f.idx == nil {
		idx, err := os.OpenFile(f.indexPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open log index for append: %w", err)
		}
		st, err := idx.Stat()
		if err != nil {
			idx.Close()
			return err
		}
		if st.Size() == 0 {
			header, err := encodeIndexHeader(f.index.Name)
			if err != nil {
				idx.Close()
				return err
			}
			if _, err := idx.Write(header); err != nil {
				idx.Close()
				return fmt.Errorf("write log index header: %w", err)
			}
		}
		f.idx = idx
	}

	b, err := encodeIndexEntry(e)
	if err != nil {
		return err
	}
	if _, err := f.idx.Write(b); err != nil {
		return fmt.Errorf("append log index: %w", err)
	}
	f.index.Entries = append(f.index.Entries, e)
	return nil
}

// Enumerate lazily reads records. Forward reads from start (0 when negative) to the
// end of file; backward reads from start (end of file when negative) towards 0.
// Each call opens its own file handle, released when iteration stops.
func (f *LogFile) Enumerate(ctx context.Context, dir merge.Direction, start int64) iter.Seq2[Record, error] {
	size := f.Size()
	if dir == merge.Backward {
		if start < 0 || start > size {
			start = size
		}
		return f.scan(ctx, dir, 0, start)
	}
	if start < 0 {
		start = 0
	}
	return f.scan(ctx, dir, start, size)
}

// Range yields records with after <= time < before (zero bounds are open) in time
// order, using the index to skip days outside the range. Records of equal time keep
// append order forward and reverse append order backward.
func (f *LogFile) Range(ctx context.Context, dir merge.Direction, after, before time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sorted, size, err := f.ordered(ctx)
		if err != nil {
			yield(Record{}, err)
			return
		}
		snap := f.IndexSnapshot()
		lower, upper := int64(0), size
		if !after.IsZero() {
			// Segments before the first day on or after after only hold earlier days,
			// late records included.
			e, ok := snap.FirstOnOrAfter(EpochDay(after))
			if !ok {
				return
			}
			lower = e.Offset
		}
		if !before.IsZero() && sorted {
			_, end, ok := snap.LookupBackward(EpochDay(before))
			if !ok {
				return
			}
			if end >= 0 && end < upper {
				upper = end
			}
		}
		if lower >= upper {
			return
		}

		inRange := func(ts time.Time) bool {
			return (after.IsZero() || !ts.Before(after)) && (before.IsZero() || ts.Before(before))
		}
		if sorted {
			for rec, err := range f.scan(ctx, dir, lower, upper) {
				if err != nil {
					yield(rec, err)
					return
				}
				ts := rec.Message.Time
				if !after.IsZero() && ts.Before(after) {
					if dir == merge.Backward {
						return
					}
					continue
				}
				if !before.IsZero() && !ts.Before(before) {
					if dir == merge.Forward {
						return
					}
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			return
		}

		recs := make([]Record, 0)
		for rec, err := range f.scan(ctx, merge.Forward, lower, upper) {
			if err != nil {
				yield(rec, err)
				return
			}
			if inRange(rec.Message.Time) {
				recs = append(recs, rec)
			}
		}
		slices.SortStableFunc(recs, func(a, b Record) int { return a.Message.Time.Compare(b.Message.Time) })
		if dir == merge.Backward {
			slices.Reverse(recs)
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ordered reports whether the first size bytes of the file are in time order,
// scanning the file once when that is not yet known.
func (f *LogFile) ordered(ctx context.Context) (bool, int64, error) {
	f.mu.RLock()
	order, size := f.order, f.size
	f.mu.RUnlock()
	if order != orderUnknown {
		return order == orderSorted, size, nil
	}

	var latest time.Time
	sorted := true
	for rec, err := range f.scan(ctx, merge.Forward, 0, size) {
		if err != nil {
			return false, 0, err
		}
		ts := rec.Message.Time
		if ts.Before(latest) {
			sorted = false
		} else {
			latest = ts
		}
	}

	f.mu.Lock()
	if f.order == orderUnknown && f.size == size {
		f.latest = latest
		f.order = orderUnsorted
		if sorted {
			f.order = orderSorted
		}
	}
	f.mu.Unlock()
	return sorted, size, nil
}

// MessagesOnDay yields the records of one UTC day in time order.
func (f *LogFile) MessagesOnDay(ctx context.Context, day uint16) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		sorted, size, err := f.ordered(ctx)
		if err != nil {
			yield(Record{}, err)
			return
		}
		if !sorted {
			start := DayStart(day)
			for rec, err := range f.Range(ctx, merge.Forward, start, start.Add(secondsPerDay*time.Second)) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
			return
		}
		snap := f.IndexSnapshot()
		e, end, ok := snap.LookupExact(day)
		if !ok {
			return
		}
		if end < 0 || end > size {
			end = size
		}
		for rec, err := range f.scan(ctx, merge.Forward, e.Offset, end) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// ReadAt decodes the record starting at offset.
func (f *LogFile) ReadAt(offset int64) (model.Message, error) {
	f.mu.RLock()
	reader, size, closed := f.reader, f.size, f.closed
	f.mu.RUnlock()
	if closed {
		return model.Message{}, os.ErrClosed
	}
	if reader == nil || offset < 0 || offset >= size {
		return model.Message{}, &CorruptLogError{Path: f.dataPath, Offset: offset, Reason: "offset outside file"}
	}
	for rec, err := range forwardRecords(context.Background(), f.dataPath, io.NewSectionReader(reader, offset, size-offset), offset, size) {
		return rec.Message, err
	}
	return model.Message{}, &CorruptLogError{Path: f.dataPath, Offset: offset, Reason: "no record at offset"}
}

func (f *LogFile) scan(ctx context.Context, dir merge.Direction, lower, upper int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if lower >= upper {
			return
		}
		file, err := os.Open(f.dataPath)
		if err != nil {
			yield(Record{}, fmt.Errorf("open log data: %w", err))
			return
		}
		defer file.Close()

		var seq iter.Seq2[Record, error]
		if dir == merge.Backward {
			seq = backwardRecords(ctx, f.dataPath, file, lower, upper)
		} else {
			if _, err := file.Seek(lower, io.SeekStart); err != nil {
				yield(Record{}, err)
				return
			}
			seq = forwardRecords(ctx, f.dataPath, file, lower, upper)
		}
		for rec, err := range seq {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func forwardRecords(ctx context.Context, path string, r io.Reader, start, end int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		br := bufio.NewReaderSize(r, 32<<10)
		pos := start
		body := make([]byte, 0, 512)
		for pos < end {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			corrupt := func(reason string) {
				yield(Record{}, &CorruptLogError{Path: path, Offset: pos, Reason: reason})
			}

			body = body[:6]
			if _, err := io.ReadFull(br, body); err != nil {
				corrupt("truncated record header")
				return
			}
			senderLen := int(body[5])
			body = grow(body, 6+senderLen+2)
			if _, err := io.ReadFull(br, body[6:]); err != nil {
				corrupt("truncated sender")
				return
			}
			textLen := int(binary.LittleEndian.Uint16(body[6+senderLen:]))
			n := len(body)
			body = grow(body, n+textLen+trailerSize)
			if _, err := io.ReadFull(br, body[n:]); err != nil {
				corrupt("truncated text")
				return
			}
			bodyLen := len(body) - trailerSize
			if got := int(binary.LittleEndian.Uint16(body[bodyLen:])); got != bodyLen {
				corrupt(fmt.Sprintf("record length trailer %d, expected %d", got, bodyLen))
				return
			}
			msg, err := DecodeRecord(body[:bodyLen])
			if err != nil {
				corrupt(err.Error())
				return
			}
			if !yield(Record{Offset: pos, Message: msg}, nil) {
				return
			}
			pos += recordSize(bodyLen)
		}
	}
}

// backwardRecords walks records ending at upper down to lower using the length trailers.
func backwardRecords(ctx context.Context, path string, r io.ReaderAt, lower, upper int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		br := &backReader{r: r}
		pos := upper
		for pos > lower {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			corrupt := func(reason string) {
				yield(Record{}, &CorruptLogError{Path: path, Offset: pos, Reason: reason})
			}

			if pos-lower < trailerSize {
				corrupt("truncated record trailer")
				return
			}
			trailer, err := br.read(pos-trailerSize, trailerSize)
			if err != nil {
				corrupt(err.Error())
				return
			}
			bodyLen := int64(binary.LittleEndian.Uint16(trailer))
			begin := pos - trailerSize - bodyLen
			if begin < lower {
				corrupt(fmt.Sprintf("record length %d runs before offset %d", bodyLen, lower))
				return
			}
			body, err := br.read(begin, int(bodyLen))
			if err != nil {
				corrupt(err.Error())
				return
			}
			msg, err := DecodeRecord(body)
			if err != nil {
				corrupt(err.Error())
				return
			}
			if !yield(Record{Offset: begin, Message: msg}, nil) {
				return
			}
			pos = begin
		}
	}
}

// backReader caches a window of the file so a backward walk does not issue
// two reads per record.
type backReader struct {
	r     io.ReaderAt
	buf   []byte
	start int64
}

func (b *backReader) read(off int64, n int) ([]byte, error) {
	if off >= b.start && off+int64(n) <= b.start+int64(len(b.buf)) {
		i := off - b.start
		return b.buf[i : i+int64(n)], nil
	}
	end := off + int64(n)
	begin := end - backwardChunk
	if begin > off {
		begin = off
	}
	if begin < 0 {
		begin = 0
	}
	size := int(end - begin)
	if cap(b.buf) < size {
		b.buf = make([]byte, size)
	}
	b.buf = b.buf[:size]
	if n, err := b.r.ReadAt(b.buf, begin); n < size {
		if err == nil || errors.Is(err, io.EOF) {
			err = fmt.Errorf("short read at %d", begin)
		}
		return nil, err
	}
	b.start = begin
	i := off - begin
	return b.buf[i : i+int64(n)], nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		nb := make([]byte, n, n*2)
		copy(nb, b)
		return nb
	}
	return b[:n]
}

// Close releases the file handles. Pending enumerations keep their own handles.
func (f *LogFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, file := range []*os.File{f.data, f.idx, f.reader} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

