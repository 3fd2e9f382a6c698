package binlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chatlogstore/chatlog/internal/model"
)

// Record layout, little-endian:
//
//	u32 unix seconds | u8 type | u8 sender length | sender | u16 text length | text | u16 record length
//
// The trailing record length counts every byte before it and lets readers walk the file backwards.
const (
	fixedBodySize = 4 + 1 + 1 + 2
	trailerSize   = 2

	MaxSenderBytes = math.MaxUint8
	MaxTextBytes   = math.MaxUint16
	MaxRecordBytes = math.MaxUint16
)

var ErrMalformedRecord = errors.New("malformed record")

// CorruptLogError reports an unreadable record. Everything after Offset in the
// direction of the scan must be treated as unreadable.
type CorruptLogError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt log %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// EncodeRecord appends the encoded record of msg, trailer included, to dst.
func EncodeRecord(dst []byte, msg *model.Message) ([]byte, error) {
	sec := msg.Time.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return dst, fmt.Errorf("%w: time %s out of range", ErrMalformedRecord, msg.Time)
	}
	if !msg.Type.Valid() {
		return dst, fmt.Errorf("%w: message type %d", ErrMalformedRecord, msg.Type)
	}
	if len(msg.Speaker) > MaxSenderBytes {
		return dst, fmt.Errorf("%w: sender is %d bytes, max %d", ErrMalformedRecord, len(msg.Speaker), MaxSenderBytes)
	}
	if len(msg.Text) > MaxTextBytes {
		return dst, fmt.Errorf("%w: text is %d bytes, max %d", ErrMalformedRecord, len(msg.Text), MaxTextBytes)
	}
	size := fixedBodySize + len(msg.Speaker) + len(msg.Text)
	if size > MaxRecordBytes {
		return dst, fmt.Errorf("%w: record is %d bytes, max %d", ErrMalformedRecord, size, MaxRecordBytes)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(sec))
	dst = append(dst, byte(msg.Type), byte(len(msg.Speaker)))
	dst = append(dst, msg.Speaker...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(msg.Text)))
	dst = append(dst, msg.Text...)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(size))
	return dst, nil
}

// DecodeRecord parses one record body (without its trailer).
func DecodeRecord(body []byte) (model.Message, error) {
	var msg model.Message
	if len(body) < fixedBodySize {
		return msg, fmt.Errorf("record body of %d bytes is shorter than %d", len(body), fixedBodySize)
	}
	sec := binary.LittleEndian.Uint32(body[0:4])
	typ := model.MessageType(body[4])
	if !typ.Valid() {
		return msg, fmt.Errorf("unknown message type %d", body[4])
	}
	senderLen := int(body[5])
	pos := 6
	if pos+senderLen+2 > len(body) {
		return msg, fmt.Errorf("sender length %d overruns record", senderLen)
	}
	sender := string(body[pos : pos+senderLen])
	pos += senderLen
	textLen := int(binary.LittleEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+textLen != len(body) {
		return msg, fmt.Errorf("text length %d does not match record length %d", textLen, len(body))
	}

	msg.Time = time.Unix(int64(sec), 0).UTC()
	msg.Type = typ
	msg.Speaker = sender
	msg.Text = string(body[pos:])
	return msg, nil
}

// recordSize returns the full on-disk size of an encoded body of n bytes.
func recordSize(bodyLen int) int64 {
	return int64(bodyLen + trailerSize)
}
