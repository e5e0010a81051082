// Package eventstream implements the AWS-style binary event-stream framing
// used by the Kiro upstream: a length-prefixed, CRC-guarded frame carrying
// a small TLV header section and an opaque payload (spec §4.2).
//
//	+--------+--------+-------------+---------+----------+-----------+
//	| total  | hdr    | prelude_crc | headers | payload  | msg_crc   |
//	| len u32| len u32| u32         | bytes   | bytes    | u32       |
//	+--------+--------+-------------+---------+----------+-----------+
package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors per spec §4.2. Wrap with fmt.Errorf("...: %w", ...) so
// callers can errors.Is against these.
var (
	ErrTruncatedFrame  = errors.New("eventstream: truncated frame")
	ErrBadPreludeCRC   = errors.New("eventstream: bad prelude crc")
	ErrBadMessageCRC   = errors.New("eventstream: bad message crc")
	ErrMalformedHeader = errors.New("eventstream: malformed header")
	ErrLengthMismatch  = errors.New("eventstream: header length mismatch")
)

const (
	preludeLen  = 8 // total_len(4) + hdr_len(4)
	preludeCRCLen = 4
	minFrameLen = preludeLen + preludeCRCLen + 4 // + msg_crc, empty headers/payload
)

// HeaderValueType is the TLV tag for a header value (spec §4.2).
type HeaderValueType uint8

const (
	HeaderBoolTrue  HeaderValueType = 0
	HeaderBoolFalse HeaderValueType = 1
	HeaderInt8      HeaderValueType = 2
	HeaderInt16     HeaderValueType = 3
	HeaderInt32     HeaderValueType = 4
	HeaderInt64     HeaderValueType = 5
	HeaderBytes     HeaderValueType = 6
	HeaderString    HeaderValueType = 7
	HeaderTimestamp HeaderValueType = 8
	HeaderUUID      HeaderValueType = 9
)

// HeaderValue is a decoded header value; only the field matching Type is
// meaningful.
type HeaderValue struct {
	Type      HeaderValueType
	Int       int64
	Bytes     []byte
	Str       string
	Timestamp int64 // milliseconds
	UUID      [16]byte
}

// StringHeader builds a string-typed HeaderValue, the overwhelmingly common
// case (":event-type", ":message-type", ":content-type").
func StringHeader(s string) HeaderValue {
	return HeaderValue{Type: HeaderString, Str: s}
}

// AsString returns the value as a string for HeaderString; ok is false for
// any other type.
func (h HeaderValue) AsString() (string, bool) {
	if h.Type != HeaderString {
		return "", false
	}
	return h.Str, true
}

// Frame is a decoded event-stream message.
type Frame struct {
	Headers map[string]HeaderValue
	Payload []byte
}

// EventType returns the ":event-type" header, or "" if absent.
func (f Frame) EventType() string {
	if v, ok := f.Headers[":event-type"]; ok {
		s, _ := v.AsString()
		return s
	}
	return ""
}

// MessageType returns the ":message-type" header, or "" if absent.
func (f Frame) MessageType() string {
	if v, ok := f.Headers[":message-type"]; ok {
		s, _ := v.AsString()
		return s
	}
	return ""
}

// Decode parses one frame from the head of b. It returns the frame, the
// number of bytes consumed, and an error. If b is shorter than the frame's
// declared total_len, it returns ErrTruncatedFrame and 0 consumed — the
// caller (internal/eventstream.Decoder) treats that as "need more bytes",
// not a hard failure.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < preludeLen+preludeCRCLen {
		return Frame{}, 0, ErrTruncatedFrame
	}

	totalLen := binary.BigEndian.Uint32(b[0:4])
	hdrLen := binary.BigEndian.Uint32(b[4:8])
	preludeCRC := binary.BigEndian.Uint32(b[8:12])

	if checksum(b[0:8]) != preludeCRC {
		return Frame{}, 0, ErrBadPreludeCRC
	}

	if totalLen < uint32(minFrameLen) {
		return Frame{}, 0, fmt.Errorf("%w: total_len %d too small", ErrMalformedHeader, totalLen)
	}
	if uint64(len(b)) < uint64(totalLen) {
		return Frame{}, 0, ErrTruncatedFrame
	}

	if uint64(preludeLen)+uint64(preludeCRCLen)+uint64(hdrLen)+4 > uint64(totalLen) {
		return Frame{}, 0, fmt.Errorf("%w: hdr_len %d exceeds frame", ErrLengthMismatch, hdrLen)
	}
	payloadLen := totalLen - uint32(preludeLen) - uint32(preludeCRCLen) - hdrLen - 4

	hdrStart := preludeLen + preludeCRCLen
	hdrEnd := hdrStart + int(hdrLen)
	payloadEnd := hdrEnd + int(payloadLen)
	msgCRCEnd := payloadEnd + 4

	headers, err := parseHeaders(b[hdrStart:hdrEnd])
	if err != nil {
		return Frame{}, 0, err
	}

	payload := make([]byte, payloadLen)
	copy(payload, b[hdrEnd:payloadEnd])

	msgCRC := binary.BigEndian.Uint32(b[payloadEnd:msgCRCEnd])
	if checksum(b[0:payloadEnd]) != msgCRC {
		return Frame{}, 0, ErrBadMessageCRC
	}

	return Frame{Headers: headers, Payload: payload}, int(totalLen), nil
}

func parseHeaders(b []byte) (map[string]HeaderValue, error) {
	headers := make(map[string]HeaderValue)
	i := 0
	for i < len(b) {
		if i+1 > len(b) {
			return nil, fmt.Errorf("%w: truncated name length", ErrMalformedHeader)
		}
		nameLen := int(b[i])
		i++
		if i+nameLen > len(b) {
			return nil, fmt.Errorf("%w: truncated name", ErrMalformedHeader)
		}
		name := string(b[i : i+nameLen])
		i += nameLen

		if i+1 > len(b) {
			return nil, fmt.Errorf("%w: truncated value type", ErrMalformedHeader)
		}
		valType := HeaderValueType(b[i])
		i++

		var val HeaderValue
		val.Type = valType
		switch valType {
		case HeaderBoolTrue:
			val.Int = 1
		case HeaderBoolFalse:
			val.Int = 0
		case HeaderInt8:
			if i+1 > len(b) {
				return nil, fmt.Errorf("%w: truncated i8", ErrMalformedHeader)
			}
			val.Int = int64(int8(b[i]))
			i++
		case HeaderInt16:
			if i+2 > len(b) {
				return nil, fmt.Errorf("%w: truncated i16", ErrMalformedHeader)
			}
			val.Int = int64(int16(binary.BigEndian.Uint16(b[i : i+2])))
			i += 2
		case HeaderInt32:
			if i+4 > len(b) {
				return nil, fmt.Errorf("%w: truncated i32", ErrMalformedHeader)
			}
			val.Int = int64(int32(binary.BigEndian.Uint32(b[i : i+4])))
			i += 4
		case HeaderInt64:
			if i+8 > len(b) {
				return nil, fmt.Errorf("%w: truncated i64", ErrMalformedHeader)
			}
			val.Int = int64(binary.BigEndian.Uint64(b[i : i+8]))
			i += 8
		case HeaderBytes:
			if i+2 > len(b) {
				return nil, fmt.Errorf("%w: truncated bytes length", ErrMalformedHeader)
			}
			l := int(binary.BigEndian.Uint16(b[i : i+2]))
			i += 2
			if i+l > len(b) {
				return nil, fmt.Errorf("%w: truncated bytes", ErrMalformedHeader)
			}
			val.Bytes = append([]byte(nil), b[i:i+l]...)
			i += l
		case HeaderString:
			if i+2 > len(b) {
				return nil, fmt.Errorf("%w: truncated string length", ErrMalformedHeader)
			}
			l := int(binary.BigEndian.Uint16(b[i : i+2]))
			i += 2
			if i+l > len(b) {
				return nil, fmt.Errorf("%w: truncated string", ErrMalformedHeader)
			}
			val.Str = string(b[i : i+l])
			i += l
		case HeaderTimestamp:
			if i+8 > len(b) {
				return nil, fmt.Errorf("%w: truncated timestamp", ErrMalformedHeader)
			}
			val.Timestamp = int64(binary.BigEndian.Uint64(b[i : i+8]))
			i += 8
		case HeaderUUID:
			if i+16 > len(b) {
				return nil, fmt.Errorf("%w: truncated uuid", ErrMalformedHeader)
			}
			copy(val.UUID[:], b[i:i+16])
			i += 16
		default:
			return nil, fmt.Errorf("%w: unknown value type %d", ErrMalformedHeader, valType)
		}

		headers[name] = val
	}
	return headers, nil
}

// Encode serializes a frame back to wire bytes. It exists so tests (and a
// fixture upstream) can round-trip Decode(Encode(f)) == f (spec §8), and so
// the gateway's test doubles can produce real event-stream bytes instead of
// faking the transport.
func Encode(f Frame) []byte {
	headerBytes := encodeHeaders(f.Headers)

	hdrLen := len(headerBytes)
	payloadLen := len(f.Payload)
	totalLen := preludeLen + preludeCRCLen + hdrLen + payloadLen + 4

	buf := make([]byte, totalLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(buf[4:8], uint32(hdrLen))
	binary.BigEndian.PutUint32(buf[8:12], checksum(buf[0:8]))

	copy(buf[12:12+hdrLen], headerBytes)
	copy(buf[12+hdrLen:12+hdrLen+payloadLen], f.Payload)

	msgCRC := checksum(buf[0 : 12+hdrLen+payloadLen])
	binary.BigEndian.PutUint32(buf[12+hdrLen+payloadLen:], msgCRC)

	return buf
}

func encodeHeaders(headers map[string]HeaderValue) []byte {
	var buf []byte
	for name, val := range headers {
		buf = append(buf, byte(len(name)))
		buf = append(buf, []byte(name)...)
		buf = append(buf, byte(val.Type))

		switch val.Type {
		case HeaderBoolTrue, HeaderBoolFalse:
			// no value bytes
		case HeaderInt8:
			buf = append(buf, byte(int8(val.Int)))
		case HeaderInt16:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(int16(val.Int)))
			buf = append(buf, b[:]...)
		case HeaderInt32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(int32(val.Int)))
			buf = append(buf, b[:]...)
		case HeaderInt64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(val.Int))
			buf = append(buf, b[:]...)
		case HeaderBytes:
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(len(val.Bytes)))
			buf = append(buf, l[:]...)
			buf = append(buf, val.Bytes...)
		case HeaderString:
			var l [2]byte
			binary.BigEndian.PutUint16(l[:], uint16(len(val.Str)))
			buf = append(buf, l[:]...)
			buf = append(buf, []byte(val.Str)...)
		case HeaderTimestamp:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(val.Timestamp))
			buf = append(buf, b[:]...)
		case HeaderUUID:
			buf = append(buf, val.UUID[:]...)
		}
	}
	return buf
}
