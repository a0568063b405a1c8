// Package protocol implements the binary frame format spoken between hub
// clients and the hub server.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ hsb  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Seq is only meaningful for frames that expect a Completion (Handshake and
// Invoke); the Completion echoes it. Stream and event frames carry seq 0.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "hsb" (hub stream binary).
const (
	MagicNumber byte = 0x68 // 'h'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x62 // 'b'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType identifies what a frame carries.
type MsgType byte

const (
	MsgTypeInvoke         MsgType = 0 // Client → Server: bind a stream to an action
	MsgTypeCompletion     MsgType = 1 // Server → Client: answer to Handshake or Invoke, same seq
	MsgTypeHeartbeat      MsgType = 2 // Keep-alive probe (no body)
	MsgTypeHandshake      MsgType = 3 // Client → Server: first frame on a connection
	MsgTypeStreamItem     MsgType = 4 // Client → Server: one item of a bound stream
	MsgTypeStreamComplete MsgType = 5 // Client → Server: end of a bound stream
	MsgTypeEvent          MsgType = 6 // Server → Client: push event
	MsgTypeClose          MsgType = 7 // Either side: orderly close with optional reason

	maxMsgType = MsgTypeClose
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeInvoke:
		return "invoke"
	case MsgTypeCompletion:
		return "completion"
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeHandshake:
		return "handshake"
	case MsgTypeStreamItem:
		return "stream-item"
	case MsgTypeStreamComplete:
		return "stream-complete"
	case MsgTypeEvent:
		return "event"
	case MsgTypeClose:
		return "close"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON    byte = 0
	CodecTypeBinary  byte = 1
	CodecTypeMsgpack byte = 2
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. Callers sharing w
// across goroutines must serialize calls, or frames will interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One write per frame keeps a frame contiguous even on unbuffered conns.
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r, validating magic, version, codec
// and message type before trusting the body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > CodecTypeMsgpack {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > maxMsgType {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
