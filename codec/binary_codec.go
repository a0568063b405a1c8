package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"hubstream/message"
)

// BinaryCodec lays out a HubMessage as length-prefixed fields:
//
//	targetLen uint16 | target | streamID uint32 | payloadLen uint32 | payload | errLen uint16 | error
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: short buffer")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.HubMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *HubMessage")
	}
	if len(msg.Target) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: target or error exceeds %d bytes", 0xFFFF)
	}

	total := 2 + len(msg.Target) + 4 + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Target)))
	offset += 2
	offset += copy(buf[offset:], msg.Target)

	binary.BigEndian.PutUint32(buf[offset:], msg.StreamID)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.HubMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *HubMessage")
	}
	r := reader{data: data}

	msg.Target = string(r.next(int(r.uint16())))
	msg.StreamID = r.uint32()
	payloadLen := int(r.uint32())
	if p := r.next(payloadLen); len(p) > 0 {
		msg.Payload = append([]byte(nil), p...)
	} else {
		msg.Payload = nil
	}
	msg.Error = string(r.next(int(r.uint16())))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader records the first out-of-bounds access instead of panicking.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
