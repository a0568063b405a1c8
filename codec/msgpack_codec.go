package codec

import (
	ugcodec "github.com/ugorji/go/codec"
)

var msgpackHandle = func() *ugcodec.MsgpackHandle {
	h := &ugcodec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// MsgpackCodec encodes bodies as MessagePack using the struct's `codec` tags.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	if err := ugcodec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return ugcodec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
