// Package codec serializes HubMessage frame bodies. The codec used for a
// frame is recorded in its header, so peers may mix codecs per frame.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	}
	return &JSONCodec{}
}
