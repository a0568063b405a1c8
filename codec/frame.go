package codec

import (
	"fmt"
	"io"

	"hubstream/message"
	"hubstream/protocol"
)

// WriteMessage encodes msg with ct and writes it as a single frame. Callers
// sharing w must serialize calls.
func WriteMessage(w io.Writer, ct CodecType, mt protocol.MsgType, seq uint32, msg *message.HubMessage) error {
	var body []byte
	if msg != nil {
		var err error
		body, err = GetCodec(ct).Encode(msg)
		if err != nil {
			return fmt.Errorf("encode %s: %w", mt, err)
		}
	}
	return protocol.Encode(w, &protocol.Header{
		CodecType: byte(ct),
		MsgType:   mt,
		Seq:       seq,
	}, body)
}

// ReadMessage reads one frame and decodes its body with the codec named in
// the header. Frames without a body yield an empty message.
func ReadMessage(r io.Reader) (*protocol.Header, *message.HubMessage, error) {
	header, body, err := protocol.Decode(r)
	if err != nil {
		return nil, nil, err
	}
	msg := &message.HubMessage{}
	if len(body) > 0 {
		if err := GetCodec(CodecType(header.CodecType)).Decode(body, msg); err != nil {
			return header, nil, fmt.Errorf("decode %s: %w", header.MsgType, err)
		}
	}
	return header, msg, nil
}
