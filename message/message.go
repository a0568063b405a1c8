// Package message defines the bodies carried inside protocol frames.
//
// HubMessage is the single body type for every frame kind. Which fields are
// meaningful depends on the frame's MsgType:
//
//   - Handshake:      Target = hub path, Payload = JSON Handshake
//   - Invoke:         Target = action name, StreamID = stream to bind
//   - Completion:     Error non-empty on failure, Payload = JSON HandshakeReply for handshakes
//   - StreamItem:     StreamID, Payload = encoded item
//   - StreamComplete: StreamID, Error non-empty when the writer failed the stream
//   - Event:          Target = event name, Payload = encoded envelope
//   - Close:          Error = reason, empty for a normal close
package message

// HubMessage is the body of every frame.
type HubMessage struct {
	Target   string `codec:"target" json:"target,omitempty"`
	StreamID uint32 `codec:"streamId" json:"streamId,omitempty"`
	Error    string `codec:"error" json:"error,omitempty"`
	Payload  []byte `codec:"payload" json:"payload,omitempty"`
}

// Handshake is the payload of the first frame a client sends.
type Handshake struct {
	Path        string `json:"path"`
	AccessToken string `json:"accessToken,omitempty"`
}

// HandshakeReply is the payload of a successful handshake Completion.
type HandshakeReply struct {
	ConnectionID string `json:"connectionId"`
}

// EventReceiveStreamingResponse is the push event every stream action uses
// to deliver its results.
const EventReceiveStreamingResponse = "ReceiveStreamingResponse"
