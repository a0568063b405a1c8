package server

import (
	"context"
	"net"
	"sync"

	"hubstream/codec"
	"hubstream/message"
	"hubstream/pipe"
	"hubstream/protocol"
)

// hubConn is the server-side state of one client connection.
type hubConn struct {
	id    string
	hub   *Hub
	conn  net.Conn
	codec codec.CodecType

	// Per-connection write lock, shared by the read loop, every stream
	// action and every broadcast writing to this connection.
	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*pipe.Pipe[[]byte]

	ctx    context.Context
	cancel context.CancelFunc
}

func newHubConn(id string, hub *Hub, conn net.Conn, ct codec.CodecType) *hubConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &hubConn{
		id:      id,
		hub:     hub,
		conn:    conn,
		codec:   ct,
		streams: make(map[uint32]*pipe.Pipe[[]byte]),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *hubConn) send(mt protocol.MsgType, seq uint32, msg *message.HubMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WriteMessage(c.conn, c.codec, mt, seq, msg)
}

func (c *hubConn) sendEvent(event string, data []byte) error {
	return c.send(protocol.MsgTypeEvent, 0, &message.HubMessage{Target: event, Payload: data})
}

func (c *hubConn) complete(seq uint32, errMsg string, payload []byte) error {
	return c.send(protocol.MsgTypeCompletion, seq, &message.HubMessage{Error: errMsg, Payload: payload})
}

// bindStream registers p under id; it fails when id is already bound.
func (c *hubConn) bindStream(id uint32, p *pipe.Pipe[[]byte]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[id]; ok {
		return false
	}
	c.streams[id] = p
	return true
}

func (c *hubConn) stream(id uint32) (*pipe.Pipe[[]byte], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.streams[id]
	return p, ok
}

func (c *hubConn) unbindStream(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

// failStreams completes every open stream with err so their actions end.
func (c *hubConn) failStreams(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.streams {
		p.TryComplete(err)
	}
}
