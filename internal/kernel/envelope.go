// Package kernel is the transport adapter for interpreter sessions: it
// spawns one interpreter process per session and speaks framed JSON
// envelopes with it over stdio, with heartbeat-based liveness tracking.
// It implements the Session and SessionManager interfaces the engine
// consumes, and owns its process and pipes exclusively.
package kernel

import (
	"time"

	"github.com/google/uuid"
)

// protocolVersion is the envelope schema version advertised in headers.
const protocolVersion = "1.0"

// Message types exchanged with kernels.
const (
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgPing              = "ping"
	MsgPong              = "pong"
	MsgCommOpen          = "comm_open"
	MsgCommOpenReply     = "comm_open_reply"
	MsgCommMsg           = "comm_msg"
	MsgCommClose         = "comm_close"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
)

// Header identifies one envelope. Every outbound message carries a fresh
// unique id; replies repeat the request's header as the parent so the two
// can be correlated.
type Header struct {
	MsgID     string    `json:"msg_id"`
	MsgType   string    `json:"msg_type"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"date"`
	Session   string    `json:"session"`
	Username  string    `json:"username"`
}

// Envelope is the wire message: header, optional parent linkage, free-form
// metadata, a typed content body, and a count of binary buffers carried
// out of band.
type Envelope struct {
	Header       Header         `json:"header"`
	ParentHeader *Header        `json:"parent_header,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Content      map[string]any `json:"content,omitempty"`
	BufferCount  int            `json:"buffer_count,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(msgType, session string, content map[string]any) Envelope {
	return Envelope{
		Header: Header{
			MsgID:     uuid.NewString(),
			MsgType:   msgType,
			Version:   protocolVersion,
			Timestamp: time.Now().UTC(),
			Session:   session,
			Username:  "kernelhub",
		},
		Content: content,
	}
}

// Reply builds a response to e, carrying e's header as the parent.
func (e Envelope) Reply(msgType string, content map[string]any) Envelope {
	reply := NewEnvelope(msgType, e.Header.Session, content)
	parent := e.Header
	reply.ParentHeader = &parent
	return reply
}

// InReplyTo reports whether e answers the request with the given id.
func (e Envelope) InReplyTo(msgID string) bool {
	return e.ParentHeader != nil && e.ParentHeader.MsgID == msgID
}

func (e Envelope) str(key string) string {
	v, _ := e.Content[key].(string)
	return v
}
