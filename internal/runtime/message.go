package runtime

// MessageKind classifies a runtime message delivered by the transport.
type MessageKind string

const (
	// KindCommOpen means the backend opened a new comm channel.
	KindCommOpen MessageKind = "comm_open"
	// KindCommData is a payload addressed to an open comm channel.
	KindCommData MessageKind = "comm_data"
	// KindCommClosed means the backend closed a comm channel.
	KindCommClosed MessageKind = "comm_closed"
	// KindOutput is interpreter output not scoped to any comm.
	KindOutput MessageKind = "output"
	// KindOther covers transport messages the engine only forwards.
	KindOther MessageKind = "other"
)

// ClientType names the protocol spoken over a comm channel.
type ClientType string

const (
	// ClientTypeUi is the frontend/backend signaling channel opened once
	// per console session.
	ClientTypeUi ClientType = "ui"
)

// Message is a typed runtime message received from a session's transport.
type Message struct {
	// ID is the transport-assigned unique message id.
	ID string
	// ParentID correlates a reply with the request that caused it.
	ParentID string
	// Kind classifies the message.
	Kind MessageKind
	// CommID addresses a comm channel for the comm-scoped kinds.
	CommID string
	// CommType carries the client type on comm_open messages.
	CommType ClientType
	// Payload is the message body, shaped per kind.
	Payload map[string]any
}
