package comm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cmejia91/kernelhub/internal/runtime"
)

// Handler claims backend-opened comm channels by client type. The first
// handler to return true takes ownership of the client; unclaimed opens are
// forwarded upward as generic runtime messages for passive observers.
type Handler interface {
	ClientType() runtime.ClientType
	HandleOpen(client *Client) bool
}

// Multiplexer is the per-engine registry of comm channels across sessions.
// The transport cannot be trusted to individually close every comm during a
// crash, so the multiplexer force-closes a session's surviving clients when
// the session exits.
type Multiplexer struct {
	mu        sync.RWMutex
	bySession map[string]map[string]*Client
	handlers  []Handler
	logger    *slog.Logger
}

// New creates an empty multiplexer.
func New(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		bySession: make(map[string]map[string]*Client),
		logger:    logger,
	}
}

// RegisterHandler adds a handler consulted for backend-opened comms.
func (m *Multiplexer) RegisterHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// CreateClient opens a frontend-owned comm channel on the session and
// returns its id once the transport acknowledged the open.
func (m *Multiplexer) CreateClient(ctx context.Context, sess runtime.Session, clientType runtime.ClientType, params map[string]any) (string, error) {
	clientID, err := sess.CreateClient(ctx, clientType, params)
	if err != nil {
		return "", fmt.Errorf("failed to create %s client: %w", clientType, err)
	}

	client := &Client{
		id:         clientID,
		sessionID:  sess.ID(),
		clientType: clientType,
		session:    sess,
		state:      ClientConnected,
	}
	m.add(client)

	m.logger.Debug("client created",
		"session_id", sess.ID(),
		"client_id", clientID,
		"client_type", string(clientType),
	)
	return clientID, nil
}

// SendClientMessage routes a payload to a registered client.
func (m *Multiplexer) SendClientMessage(ctx context.Context, sessionID, clientID, messageID string, payload map[string]any) error {
	client, ok := m.Client(sessionID, clientID)
	if !ok {
		return fmt.Errorf("client %s in session %s: %w", clientID, sessionID, runtime.ErrUnknownClient)
	}
	return client.Send(ctx, messageID, payload)
}

// RemoveClient closes and deregisters a client.
func (m *Multiplexer) RemoveClient(ctx context.Context, sessionID, clientID string) error {
	client, ok := m.Client(sessionID, clientID)
	if !ok {
		return fmt.Errorf("client %s in session %s: %w", clientID, sessionID, runtime.ErrUnknownClient)
	}
	client.setState(ClientClosing)
	err := client.session.RemoveClient(ctx, clientID)
	client.setState(ClientClosed)
	m.drop(sessionID, clientID)
	if err != nil {
		return fmt.Errorf("failed to remove client %s: %w", clientID, err)
	}
	return nil
}

// Client looks up a registered client.
func (m *Multiplexer) Client(sessionID, clientID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.bySession[sessionID][clientID]
	return client, ok
}

// Clients returns the open clients of a session.
func (m *Multiplexer) Clients(sessionID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.bySession[sessionID]))
	for _, c := range m.bySession[sessionID] {
		out = append(out, c)
	}
	return out
}

// HandleCommOpen matches a backend-opened comm against registered handlers.
// It reports whether any handler claimed the client; unclaimed opens stay
// unregistered and the caller forwards the message upward unchanged.
func (m *Multiplexer) HandleCommOpen(sess runtime.Session, msg runtime.Message) bool {
	client := &Client{
		id:         msg.CommID,
		sessionID:  sess.ID(),
		clientType: msg.CommType,
		session:    sess,
		state:      ClientOpening,
	}

	m.mu.RLock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		if h.ClientType() != msg.CommType {
			continue
		}
		if h.HandleOpen(client) {
			client.setState(ClientConnected)
			m.add(client)
			m.logger.Debug("comm open claimed",
				"session_id", sess.ID(),
				"client_id", msg.CommID,
				"client_type", string(msg.CommType),
			)
			return true
		}
	}
	return false
}

// HandleCommData delivers a comm-scoped payload to its client. It reports
// whether the client was known.
func (m *Multiplexer) HandleCommData(sessionID string, msg runtime.Message) bool {
	client, ok := m.Client(sessionID, msg.CommID)
	if !ok {
		return false
	}
	client.deliver(msg.ID, msg.Payload)
	return true
}

// HandleCommClosed processes a backend-initiated close.
func (m *Multiplexer) HandleCommClosed(sessionID string, msg runtime.Message) {
	client, ok := m.Client(sessionID, msg.CommID)
	if !ok {
		return
	}
	client.setState(ClientClosed)
	m.drop(sessionID, msg.CommID)
}

// CloseSession force-closes every client belonging to a session. Called
// when the session reaches its terminal state.
func (m *Multiplexer) CloseSession(sessionID string) {
	m.mu.Lock()
	clients := m.bySession[sessionID]
	delete(m.bySession, sessionID)
	m.mu.Unlock()

	for _, client := range clients {
		client.setState(ClientClosed)
	}
	if len(clients) > 0 {
		m.logger.Debug("force-closed session clients",
			"session_id", sessionID,
			"count", len(clients),
		)
	}
}

func (m *Multiplexer) add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bySession[client.sessionID] == nil {
		m.bySession[client.sessionID] = make(map[string]*Client)
	}
	m.bySession[client.sessionID][client.id] = client
}

func (m *Multiplexer) drop(sessionID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySession[sessionID], clientID)
	if len(m.bySession[sessionID]) == 0 {
		delete(m.bySession, sessionID)
	}
}
