package websocket

import (
	"context"
	"sync"
)

// MockConnector is an in-memory WSConnector used by adapter tests. It
// records subscriptions and sent frames and lets tests inject incoming
// messages without a socket.
type MockConnector struct {
	mu       sync.Mutex
	handlers map[string]MessageHandler
	sent     []interface{}

	connected bool

	ConnectErr   error
	SubscribeErr error
	SendErr      error
}

// NewMockConnector creates an empty mock connector.
func NewMockConnector() *MockConnector {
	return &MockConnector{
		handlers: make(map[string]MessageHandler),
	}
}

func (m *MockConnector) Connect(ctx context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Close() error {
	m.mu.Lock()
	m.connected = false
	m.handlers = make(map[string]MessageHandler)
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Subscribe(topic string, handler MessageHandler) error {
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.mu.Lock()
	m.handlers[topic] = handler
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Unsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.handlers, topic)
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.handlers))
	for topic := range m.handlers {
		topics = append(topics, topic)
	}
	return topics
}

func (m *MockConnector) Send(message interface{}) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	m.sent = append(m.sent, message)
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Sent returns a copy of every frame passed to Send.
func (m *MockConnector) Sent() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(m.sent))
	copy(out, m.sent)
	return out
}

// Inject delivers a raw message to the handler registered for topic, as
// if it arrived on the socket. The handler runs synchronously.
func (m *MockConnector) Inject(topic string, message []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(message)
	}
}
