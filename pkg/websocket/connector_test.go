package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/exchange-gateway/pkg/logging"
)

func newTestConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: time.Second,
		ReconnectInterval: 50 * time.Millisecond,
		MaxRetries:        3,
		Logger:            logging.NewNopLogger(),
	}
}

func TestTopicField(t *testing.T) {
	fromTopic := TopicField("topic")
	fromStream := TopicField("stream")

	assert.Equal(t, "publicTrade.BTCUSDT",
		fromTopic([]byte(`{"topic":"publicTrade.BTCUSDT","data":[]}`)))
	assert.Equal(t, "btcusdt@trade",
		fromStream([]byte(`{"stream":"btcusdt@trade","data":{}}`)))

	assert.Empty(t, fromTopic([]byte(`{"stream":"btcusdt@trade"}`)), "missing field")
	assert.Empty(t, fromTopic([]byte(`{"topic":42}`)), "non-string field")
	assert.Empty(t, fromTopic([]byte(`not json`)))
}

func TestMockConnector(t *testing.T) {
	mock := NewMockConnector()

	require.NoError(t, mock.Connect(context.Background()))
	assert.True(t, mock.IsConnected())

	received := make(chan []byte, 1)
	require.NoError(t, mock.Subscribe("test", func(msg []byte) {
		received <- msg
	}))
	assert.Equal(t, []string{"test"}, mock.Topics())

	message := []byte(`{"topic":"test"}`)
	mock.Inject("test", message)
	select {
	case msg := <-received:
		assert.Equal(t, message, msg)
	default:
		t.Fatal("handler not invoked")
	}

	mock.Inject("other", []byte(`{}`))
	assert.Empty(t, received, "unsubscribed topics are dropped")

	require.NoError(t, mock.Send(map[string]string{"op": "subscribe"}))
	require.Len(t, mock.Sent(), 1)

	require.NoError(t, mock.Unsubscribe("test"))
	assert.Empty(t, mock.Topics())

	require.NoError(t, mock.Close())
	assert.False(t, mock.IsConnected())
}

func TestMockConnectorErrors(t *testing.T) {
	mock := NewMockConnector()
	mock.ConnectErr = errors.New("connect failed")
	mock.SubscribeErr = errors.New("subscribe failed")
	mock.SendErr = errors.New("send failed")

	assert.Error(t, mock.Connect(context.Background()))
	assert.Error(t, mock.Subscribe("test", func([]byte) {}))
	assert.Error(t, mock.Send([]byte("frame")))
}

func TestConnectorDispatchesByTopic(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	connector := NewConnector(newTestConfig(server.URL()))
	require.NoError(t, connector.Connect(context.Background()))
	defer connector.Close()
	assert.True(t, connector.IsConnected())

	trades := make(chan []byte, 1)
	require.NoError(t, connector.Subscribe("publicTrade.BTCUSDT", func(msg []byte) {
		trades <- msg
	}))

	message := []byte(`{"topic":"publicTrade.BTCUSDT","data":[{"p":"42000"}]}`)
	server.Broadcast(message)

	select {
	case msg := <-trades:
		assert.Equal(t, message, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	// Messages for other topics never reach this handler.
	server.Broadcast([]byte(`{"topic":"tickers.BTCUSDT","data":{}}`))
	select {
	case <-trades:
		t.Fatal("unexpected dispatch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectorCustomTopicFunc(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	config := newTestConfig(server.URL())
	config.Topic = TopicField("stream")
	connector := NewConnector(config)
	require.NoError(t, connector.Connect(context.Background()))
	defer connector.Close()

	received := make(chan []byte, 1)
	require.NoError(t, connector.Subscribe("btcusdt@trade", func(msg []byte) {
		received <- msg
	}))

	server.Broadcast([]byte(`{"stream":"btcusdt@trade","data":{"p":"42000"}}`))
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestConnectorSendEncodesJSON(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	connector := NewConnector(newTestConfig(server.URL()))
	require.NoError(t, connector.Connect(context.Background()))
	defer connector.Close()

	type frame struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	require.NoError(t, connector.Send(frame{Op: "subscribe", Args: []string{"tickers.BTCUSDT"}}))
	require.NoError(t, connector.Send([]byte(`raw frame`)))

	require.Eventually(t, func() bool {
		return len(server.Messages()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	messages := server.Messages()
	var decoded frame
	require.NoError(t, json.Unmarshal(messages[0], &decoded))
	assert.Equal(t, "subscribe", decoded.Op)
	assert.Equal(t, []byte(`raw frame`), messages[1])
}

func TestConnectorSubscribeRequiresConnection(t *testing.T) {
	connector := NewConnector(newTestConfig("ws://127.0.0.1:1"))
	assert.Error(t, connector.Subscribe("test", func([]byte) {}))
	assert.Error(t, connector.Send([]byte("frame")))
}

func TestConnectorConnectFailsOnRejection(t *testing.T) {
	server := NewMockServer()
	defer server.Close()
	server.SetRejectConnections(true)

	connector := NewConnector(newTestConfig(server.URL()))
	assert.Error(t, connector.Connect(context.Background()))
	assert.False(t, connector.IsConnected())
}

func TestConnectorCloseBeforeConnect(t *testing.T) {
	connector := NewConnector(newTestConfig("ws://127.0.0.1:1"))
	require.NoError(t, connector.Close())
}

func TestConnectorCloseAfterFailedConnect(t *testing.T) {
	server := NewMockServer()
	defer server.Close()
	server.SetRejectConnections(true)

	cfg := newTestConfig(server.URL())
	cfg.MaxRetries = 1
	connector := NewConnector(cfg)

	require.Error(t, connector.Connect(context.Background()))
	require.NoError(t, connector.Close())
	require.NoError(t, connector.Close())
	assert.False(t, connector.IsConnected())
}

func TestConnectorCloseSuppressesReconnect(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	connector := NewConnector(newTestConfig(server.URL()))
	require.NoError(t, connector.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return server.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, connector.Close())
	assert.False(t, connector.IsConnected())

	// No reconnect happens after a deliberate close.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, server.ConnectionCount())
}

func TestConnectorReconnectsAfterDrop(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	reconnects := make(chan struct{}, 8)
	config := newTestConfig(server.URL())
	config.OnReconnect = func() { reconnects <- struct{}{} }
	connector := NewConnector(config)

	require.NoError(t, connector.Connect(context.Background()))
	defer connector.Close()
	<-reconnects

	// The server's read loop only observes the drop flag when a client
	// frame wakes it up.
	server.SetDropConnections(true)
	require.NoError(t, connector.Send([]byte(`{"op":"ping"}`)))
	time.Sleep(100 * time.Millisecond)
	server.SetDropConnections(false)

	select {
	case <-reconnects:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for reconnect")
	}
	require.Eventually(t, connector.IsConnected, 5*time.Second, 10*time.Millisecond)
}

func TestConnectorTopicsSurviveReconnect(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	connector := NewConnector(newTestConfig(server.URL()))
	require.NoError(t, connector.Connect(context.Background()))
	defer connector.Close()

	require.NoError(t, connector.Subscribe("tickers.BTCUSDT", func([]byte) {}))
	require.NoError(t, connector.Subscribe("publicTrade.BTCUSDT", func([]byte) {}))
	assert.ElementsMatch(t,
		[]string{"tickers.BTCUSDT", "publicTrade.BTCUSDT"},
		connector.Topics())
}
