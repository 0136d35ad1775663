package mqttlink

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	subscribes   map[string]int
	handlers     map[string]mqtt.MessageHandler
	unsubscribes []string

	onConnect mqtt.OnConnectHandler
	onLost    mqtt.ConnectionLostHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		subscribes: make(map[string]int),
		handlers:   make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return fakeToken{}
}

// fireOnConnect stands in for paho invoking the handler after a
// (re)connect; the real client does this from its own goroutine.
func (f *fakeClient) fireOnConnect() {
	f.mu.Lock()
	onConnect := f.onConnect
	f.mu.Unlock()
	if onConnect != nil {
		onConnect(f)
	}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subscribes[topic]++
	f.handlers[topic] = callback
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	f.unsubscribes = append(f.unsubscribes, topics...)
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (f *fakeClient) subscribeCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes[topic]
}

func (f *fakeClient) handler(topic string) mqtt.MessageHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func withFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	fake := newFakeClient()
	orig := newPahoClient
	newPahoClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		fake.mu.Lock()
		fake.onConnect = opts.OnConnect
		fake.onLost = opts.OnConnectionLost
		fake.mu.Unlock()
		return fake
	}
	t.Cleanup(func() {
		newPahoClient = orig
	})
	return fake
}

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "sensorData/u1", TopicForUser("u1"))
	assert.Equal(t, "u1", UserFromTopic("sensorData/u1"))
	assert.Equal(t, "", UserFromTopic("otherTopic/u1"))
}

func TestDefaults(t *testing.T) {
	c := New(Config{Broker: "tcp://broker:1883"}, make(chan Message, 1), nil)
	assert.Equal(t, byte(1), c.cfg.QoS)
	assert.NotEmpty(t, c.cfg.ClientID)
}

func TestWatchUserIdempotent(t *testing.T) {
	fake := withFakeClient(t)
	c := New(Config{Broker: "tcp://broker:1883"}, make(chan Message, 1), nil)
	require.NoError(t, c.Open())

	require.NoError(t, c.WatchUser("u1"))
	require.NoError(t, c.WatchUser("u1"))

	assert.Equal(t, 1, fake.subscribeCount("sensorData/u1"),
		"a second watch must not create a duplicate listener")
}

func TestMessageDispatch(t *testing.T) {
	fake := withFakeClient(t)
	messages := make(chan Message, 2)
	c := New(Config{Broker: "tcp://broker:1883"}, messages, nil)
	require.NoError(t, c.Open())
	require.NoError(t, c.WatchUser("u1"))

	handler := fake.handler("sensorData/u1")
	require.NotNil(t, handler)
	handler(fake, fakeMessage{topic: "sensorData/u1", payload: []byte(`{"date":1}`)})

	select {
	case msg := <-messages:
		assert.Equal(t, "sensorData/u1", msg.Topic)
		assert.Equal(t, []byte(`{"date":1}`), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestMessageDroppedWhenChannelFull(t *testing.T) {
	fake := withFakeClient(t)
	messages := make(chan Message, 1)
	c := New(Config{Broker: "tcp://broker:1883"}, messages, nil)
	require.NoError(t, c.Open())
	require.NoError(t, c.WatchUser("u1"))

	handler := fake.handler("sensorData/u1")
	require.NotNil(t, handler)
	handler(fake, fakeMessage{topic: "sensorData/u1", payload: []byte(`1`)})
	handler(fake, fakeMessage{topic: "sensorData/u1", payload: []byte(`2`)})

	assert.Equal(t, int64(1), c.DroppedMessages())
}

func TestUnwatchUser(t *testing.T) {
	fake := withFakeClient(t)
	c := New(Config{Broker: "tcp://broker:1883"}, make(chan Message, 1), nil)
	require.NoError(t, c.Open())
	require.NoError(t, c.WatchUser("u1"))

	require.NoError(t, c.UnwatchUser("u1"))
	fake.mu.Lock()
	unsubs := append([]string(nil), fake.unsubscribes...)
	fake.mu.Unlock()
	assert.Equal(t, []string{"sensorData/u1"}, unsubs)

	// unwatching an unwatched user is a no-op
	require.NoError(t, c.UnwatchUser("u9"))
}

func TestWatchBeforeConnect(t *testing.T) {
	fake := withFakeClient(t)
	c := New(Config{Broker: "tcp://broker:1883"}, make(chan Message, 1), nil)

	// watched while disconnected: picked up by the on-connect hook
	require.NoError(t, c.WatchUser("u1"))
	assert.Equal(t, 0, fake.subscribeCount("sensorData/u1"))

	require.NoError(t, c.Open())
	fake.fireOnConnect()
	assert.Equal(t, 1, fake.subscribeCount("sensorData/u1"))
}

func TestConnectionLostCallback(t *testing.T) {
	fake := withFakeClient(t)
	errs := make(chan error, 1)
	c := New(Config{Broker: "tcp://broker:1883"}, make(chan Message, 1), func(err error) {
		errs <- err
	})
	require.NoError(t, c.Open())

	fake.mu.Lock()
	onLost := fake.onLost
	fake.mu.Unlock()
	require.NotNil(t, onLost)
	onLost(fake, assert.AnError)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "broker connection lost")
	case <-time.After(time.Second):
		t.Fatal("error callback never fired")
	}
}
