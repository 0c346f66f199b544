package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crestron2mqtt/internal/crestron"
)

type fakeToken struct{}

func (fakeToken) Wait() bool { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type publication struct {
	topic    string
	retained bool
	payload  string
}

type fakeMQTT struct {
	mu            sync.Mutex
	published     []publication
	handlers      map[string]mqtt.MessageHandler
	unsubscribed  []string
	subscriptions []string
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: map[string]mqtt.MessageHandler{}}
}

func (c *fakeMQTT) IsConnected() bool { return true }
func (c *fakeMQTT) IsConnectionOpen() bool { return true }
func (c *fakeMQTT) Connect() mqtt.Token { return fakeToken{} }
func (c *fakeMQTT) Disconnect(uint) {}

func (c *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	case []byte:
		body = string(v)
	}
	c.published = append(c.published, publication{topic: topic, retained: retained, payload: body})
	return fakeToken{}
}

func (c *fakeMQTT) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	c.subscriptions = append(c.subscriptions, topic)
	return fakeToken{}
}

func (c *fakeMQTT) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (c *fakeMQTT) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return fakeToken{}
}

func (c *fakeMQTT) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeMQTT) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeMQTT) deliver(topic, payload string) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(c, fakeMessage{topic: topic, payload: payload})
	}
}

func (c *fakeMQTT) lastPayload(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload, true
		}
	}
	return "", false
}

type fakeMessage struct {
	topic   string
	payload string
}

func (fakeMessage) Duplicate() bool { return false }
func (fakeMessage) Qos() byte { return 0 }
func (fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return []byte(m.payload) }
func (fakeMessage) Ack() {}

type fakeCommander struct {
	mu       sync.Mutex
	commands []string
	percents []int
	state    string
	percent  int
}

func (c *fakeCommander) record(cmd string) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
}

func (c *fakeCommander) Open(ctx context.Context, shadeID string) error  { c.record("open"); return nil }
func (c *fakeCommander) Close(ctx context.Context, shadeID string) error { c.record("close"); return nil }
func (c *fakeCommander) Stop(ctx context.Context, shadeID string) error  { c.record("stop"); return nil }

func (c *fakeCommander) SetPercent(ctx context.Context, shadeID string, pct int) error {
	c.mu.Lock()
	c.percents = append(c.percents, pct)
	c.mu.Unlock()
	return nil
}

func (c *fakeCommander) State(shadeID string) string { return c.state }

func (c *fakeCommander) Percent(shadeID string) (int, bool) { return c.percent, true }

func intp(v int) *int { return &v }

func newTestBridge(client mqtt.Client, commander Commander) *Bridge {
	record := crestron.Shade{ID: "42", Name: "Living room", Position: intp(1000), Connection: crestron.ConnectionConnected}
	return NewBridge(client, commander, record)
}

func TestBridgeTopics(t *testing.T) {
	b := newTestBridge(newFakeMQTT(), &fakeCommander{})

	assert.Equal(t, "crestron2mqtt/42/state", b.StateTopic)
	assert.Equal(t, "crestron2mqtt/42/position", b.PositionTopic)
	assert.Equal(t, "crestron2mqtt/42/metadata", b.MetadataTopic)
	assert.Equal(t, "crestron2mqtt/42/set", b.CommandTopic)
	assert.Equal(t, "crestron2mqtt/42/position/set", b.PositionChangeTopic)
}

func TestPublishUpdate(t *testing.T) {
	client := newFakeMQTT()
	b := newTestBridge(client, &fakeCommander{state: "opening", percent: 37})

	b.PublishUpdate()

	state, ok := client.lastPayload(b.StateTopic)
	require.True(t, ok)
	assert.Equal(t, "opening", state)

	position, ok := client.lastPayload(b.PositionTopic)
	require.True(t, ok)
	assert.Equal(t, "37", position)
}

func TestCommandDispatch(t *testing.T) {
	client := newFakeMQTT()
	commander := &fakeCommander{}
	b := newTestBridge(client, commander)

	require.NoError(t, b.Subscribe(context.Background()))

	client.deliver(b.CommandTopic, "open")
	client.deliver(b.CommandTopic, "close")
	client.deliver(b.CommandTopic, "stop")
	client.deliver(b.CommandTopic, "reticulate")

	assert.Equal(t, []string{"open", "close", "stop"}, commander.commands)
}

func TestPositionChangeDispatch(t *testing.T) {
	client := newFakeMQTT()
	commander := &fakeCommander{}
	b := newTestBridge(client, commander)

	require.NoError(t, b.Subscribe(context.Background()))

	client.deliver(b.PositionChangeTopic, "63")
	client.deliver(b.PositionChangeTopic, "not-a-number")

	assert.Equal(t, []int{63}, commander.percents)
}

func TestSubscribeUnsubscribesOnCancel(t *testing.T) {
	client := newFakeMQTT()
	b := newTestBridge(client, &fakeCommander{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Subscribe(ctx))
	assert.Len(t, client.subscriptions, 2)

	cancel()
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.unsubscribed) == 2
	}, time.Second, time.Millisecond)
}

func TestHACoverDiscovery(t *testing.T) {
	client := newFakeMQTT()
	b := newTestBridge(client, &fakeCommander{})

	cover := NewHACoverFromBridge(b)
	assert.Equal(t, "crestron2mqtt_42", cover.UniqueID)
	assert.Equal(t, "Living room", cover.Name)
	assert.Equal(t, 100, cover.PositionOpen)
	assert.Equal(t, 0, cover.PositionClosed)

	require.NoError(t, PublishHAAutoDiscovery(client, "homeassistant", cover))

	payload, ok := client.lastPayload("homeassistant/cover/crestron2mqtt/crestron2mqtt_42/config")
	require.True(t, ok)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, b.CommandTopic, decoded["cmd_t"])
	assert.Equal(t, b.PositionChangeTopic, decoded["set_pos_t"])
	assert.Equal(t, "stop", decoded["pl_stop"])
}
