package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"crestron2mqtt/internal/crestron"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"

	topicPrefix = "crestron2mqtt"
)

// Commander is the shade command surface the bridge drives.
type Commander interface {
	Open(ctx context.Context, shadeID string) error
	Close(ctx context.Context, shadeID string) error
	Stop(ctx context.Context, shadeID string) error
	SetPercent(ctx context.Context, shadeID string, pct int) error
	State(shadeID string) string
	Percent(shadeID string) (int, bool)
}

// Bridge connects one shade to MQTT: retained state/position publications
// plus command and set-position subscriptions.
type Bridge struct {
	mqtt    mqtt.Client
	shades  Commander
	shadeID string
	name    string

	StateTopic    string
	PositionTopic string
	MetadataTopic string

	CommandTopic        string
	PositionChangeTopic string
}

func NewBridge(client mqtt.Client, shades Commander, record crestron.Shade) *Bridge {
	bridge := &Bridge{mqtt: client, shades: shades, shadeID: record.ID, name: record.Name}
	bridge.StateTopic = fmt.Sprintf("%s/%s/state", topicPrefix, record.ID)
	bridge.PositionTopic = fmt.Sprintf("%s/%s/position", topicPrefix, record.ID)
	bridge.MetadataTopic = fmt.Sprintf("%s/%s/metadata", topicPrefix, record.ID)
	bridge.CommandTopic = fmt.Sprintf("%s/%s/set", topicPrefix, record.ID)
	bridge.PositionChangeTopic = fmt.Sprintf("%s/%s/position/set", topicPrefix, record.ID)
	return bridge
}

func (b *Bridge) ShadeID() string { return b.shadeID }
func (b *Bridge) Name() string { return b.name }

// PublishUpdate pushes the shade's current state and calibrated percent to
// the retained topics.
func (b *Bridge) PublishUpdate() {
	state := b.shades.State(b.shadeID)
	if token := b.mqtt.Publish(b.StateTopic, 0, true, state); token.Wait() && token.Error() != nil {
		logrus.Errorf("%s: MQTT state publish failed: %s", b.name, token.Error())
	}

	pct, ok := b.shades.Percent(b.shadeID)
	if !ok {
		return
	}
	if token := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(pct)); token.Wait() && token.Error() != nil {
		logrus.Errorf("%s: MQTT position publish failed: %s", b.name, token.Error())
	}
}

func (b *Bridge) SetMetadata(value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.name)
	}
	return nil
}

// Subscribe attaches the command handlers and keeps them until the context
// is cancelled.
func (b *Bridge) Subscribe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if token := b.mqtt.Unsubscribe(b.PositionChangeTopic, b.CommandTopic); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.name, token.Error())
		}
	}()

	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.name)
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.name)
	if token := b.mqtt.Subscribe(b.PositionChangeTopic, 0, b.onPositionChangeHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position change topic subscription failed", b.name)
	}
	logrus.Infof("%s: MQTT position change topic subscribed", b.name)

	return nil
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		cmd := string(msg.Payload())
		var err error
		switch cmd {
		case mqttOpenCmd:
			err = b.shades.Open(ctx, b.shadeID)
		case mqttCloseCmd:
			err = b.shades.Close(ctx, b.shadeID)
		case mqttStopCmd:
			err = b.shades.Stop(ctx, b.shadeID)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.name, cmd)
			return
		}
		if err != nil {
			logrus.Errorf("%s: MQTT %s command failed: %s", b.name, cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		pct, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT position payload invalid: %s", b.name, err)
			return
		}
		if err := b.shades.SetPercent(ctx, b.shadeID, pct); err != nil {
			logrus.Errorf("%s: MQTT position change failed: %s", b.name, err)
		}
	}
}
