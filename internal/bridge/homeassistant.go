package bridge

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"

	"crestron2mqtt/internal/shade"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`
}

func NewHACoverFromBridge(bridge *Bridge) haCover {
	return haCover{
		haEntity: haEntity{
			UniqueID:    topicPrefix + "_" + bridge.shadeID,
			Name:        bridge.name,
			DeviceClass: "shade",

			Device: haDevice{
				Identifiers:  []string{topicPrefix},
				Manufacturer: "Crestron",
				Model:        "Crestron Home",
				Name:         bridge.name,
				SWVersion:    topicPrefix,
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     shade.FullOpenPercent,
		PositionClosed:   shade.FullClosePercent,
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
	}
}

func PublishHAAutoDiscovery(client paho.Client, discoveryTopicPrefix string, cover haCover) error {
	topic := fmt.Sprintf("%s/cover/%s/%s/config", discoveryTopicPrefix, topicPrefix, cover.UniqueID)

	payload, err := json.Marshal(cover)
	if err != nil {
		return err
	}

	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}
