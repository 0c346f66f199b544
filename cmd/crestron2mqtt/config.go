package main

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"crestron2mqtt/internal/calibration"
	"crestron2mqtt/internal/coordinator"
	"crestron2mqtt/internal/groups"
	"crestron2mqtt/internal/write"
)

type cfgMQTT struct {
	ClientID string `yaml:"client_id" default:"crestron2mqtt" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgControllerPoll struct {
	Idle  time.Duration `yaml:"idle" default:"15s"`
	Fast  time.Duration `yaml:"fast" default:"1s"`
	Boost time.Duration `yaml:"boost" default:"20s"`
}

type cfgController struct {
	Host      string            `yaml:"host" env:"HOST"`
	APIToken  string            `yaml:"api_token" env:"API_TOKEN"`
	VerifySSL bool              `yaml:"verify_ssl" default:"false" env:"VERIFY_SSL"`
	Poll      cfgControllerPoll `yaml:"poll"`
}

type cfgCalibration struct {
	Invert bool                               `yaml:"invert"`
	Shades map[string]calibration.ShadeConfig `yaml:"shades"`
}

type cfgPredictive struct {
	Enabled   bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	StorePath string `yaml:"store_path" default:"predictive.json" env:"STORE_PATH"`

	SaveInterval time.Duration `yaml:"save_interval" default:"5m"`
}

type cfgWrite struct {
	Debounce time.Duration `yaml:"debounce" default:"100ms"`
	MaxItems int           `yaml:"max_items" default:"16"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT cfgMQTT `yaml:"mqtt" env:"MQTT"`
	HASS cfgHASS `yaml:"hass" env:"HASS"`

	Controller cfgController `yaml:"controller" env:"CONTROLLER"`
	Predictive cfgPredictive `yaml:"predictive" env:"PREDICTIVE"`
	Write      cfgWrite      `yaml:"write"`

	Calibration  cfgCalibration `yaml:"calibration"`
	VisualGroups groups.Config  `yaml:"visual_groups"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "C2M",
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
		return
	}
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

func calibrationFromConfig() calibration.Collection {
	return calibration.ParseCollection(Cfg.Calibration.Invert, Cfg.Calibration.Shades)
}

func visualGroupsFromConfig() groups.Config {
	return groups.Normalize(Cfg.VisualGroups)
}

func pollOptionsFromConfig() coordinator.Options {
	return coordinator.Options{
		IdleInterval: Cfg.Controller.Poll.Idle,
		FastInterval: Cfg.Controller.Poll.Fast,
		BoostWindow:  Cfg.Controller.Poll.Boost,
	}
}

func batcherOptionsFromConfig(coord *coordinator.Coordinator) []write.Option {
	return []write.Option{
		write.WithDebounce(Cfg.Write.Debounce),
		write.WithMaxItems(Cfg.Write.MaxItems),
		write.WithOnFlush(coord.HandleWriteFlush),
	}
}
