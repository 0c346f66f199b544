package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"crestron2mqtt/internal/bridge"
	"crestron2mqtt/internal/coordinator"
	"crestron2mqtt/internal/crestron"
	"crestron2mqtt/internal/predictive"
	"crestron2mqtt/internal/shade"
	"crestron2mqtt/internal/store"
	"crestron2mqtt/internal/write"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	loadConfigFromYamlFile(*configPath)

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := crestron.NewHTTPClient(Cfg.Controller.Host, Cfg.Controller.APIToken, Cfg.Controller.VerifySSL)
	if err := client.Login(ctx); err != nil {
		logrus.Fatalf("controller login failed: %s", err)
	}
	logrus.Infof("controller %s connected", Cfg.Controller.Host)

	predictiveStore := store.New(Cfg.Predictive.StorePath)
	learning := predictive.RestoreLearning(predictiveStore.Load().Shades, predictive.DefaultLearning())
	runtime := predictive.NewRuntime(learning, predictive.DefaultRuntimeConfig())
	runtime.SetEnabled(Cfg.Predictive.Enabled)

	cal := calibrationFromConfig()
	visualGroups := visualGroupsFromConfig()

	coord := coordinator.New(client, runtime, cal, visualGroups, pollOptionsFromConfig())
	batcher := write.NewBatcher(client, batcherOptionsFromConfig(coord)...)
	shades := shade.NewController(coord, runtime, batcher, cal, visualGroups)

	if err := coord.Refresh(ctx); err != nil {
		logrus.Fatalf("initial shade discovery failed: %s", err)
	}

	var bridges []*bridge.Bridge
	mqttOpts := pahoOptsFromConfig()
	mqttOpts.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")
		subscribe(ctx, m, bridges)
	}
	mqttOpts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(mqttOpts)
	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	bridges = bridgesFromShades(m, shades)
	subscribe(ctx, m, bridges)

	coord.AddListener(func(map[string]crestron.Shade) {
		for _, b := range bridges {
			b.PublishUpdate()
		}
	})

	go coord.Run(ctx)
	go saveLearningLoop(ctx, predictiveStore, runtime)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		oscall := <-c
		log.Printf("system call:%+v", oscall)
		cancel()
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	batcher.Shutdown(shutdownCtx)
	saveLearning(predictiveStore, runtime)
	client.Logout()
}

func bridgesFromShades(m paho.Client, shades *shade.Controller) (bridges []*bridge.Bridge) {
	for _, record := range shades.Shades() {
		b := bridge.NewBridge(m, shades, record)
		metadata := map[string]interface{}{
			"name":    record.Name,
			"room_id": record.RoomID,
		}
		if err := b.SetMetadata(metadata); err != nil {
			logrus.Error(err)
		}
		bridges = append(bridges, b)
		b.PublishUpdate()
	}
	return bridges
}

func subscribe(ctx context.Context, m paho.Client, bridges []*bridge.Bridge) {
	for _, b := range bridges {
		if Cfg.HASS.Enabled {
			entity := bridge.NewHACoverFromBridge(b)
			if err := bridge.PublishHAAutoDiscovery(m, Cfg.HASS.TopicPrefix, entity); err != nil {
				logrus.Fatal(err)
			}
		}

		if err := b.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}
}

func saveLearningLoop(ctx context.Context, s *store.Store, runtime *predictive.Runtime) {
	interval := Cfg.Predictive.SaveInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveLearning(s, runtime)
		}
	}
}

func saveLearning(s *store.Store, runtime *predictive.Runtime) {
	data := store.Data{Version: store.Version, Shades: runtime.SerializeLearning()}
	if err := s.Save(data); err != nil {
		logrus.Errorf("learning snapshot save failed: %s", err)
		return
	}
	logrus.Debug("learning snapshot saved")
}
