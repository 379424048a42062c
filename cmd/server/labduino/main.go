package main

// cSpell:ignore mqtt labduino mbserver
import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/labduino/internal/catalog"
	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/messaging"
	"github.com/fisaks/labduino/internal/mirror"
	"github.com/fisaks/labduino/internal/poller"
	"github.com/fisaks/labduino/internal/shot"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {

	mqttURL := getenv("MQTT_URL", "tcp://localhost:1883")
	path := getenv("LABDUINO_CONFIG_PATH", "/etc/labduino/config.json")
	edgeName := getenv("EDGE_NAME", "lab1")
	topicPrefix := "labduino/" + edgeName

	logging.Init()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logging.Fatal("Config error", "error", err)
	}

	logging.Info("Loaded config",
		"devices", len(cfg.Devices),
		"pollMs", cfg.PollIntervalMs,
		"mirror", cfg.Mirror != nil,
		"results", cfg.Results != nil,
	)
	edgeCatalog := catalog.NewEdgeCatalog(cfg)
	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	edgeBroker := messaging.NewEdgeBroker(messaging.BrokerConfig{
		BrokerURL:        mqttURL,
		ClientName:       edgeName,
		TopicPrefix:      topicPrefix,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
		StatusTopic:      "status",
	}, edgeCatalog.OnConnectPublish, cfg.HeartbeatDuration())

	if err := edgeBroker.Connect(ctx); err != nil {
		logging.Warn("MQTT connect failed, auto reconnect continues", "url", mqttURL, "error", err)
	}
	defer edgeBroker.Close(context.Background())

	var store shot.Store
	if cfg.Results != nil {
		sqlite, err := shot.OpenSQLite(cfg.Results.DBPath)
		if err != nil {
			logging.Fatal("Results store", "path", cfg.Results.DBPath, "error", err)
		}
		defer sqlite.Close()
		store = sqlite
		logging.Info("Results store opened", "path", cfg.Results.DBPath)
	}

	// The mirror forwards register writes to the pollers, so it starts
	// listening only once they exist.
	var pollers poller.DevicePollers
	var sink poller.SnapshotSink
	var mb *mirror.Mirror
	if m := cfg.Mirror; m != nil {
		names := make([]string, len(cfg.Devices))
		for i, d := range cfg.Devices {
			names[i] = d.Name
		}
		mb = mirror.New(m.Scale, names, func(device, action string, channel int, value float64) {
			pollers.OnMirrorWrite(device, action, channel, value)
		})
		sink = mb
	}

	pollers = poller.NewDevicePollers(cfg, poller.OpenArduino, edgeBroker, store, sink)
	if mb != nil {
		if err := mb.Listen(cfg.Mirror.ListenAddr); err != nil {
			logging.Fatal("Register mirror", "addr", cfg.Mirror.ListenAddr, "error", err)
		}
		defer mb.Close()
	}
	if err := edgeBroker.StartEdgeSubscriber(ctx, pollers); err != nil {
		logging.Warn("Command subscription failed", "error", err)
	}

	// One goroutine per device
	pollers.StartAllPollers(ctx)

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	cancel()
	pollers.StopAllPollers()
	logging.Info("bye")
}
