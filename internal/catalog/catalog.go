package catalog

import (
	"context"

	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/messaging"
)

type EdgeCatalogMessage struct {
	Devices []DeviceSummary `json:"devices"`
	Mirror  *MirrorSummary  `json:"mirror,omitempty"`
}

type DeviceSummary struct {
	Name           string   `json:"name"`
	Port           string   `json:"port"`
	Driver         string   `json:"driver"`
	Baud           int      `json:"baud"`
	Channels       []string `json:"channels"`
	PollIntervalMs int      `json:"pollIntervalMs"`
	AutoUpdate     bool     `json:"autoUpdate"`
	Actions        []string `json:"actions"`
}

type MirrorSummary struct {
	ListenAddr string  `json:"listenAddr"`
	Scale      float64 `json:"scale"`
}

// Actions lists the command actions every device accepts.
var Actions = []string{
	"setMax", "setMin", "setOffset", "setOffsets", "setDefaults", "grabDefaults",
	"toggleOutput", "refresh", "init", "startContinuous", "stopContinuous",
	"transitionToBuffered", "transitionToManual", "abort",
}

type Catalog struct {
	cfg *config.Config
}

func NewEdgeCatalog(cfg *config.Config) *Catalog {
	return &Catalog{cfg: cfg}
}

func (catalog *Catalog) BuildEdgeCatalog() *EdgeCatalogMessage {
	devices := make([]DeviceSummary, 0, len(catalog.cfg.Devices))
	for _, d := range catalog.cfg.Devices {
		devices = append(devices, DeviceSummary{
			Name:           d.Name,
			Port:           d.Port,
			Driver:         d.Driver,
			Baud:           d.Baud,
			Channels:       d.ChannelIDs(),
			PollIntervalMs: d.PollIntervalMs,
			AutoUpdate:     d.AutoUpdateEnabled(),
			Actions:        Actions,
		})
	}
	msg := &EdgeCatalogMessage{Devices: devices}
	if m := catalog.cfg.Mirror; m != nil {
		msg.Mirror = &MirrorSummary{ListenAddr: m.ListenAddr, Scale: m.Scale}
	}
	return msg
}

func (catalog *Catalog) OnConnectPublish(ctx context.Context) (*messaging.ConnectMessage, error) {
	return &messaging.ConnectMessage{
		Topic:   "catalog",
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: catalog.BuildEdgeCatalog(),
	}, nil
}
