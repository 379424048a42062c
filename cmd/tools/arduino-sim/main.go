package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/goburrow/serial"
	"gopkg.in/yaml.v3"
)

// Scenario describes the simulated sketches, read from SIM_CONFIG_PATH.
type Scenario struct {
	RestAddr string           `yaml:"restAddr"`
	StepMs   int              `yaml:"stepMs"`
	Devices  []DeviceScenario `yaml:"devices"`
}

type DeviceScenario struct {
	Name        string  `yaml:"name"`
	Port        string  `yaml:"port"`
	Baud        int     `yaml:"baud"`
	Termination string  `yaml:"termination"`
	Channels    int     `yaml:"channels"`
	Start       float64 `yaml:"start"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	Drift       float64 `yaml:"drift"`
}

func loadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if sc.RestAddr == "" {
		sc.RestAddr = ":8080"
	}
	if sc.StepMs <= 0 {
		sc.StepMs = 1000
	}
	for i := range sc.Devices {
		d := &sc.Devices[i]
		if d.Name == "" || d.Port == "" {
			return nil, fmt.Errorf("devices[%d]: name and port are required", i)
		}
		if d.Baud == 0 {
			d.Baud = 9600
		}
		if d.Channels < 1 || d.Channels > 4 {
			d.Channels = 4
		}
		if d.Max == 0 && d.Min == 0 {
			d.Min, d.Max = 70, 100
		}
		d.Termination = config.NormalizeTermination(d.Termination)
	}
	return &sc, nil
}

func main() {
	logging.Init()
	path := os.Getenv("SIM_CONFIG_PATH")
	if path == "" {
		logging.Fatal("SIM_CONFIG_PATH not set")
	}
	sc, err := loadScenario(path)
	if err != nil {
		logging.Fatal("Scenario error", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, d := range sc.Devices {
		sketch := NewSketch(d)
		registerSketch(d.Name, sketch)
		go runSketch(ctx, d, sketch)
		go driftLoop(ctx, sketch, time.Duration(sc.StepMs)*time.Millisecond)
	}

	go func() {
		if err := StartRestAPI(sc.RestAddr); err != nil {
			logging.Fatal("REST API", "error", err)
		}
	}()
	<-ctx.Done()
	logging.Info("Simulator stopped")
}

func driftLoop(ctx context.Context, sketch *Sketch, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sketch.Step()
		}
	}
}

// runSketch serves one serial port until ctx is done.
func runSketch(ctx context.Context, d DeviceScenario, sketch *Sketch) {
	port, err := serial.Open(&serial.Config{
		Address:  d.Port,
		BaudRate: d.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		logging.Fatal("serial open", "port", d.Port, "error", err)
	}
	defer port.Close()
	logging.Info("Sketch simulator ready", "device", d.Name, "port", d.Port, "channels", d.Channels)

	term := []byte(d.Termination)
	var line []byte
	buf := make([]byte, 128)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			logging.Error("serial read", "device", d.Name, "error", err)
			return
		}
		line = append(line, buf[:n]...)
		for {
			i := bytes.Index(line, term)
			if i < 0 {
				break
			}
			cmd := string(line[:i])
			line = line[i+len(term):]
			reply, ok := sketch.Handle(cmd)
			logging.Debug("sketch", "device", d.Name, "cmd", cmd, "reply", reply)
			if !ok {
				continue
			}
			if _, err := port.Write(append([]byte(reply), term...)); err != nil {
				logging.Error("serial write", "device", d.Name, "error", err)
				return
			}
		}
	}
}
