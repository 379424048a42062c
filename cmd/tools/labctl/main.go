package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/mqtt"
	"github.com/fisaks/labduino/internal/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  labctl push  --edge EDGE --device DEVICE --action ACTION [--channel N] [--value V] [--values 1=0.5,2=0] [--pulse MS] [--shot ID]
  labctl probe --port PORT [--driver goburrow|tarm] [--baud 9600] OP [ARGS]

push publishes a command to labduino/<edge>/device/<device>/cmd.
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)

probe talks to a sketch directly. The daemon must not hold the port.
OP is one of:
  init | pack | defaults | restore | toggle | save
  max V | min V | offset CH V

`)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (push or probe)\n")
		usage()
		os.Exit(2)
	}
	logging.Init()

	switch os.Args[1] {
	case "push":
		os.Exit(push(os.Args[2:]))
	case "probe":
		os.Exit(probe(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func push(args []string) int {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	edge := fs.String("edge", "", "Edge name (required)")
	device := fs.String("device", "", "Device name (required)")
	action := fs.String("action", "", "Command action (required)")
	channel := fs.Int("channel", 0, "Channel for setOffset")
	value := fs.String("value", "", "Value for setMax/setMin/setOffset")
	values := fs.String("values", "", "Offsets for setOffsets, e.g. 1=0.5,3=-1")
	pulse := fs.Int("pulse", 0, "Pulse duration in milliseconds for toggleOutput")
	shotID := fs.String("shot", "", "Shot id for transitionToBuffered")
	file := fs.String("file", "", "Shot file for transitionToBuffered")
	broker := fs.String("broker", "tcp://localhost:1883", "MQTT broker address")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	missing := false
	for flagName, v := range map[string]string{"edge": *edge, "device": *device, "action": *action} {
		if v == "" {
			fmt.Fprintf(os.Stderr, "--%s is required\n", flagName)
			missing = true
		}
	}
	if missing {
		usage()
		return 2
	}

	payload := labduino.IncomingDeviceCommand{
		ID:     fmt.Sprintf("labctl-%d", time.Now().UnixNano()),
		Device: *device,
		Action: *action,
		ShotID: *shotID,
		File:   *file,
	}
	if *channel > 0 {
		payload.Channel = *channel
	}
	if *value != "" {
		v, err := strconv.ParseFloat(*value, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--value: %v\n", err)
			return 2
		}
		payload.Value = v
	}
	if *values != "" {
		parsed, err := parseOffsets(*values)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--values: %v\n", err)
			return 2
		}
		payload.Values = parsed
	}
	if *pulse > 0 {
		payload.PulseMs = *pulse
	}

	client, err := mqtt.Connect(*broker, fmt.Sprintf("labctl-%d", time.Now().UnixNano()), 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MQTT connect error: %v\n", err)
		return 1
	}
	defer client.Disconnect(250)

	topic := fmt.Sprintf("labduino/%s/device/%s/cmd", *edge, *device)
	if err := mqtt.PublishJSON(client, topic, 1, false, payload, 5*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "MQTT publish error: %v\n", err)
		return 1
	}
	fmt.Printf("Published %s to %s (id %s)\n", *action, topic, payload.ID)
	return 0
}

// parseOffsets reads "1=0.5,3=-1".
func parseOffsets(s string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range strings.Split(s, ",") {
		ch, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("expected CH=VALUE, got %q", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		out[ch] = f
	}
	return out, nil
}

func probe(args []string) int {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	port := fs.String("port", "", "Serial port (required)")
	driver := fs.String("driver", transport.DriverGoburrow, "Serial driver: goburrow or tarm")
	baud := fs.Int("baud", 9600, "Baud rate")
	timeout := fs.Duration("timeout", 10*time.Second, "Read timeout")
	termination := fs.String("termination", "crlf", "Line termination: crlf, lf or cr")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *port == "" || fs.NArg() == 0 {
		usage()
		return 2
	}

	dev, err := arduino.Open(transport.Config{
		Driver:      *driver,
		Address:     *port,
		BaudRate:    *baud,
		Timeout:     *timeout,
		Termination: config.NormalizeTermination(*termination),
	}, arduino.Options{Name: "probe"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *port, err)
		return 1
	}
	defer dev.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := runProbe(ctx, dev, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", fs.Arg(0), err)
		return 1
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return 0
}

func runProbe(ctx context.Context, dev *arduino.Device, args []string) (any, error) {
	floatArg := func(i int) (float64, error) {
		if len(args) <= i {
			return 0, fmt.Errorf("missing argument %d", i)
		}
		return strconv.ParseFloat(args[i], 64)
	}

	switch strings.ToLower(args[0]) {
	case "init":
		return dev.ReadInit(ctx)
	case "pack":
		if _, err := dev.ReadInit(ctx); err != nil {
			return nil, err
		}
		return dev.ReadPartial(ctx)
	case "defaults":
		return dev.FetchDefaults(ctx)
	case "restore":
		return dev.RequestDefaults(ctx)
	case "toggle":
		return dev.ToggleOutput(ctx)
	case "save":
		return "saved", dev.Persist(ctx)
	case "max", "min":
		v, err := floatArg(1)
		if err != nil {
			return nil, err
		}
		if args[0] == "max" {
			return dev.SetValueMax(ctx, v)
		}
		return dev.SetValueMin(ctx, v)
	case "offset":
		if len(args) < 3 {
			return nil, fmt.Errorf("usage: offset CH V")
		}
		ch, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, err
		}
		v, err := floatArg(2)
		if err != nil {
			return nil, err
		}
		return dev.SetChannelOffset(ctx, ch, v)
	}
	return nil, fmt.Errorf("unknown op %q", args[0])
}
