package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fisaks/labduino/internal/catalog"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/mirror"
	"github.com/fisaks/labduino/internal/util"
	"github.com/goburrow/modbus"
)

var deviceChannels = map[string][]string{}

func readCatalogMessage(payload []byte) (string, error) {
	var catalogMsg catalog.EdgeCatalogMessage
	if err := json.Unmarshal(payload, &catalogMsg); err != nil {
		return "", err
	}
	for _, dev := range catalogMsg.Devices {
		deviceChannels[dev.Name] = dev.Channels
	}
	out, err := json.Marshal(catalogMsg)
	return string(out), err
}

// formatState renders a state message as one compact line.
func formatState(payload []byte) (string, error) {
	var st labduino.DeviceState
	if err := json.Unmarshal(payload, &st); err != nil {
		return "", err
	}
	channels := deviceChannels[st.Name]
	if len(channels) == 0 {
		for ch := range st.ChannelValues {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s status=%s output=%s", st.Name, st.Status, st.Output)
	for _, ch := range channels {
		fmt.Fprintf(&b, " ch%s=%g(%+g)", ch, st.ChannelValues[ch], st.ChannelOffsets[ch])
	}
	fmt.Fprintf(&b, " min=%g max=%g avg=%g", st.ValueMin, st.ValueMax, st.ValueAverage)
	if st.PendingShot != "" {
		fmt.Fprintf(&b, " shot=%s", st.PendingShot)
	}
	if len(st.Errors) > 0 {
		fmt.Fprintf(&b, " errors=%q", st.Errors)
	}
	return b.String(), nil
}

func watchMQTT(ctx context.Context, broker, topic string) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("labduino-monitor-%d", time.Now().UnixNano()))
	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		topic := msg.Topic()
		var line string
		var err error
		switch {
		case strings.HasSuffix(topic, "/catalog"):
			line, err = readCatalogMessage(payload)
		case strings.HasSuffix(topic, "/state"):
			line, err = formatState(payload)
		default:
			line = string(payload)
		}
		if err != nil {
			fmt.Printf("%s %s (error: %v)\n", topic, string(payload), err)
			return
		}
		fmt.Printf("%s %s\n", topic, line)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)
	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	<-ctx.Done()
	client.Disconnect(200)
}

// watchMirror polls the register mirror of the first n device blocks.
func watchMirror(ctx context.Context, addr string, n int, scale float64, every time.Duration, debug bool) {
	h := modbus.NewTCPClientHandler(addr)
	h.Timeout = 3 * time.Second
	h.SlaveId = 1
	if debug {
		h.Logger = logging.WrapSlog("mirror", addr)
	}
	if err := h.Connect(); err != nil {
		log.Fatal(err)
	}
	defer h.Close()
	client := modbus.NewClient(h)
	fmt.Printf("Polling register mirror %s every %v...\n", addr, every)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		for i := 0; i < n; i++ {
			base := uint16(i * mirror.BlockSize)
			regs, err := client.ReadHoldingRegisters(base, mirror.RegAverage+1)
			if err != nil {
				fmt.Printf("block %d: %v\n", i, err)
				continue
			}
			coils, err := client.ReadCoils(base, 1)
			if err != nil {
				fmt.Printf("block %d coils: %v\n", i, err)
				continue
			}
			inputs, err := client.ReadDiscreteInputs(base, mirror.InputStatusKnown+1)
			if err != nil {
				fmt.Printf("block %d inputs: %v\n", i, err)
				continue
			}
			fmt.Println(formatBlock(i, regs, coils, inputs, scale))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// formatBlock renders one device block; inputs holds the valid and the
// status known bits.
func formatBlock(index int, regs, coils, inputs []byte, scale float64) string {
	value := func(reg int) float64 {
		return mirror.DecodeValue(binary.BigEndian.Uint16(regs[reg*2:]), scale)
	}
	var b strings.Builder
	bits := util.BytesToBinaryString(inputs, mirror.InputStatusKnown+1)
	fmt.Fprintf(&b, "block %d valid=%c known=%c output=%s", index,
		bits[mirror.InputValid], bits[mirror.InputStatusKnown], util.BytesToBinaryString(coils, 1))
	for ch := 0; ch < 4; ch++ {
		fmt.Fprintf(&b, " ch%d=%g(%+g)", ch+1, value(mirror.RegChannels+ch), value(mirror.RegOffsets+ch))
	}
	fmt.Fprintf(&b, " min=%g max=%g avg=%g", value(mirror.RegMin), value(mirror.RegMax), value(mirror.RegAverage))
	return b.String()
}

func main() {
	var broker, topic, mirrorAddr string
	var blocks int
	var scale float64
	var every time.Duration
	var debug bool
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&topic, "topic", "labduino/#", "MQTT topic filter")
	flag.StringVar(&mirrorAddr, "mirror", "", "Read the register mirror at host:port instead of MQTT")
	flag.IntVar(&blocks, "blocks", 1, "Number of device blocks to read from the mirror")
	flag.Float64Var(&scale, "scale", 100, "Mirror register scale")
	flag.DurationVar(&every, "every", 2*time.Second, "Mirror poll interval")
	flag.BoolVar(&debug, "debug", false, "Log Modbus frames")
	flag.Parse()
	logging.Init()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if mirrorAddr != "" {
		watchMirror(ctx, mirrorAddr, blocks, scale, every, debug)
		return
	}
	watchMQTT(ctx, broker, topic)
}
