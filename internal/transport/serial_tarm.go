package transport

import (
	"strings"

	"github.com/tarm/serial"
)

// tarm ports implement Flush, which discards unread input in the OS buffer
// as well.
func openTarm(cfg Config) (Port, error) {
	parity := serial.ParityNone
	switch strings.ToUpper(cfg.Parity) {
	case "E":
		parity = serial.ParityEven
	case "O":
		parity = serial.ParityOdd
	}
	stop := serial.Stop1
	if cfg.StopBits == 2 {
		stop = serial.Stop2
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Address,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.PortPoll,
		Size:        byte(cfg.DataBits),
		Parity:      parity,
		StopBits:    stop,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
