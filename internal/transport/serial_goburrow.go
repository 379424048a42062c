package transport

import (
	"github.com/goburrow/serial"
)

func openGoburrow(cfg Config) (Port, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.PortPoll,
	})
}
