package transport

import (
	"strings"
	"time"

	"github.com/goburrow/serial"
)

// SerialParams configures an RTU line.
type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// EnsureSerialDefaults fills in 9600 8N1 and a 10s timeout.
func EnsureSerialDefaults(sp *SerialParams) {
	if sp.BaudRate == 0 {
		sp.BaudRate = 9600
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	sp.Parity = strings.ToUpper(strings.TrimSpace(sp.Parity))
	if sp.Parity == "" {
		sp.Parity = "N"
	}
	if sp.Timeout <= 0 {
		sp.Timeout = 10 * time.Second
	}
}

func (sp SerialParams) config() serial.Config {
	return serial.Config{
		Address:  sp.Address,
		BaudRate: sp.BaudRate,
		DataBits: sp.DataBits,
		StopBits: sp.StopBits,
		Parity:   sp.Parity,
		Timeout:  sp.Timeout,
	}
}
