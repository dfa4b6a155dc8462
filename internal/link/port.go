// internal/link/port.go
package link

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goburrow/serial"
	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortConfig describes one RS-485 line.
type PortConfig struct {
	Device   string
	Baud     int
	DataBits int
	StopBits int
	Parity   string // N, E or O
	RS485    bool

	// ReadTimeout bounds a single Read so the reader notices shutdown.
	ReadTimeout time.Duration
}

// OpenPort opens the line. When the device cannot be opened the error
// lists the ports that do exist.
func OpenPort(cfg PortConfig) (io.ReadWriteCloser, error) {
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	p, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.Baud,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  timeout,
		RS485: serial.RS485Config{
			Enabled:           cfg.RS485,
			RtsHighDuringSend: cfg.RS485,
		},
	})
	if err != nil {
		if names, lerr := bugst.GetPortsList(); lerr == nil {
			return nil, fmt.Errorf("link: open %s: %w (available: %s)", cfg.Device, err, strings.Join(names, ", "))
		}
		return nil, fmt.Errorf("link: open %s: %w", cfg.Device, err)
	}
	return p, nil
}

// PortInfo is one enumerated serial port.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// ListPorts enumerates serial ports, with USB details where the OS has them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(details))
		for _, d := range details {
			out = append(out, PortInfo{
				Name:    d.Name,
				USB:     d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			})
		}
		return out, nil
	}

	names, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: list ports: %w", err)
	}
	out := make([]PortInfo, 0, len(names))
	for _, n := range names {
		out = append(out, PortInfo{Name: n})
	}
	return out, nil
}
