// internal/mirror/modbus/client.go
package modbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// conn is one live session to the upstream endpoint.
type conn interface {
	modbus.Client
	SetUnit(id uint8)
	Close() error
}

type tcpConn struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (c *tcpConn) SetUnit(id uint8) { c.handler.SlaveId = id }
func (c *tcpConn) Close() error { return c.handler.Close() }

func dialTCP(cfg Config) (conn, error) {
	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.IdleTimeout = 0
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &tcpConn{Client: modbus.NewClient(h), handler: h}, nil
}

// EndpointClient mirrors bus values into the upstream slave.
//
// Writes are serialized because the unit id is set per write. A single
// value goes out as FC05 or FC06. A transport failure drops the session;
// the write is retried once on a fresh one, and later writes redial
// until the endpoint answers again.
type EndpointClient struct {
	cfg  Config
	dial func(Config) (conn, error)

	mu         sync.Mutex
	conn       conn
	reconnects int
}

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

func NewEndpointClient(cfg Config) (*EndpointClient, error) {
	return newEndpointClient(cfg, dialTCP)
}

func newEndpointClient(cfg Config, dial func(Config) (conn, error)) (*EndpointClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror modbus: endpoint required")
	}
	c := &EndpointClient{cfg: cfg, dial: dial}
	cn, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("mirror modbus: connect %s: %w", cfg.Endpoint, err)
	}
	c.conn = cn
	return c, nil
}

func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Reconnects counts sessions opened after the first.
func (c *EndpointClient) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *EndpointClient) WriteBits(unitID uint8, addr uint16, bits []bool) error {
	if len(bits) == 0 {
		return nil
	}
	return c.write(unitID, func(cl modbus.Client) error {
		if len(bits) == 1 {
			v := uint16(0x0000)
			if bits[0] {
				v = 0xFF00
			}
			_, err := cl.WriteSingleCoil(addr, v)
			return err
		}
		_, err := cl.WriteMultipleCoils(addr, uint16(len(bits)), packBits(bits))
		return err
	})
}

func (c *EndpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	if len(regs) == 0 {
		return nil
	}
	return c.write(unitID, func(cl modbus.Client) error {
		if len(regs) == 1 {
			_, err := cl.WriteSingleRegister(addr, regs[0])
			return err
		}
		_, err := cl.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs))
		return err
	})
}

func (c *EndpointClient) write(unitID uint8, fn func(modbus.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if c.conn == nil {
			cn, err := c.dial(c.cfg)
			if err != nil {
				return fmt.Errorf("mirror modbus: reconnect %s: %w", c.cfg.Endpoint, err)
			}
			c.conn = cn
			c.reconnects++
		}

		c.conn.SetUnit(unitID)
		err := fn(c.conn)
		if err == nil || exception(err) {
			return err
		}

		_ = c.conn.Close()
		c.conn = nil
		if attempt > 0 {
			return err
		}
	}
}

// exception reports a Modbus exception from the endpoint. The session
// is healthy in that case.
func exception(err error) bool {
	var me *modbus.ModbusError
	return errors.As(err, &me)
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, 2*len(regs))
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
