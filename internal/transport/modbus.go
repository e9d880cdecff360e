// Package transport implements master.Transport on top of goburrow/modbus
// for Modbus TCP and Modbus RTU.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/master"
)

// Config selects and tunes the client handler.
type Config struct {
	Protocol    string // tcp | rtu
	Address     string // host:port or serial device
	Timeout     time.Duration
	IdleTimeout time.Duration
	Serial      SerialParams
	// Trace logs every frame at debug level.
	Trace bool
}

// handlerWithConn is a goburrow handler with an explicit lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// Modbus adapts a goburrow client to master.Transport. It is not safe for
// concurrent use; the master serialises calls.
type Modbus struct {
	addr    string
	handler handlerWithConn
	setUnit func(uint8)
	client  mb.Client
	log     zerolog.Logger
}

var _ master.Transport = (*Modbus)(nil)

// New builds a TCP or RTU transport from cfg.
func New(cfg Config, logger zerolog.Logger) (*Modbus, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	t := &Modbus{log: logger.With().Str("component", "transport").Logger()}

	var trace *stdlog.Logger
	if cfg.Trace {
		trace = stdlog.New(t.log, "", 0)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case "", "tcp", "modbus-tcp":
		t.addr = NormalizeAddress(cfg.Address)
		h := mb.NewTCPClientHandler(t.addr)
		h.Timeout = timeout
		if cfg.IdleTimeout > 0 {
			h.IdleTimeout = cfg.IdleTimeout
		}
		h.Logger = trace
		t.handler = h
		t.setUnit = func(u uint8) { h.SlaveId = u }
	case "rtu", "modbus-rtu":
		port := strings.TrimSpace(cfg.Address)
		if port == "" {
			return nil, fmt.Errorf("%w: serial device is required for RTU", master.ErrConfiguration)
		}
		sp := cfg.Serial
		sp.Address = port
		sp.Timeout = timeout
		EnsureSerialDefaults(&sp)
		h := mb.NewRTUClientHandler(port)
		h.Config = sp.config()
		h.IdleTimeout = 100 * time.Millisecond
		if cfg.IdleTimeout > 0 {
			h.IdleTimeout = cfg.IdleTimeout
		}
		h.Logger = trace
		t.addr = port
		t.handler = h
		t.setUnit = func(u uint8) { h.SlaveId = u }
	default:
		return nil, fmt.Errorf("%w: protocol %s not implemented", master.ErrConfiguration, cfg.Protocol)
	}
	t.client = mb.NewClient(t.handler)
	return t, nil
}

// Address is the endpoint the transport talks to.
func (t *Modbus) Address() string { return t.addr }

func (t *Modbus) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", master.ErrConnection, err)
	}
	if err := t.handler.Connect(); err != nil {
		t.log.Debug().Err(err).Str("address", t.addr).Msg("connect failed")
		if isTimeout(err) {
			return fmt.Errorf("%w: connect %s: %v", master.ErrTimeout, t.addr, err)
		}
		return fmt.Errorf("%w: connect %s: %v", master.ErrConnection, t.addr, err)
	}
	return nil
}

func (t *Modbus) Close() error {
	return t.handler.Close()
}

func (t *Modbus) ReadCoils(ctx context.Context, unit uint8, start, count uint16) ([]bool, error) {
	if err := t.begin(ctx, unit); err != nil {
		return nil, err
	}
	b, err := t.client.ReadCoils(start, count)
	if err != nil {
		return nil, classify(err)
	}
	return unpackBits(b, count)
}

func (t *Modbus) ReadDiscreteInputs(ctx context.Context, unit uint8, start, count uint16) ([]bool, error) {
	if err := t.begin(ctx, unit); err != nil {
		return nil, err
	}
	b, err := t.client.ReadDiscreteInputs(start, count)
	if err != nil {
		return nil, classify(err)
	}
	return unpackBits(b, count)
}

func (t *Modbus) ReadHoldingRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	if err := t.begin(ctx, unit); err != nil {
		return nil, err
	}
	b, err := t.client.ReadHoldingRegisters(start, count)
	if err != nil {
		return nil, classify(err)
	}
	return unpackWords(b, count)
}

func (t *Modbus) ReadInputRegisters(ctx context.Context, unit uint8, start, count uint16) ([]uint16, error) {
	if err := t.begin(ctx, unit); err != nil {
		return nil, err
	}
	b, err := t.client.ReadInputRegisters(start, count)
	if err != nil {
		return nil, classify(err)
	}
	return unpackWords(b, count)
}

func (t *Modbus) WriteSingleCoil(ctx context.Context, unit uint8, addr uint16, value bool) error {
	if err := t.begin(ctx, unit); err != nil {
		return err
	}
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	if _, err := t.client.WriteSingleCoil(addr, v); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Modbus) WriteMultipleRegisters(ctx context.Context, unit uint8, start uint16, words []uint16) error {
	if err := t.begin(ctx, unit); err != nil {
		return err
	}
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	if _, err := t.client.WriteMultipleRegisters(start, uint16(len(words)), buf); err != nil {
		return classify(err)
	}
	return nil
}

// begin rejects calls on a finished context and selects the unit id.
func (t *Modbus) begin(ctx context.Context, unit uint8) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", master.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", master.ErrIO, err)
	}
	t.setUnit(unit)
	return nil
}

func unpackBits(b []byte, count uint16) ([]bool, error) {
	if len(b)*8 < int(count) {
		return nil, fmt.Errorf("%w: %d bytes for %d bits", master.ErrProtocol, len(b), count)
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = b[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out, nil
}

func unpackWords(b []byte, count uint16) ([]uint16, error) {
	if len(b) != int(count)*2 {
		return nil, fmt.Errorf("%w: %d bytes for %d registers", master.ErrProtocol, len(b), count)
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out, nil
}

// classify maps goburrow and network errors onto the master error kinds.
func classify(err error) error {
	var mbErr *mb.ModbusError
	switch {
	case errors.As(err, &mbErr):
		return fmt.Errorf("%w: %v", master.ErrProtocol, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %v", master.ErrTimeout, err)
	case strings.HasPrefix(err.Error(), "modbus: "):
		// goburrow reports malformed replies as plain "modbus: ..." errors
		return fmt.Errorf("%w: %v", master.ErrProtocol, err)
	default:
		return fmt.Errorf("%w: %v", master.ErrIO, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NormalizeAddress turns ":502" or "502" into a dialable host:port.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = ":502"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		if !strings.Contains(addr, ":") {
			addr = "127.0.0.1:" + addr
		}
	}
	return addr
}
