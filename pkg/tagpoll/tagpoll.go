// Package tagpoll is the importable surface of the poller: typed tags, the
// batching master and the ready-made transports and runner.
//
//	tr, _ := tagpoll.DialTCP("10.0.0.5:502", time.Second)
//	m, _ := tagpoll.NewMaster(tr, tagpoll.DefaultConfig())
//	temp := tagpoll.NewTag[float32]("temp", tagpoll.HoldingRegisters, 100)
//	_ = m.Register(temp)
//	_ = m.Connect(ctx)
//	_ = temp.Set(ctx, 21.5)
package tagpoll

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"modbus-tagpoller/internal/address"
	"modbus-tagpoller/internal/batch"
	"modbus-tagpoller/internal/codec"
	"modbus-tagpoller/internal/master"
	"modbus-tagpoller/internal/tag"
	"modbus-tagpoller/internal/tasks"
	"modbus-tagpoller/internal/transport"
)

type (
	Value        = codec.Value
	Kind         = codec.Kind
	Table        = address.Table
	Address      = address.Address
	Tag[T Value] = tag.Tag[T]
	Handle       = tag.Handle
	Change       = tag.Change
	WorkItem     = batch.WorkItem
	Master       = master.Master
	Config       = master.Config
	Option       = master.Option
	Observer     = master.Observer
	Transport    = master.Transport
	State        = master.State
	StateEvent   = master.StateEvent
	FaultPolicy  = master.FaultPolicy
)

const (
	Coils            = address.Coils
	DiscreteInputs   = address.DiscreteInputs
	InputRegisters   = address.InputRegisters
	HoldingRegisters = address.HoldingRegisters

	Disconnected = master.Disconnected
	Connected    = master.Connected

	FaultRetry = master.FaultRetry
	FaultStop  = master.FaultStop
)

var (
	ErrConnection    = master.ErrConnection
	ErrTimeout       = master.ErrTimeout
	ErrIO            = master.ErrIO
	ErrProtocol      = master.ErrProtocol
	ErrConfiguration = master.ErrConfiguration
	ErrNotRegistered = master.ErrNotRegistered
	ErrDetached      = tag.ErrDetached
	ErrLoopRunning   = master.ErrLoopRunning
)

// NewTag creates an unregistered tag of type T.
func NewTag[T Value](name string, table Table, index uint16) *Tag[T] {
	return tag.New[T](name, address.New(table, index))
}

func DefaultConfig() Config { return master.DefaultConfig() }

func NewMaster(tr Transport, cfg Config, opts ...Option) (*Master, error) {
	return master.New(tr, cfg, opts...)
}

func WithLogger(l zerolog.Logger) Option { return master.WithLogger(l) }

func WithObserver(o Observer) Option { return master.WithObserver(o) }

// Write is the generic form of Tag.Set.
func Write[T Value](ctx context.Context, m *Master, t *Tag[T], v T) error {
	return master.Write(ctx, m, t, v)
}

// DialTCP returns a Modbus TCP transport. The connection is opened by
// Master.Connect.
func DialTCP(addr string, timeout time.Duration) (Transport, error) {
	return transport.New(transport.Config{Protocol: "tcp", Address: addr, Timeout: timeout}, zerolog.Nop())
}

// DialRTU returns a Modbus RTU transport on a serial device with 9600 8N1
// framing unless overridden by baud.
func DialRTU(device string, baud int, timeout time.Duration) (Transport, error) {
	return transport.New(transport.Config{
		Protocol: "rtu",
		Address:  device,
		Timeout:  timeout,
		Serial:   transport.SerialParams{BaudRate: baud},
	}, zerolog.Nop())
}

// Options re-exposes the runner options for external callers.
type Options = tasks.Options

// Run loads a YAML configuration and runs the poller with its sinks and API
// until ctx is done.
func Run(ctx context.Context, opts Options) error {
	return tasks.InitAndRunPoller(ctx, opts)
}
