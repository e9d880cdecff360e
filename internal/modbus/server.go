// Package modbus is a small Modbus TCP slave backed by in-memory tables.
// It serves the simulator command and end-to-end tests.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

const (
	functionReadCoils          = 0x01
	functionReadDiscreteInputs = 0x02
	functionReadHoldingRegs    = 0x03
	functionReadInputRegs      = 0x04
	functionWriteSingleCoil    = 0x05
	functionWriteSingleReg     = 0x06
	functionWriteMultipleCoils = 0x0F
	functionWriteMultipleRegs  = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errInvalidValue  = errors.New("invalid value")
)

// Server answers read and write requests for all four tables.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu               sync.RWMutex
	holdingRegisters []uint16
	inputRegisters   []uint16
	coils            []bool
	discreteInputs   []bool

	requests atomic.Int64
	// fail, when set, makes the server drop connections instead of answering.
	fail atomic.Bool
}

// NewServer allocates every table at full size.
func NewServer() *Server {
	return &Server{
		holdingRegisters: make([]uint16, 65536),
		inputRegisters:   make([]uint16, 65536),
		coils:            make([]bool, 65536),
		discreteInputs:   make([]bool, 65536),
		quit:             make(chan struct{}),
	}
}

// Listen starts accepting connections. Use "127.0.0.1:0" for an ephemeral
// port and read it back with Addr.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Requests counts the PDUs handled so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// SetFailing makes the server close every connection on its next request.
func (s *Server) SetFailing(v bool) {
	s.fail.Store(v)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	go func() {
		<-s.quit
		conn.Close()
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length <= 1 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, int(length-1))
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		if s.fail.Load() {
			return
		}
		s.requests.Add(1)

		response := s.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		// the transaction and protocol ids are echoed back unchanged
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	var (
		data []byte
		err  error
	)
	switch function {
	case functionReadCoils:
		data, err = s.readBits(s.coils, pdu)
	case functionReadDiscreteInputs:
		data, err = s.readBits(s.discreteInputs, pdu)
	case functionReadHoldingRegs:
		data, err = s.readRegisters(s.holdingRegisters, pdu)
	case functionReadInputRegs:
		data, err = s.readRegisters(s.inputRegisters, pdu)
	case functionWriteSingleCoil:
		err = s.writeSingleCoil(pdu)
		if err == nil {
			return append([]byte(nil), pdu[:5]...)
		}
	case functionWriteSingleReg:
		err = s.writeSingleRegister(pdu)
		if err == nil {
			return append([]byte(nil), pdu[:5]...)
		}
	case functionWriteMultipleCoils:
		err = s.writeMultipleCoils(pdu)
		if err == nil {
			return append([]byte(nil), pdu[:5]...)
		}
	case functionWriteMultipleRegs:
		err = s.writeMultipleRegisters(pdu)
		if err == nil {
			return append([]byte(nil), pdu[:5]...)
		}
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		return exceptionResponse(function, errToCode(err))
	}
	return append([]byte{function, byte(len(data))}, data...)
}

// span parses the start/quantity pair every request carries.
func span(pdu []byte, max int, size int) (int, int, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := int(binary.BigEndian.Uint16(pdu[1:3]))
	quantity := int(binary.BigEndian.Uint16(pdu[3:5]))
	if quantity == 0 || quantity > max {
		return 0, 0, errInvalidQty
	}
	if start+quantity > size {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func (s *Server) readBits(source []bool, pdu []byte) ([]byte, error) {
	start, quantity, err := span(pdu, 2000, len(source))
	if err != nil {
		return nil, err
	}

	result := make([]byte, (quantity+7)/8)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < quantity; i++ {
		if source[start+i] {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return result, nil
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	start, quantity, err := span(pdu, 125, len(source))
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < quantity; i++ {
		binary.BigEndian.PutUint16(result[i*2:], source[start+i])
	}
	return result, nil
}

func (s *Server) writeSingleCoil(pdu []byte) error {
	if len(pdu) < 5 {
		return errInvalidPDULen
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	var on bool
	switch binary.BigEndian.Uint16(pdu[3:5]) {
	case 0xFF00:
		on = true
	case 0x0000:
	default:
		return errInvalidValue
	}
	s.mu.Lock()
	s.coils[addr] = on
	s.mu.Unlock()
	return nil
}

func (s *Server) writeSingleRegister(pdu []byte) error {
	if len(pdu) < 5 {
		return errInvalidPDULen
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	s.mu.Lock()
	s.holdingRegisters[addr] = binary.BigEndian.Uint16(pdu[3:5])
	s.mu.Unlock()
	return nil
}

func (s *Server) writeMultipleCoils(pdu []byte) error {
	start, quantity, err := span(pdu, 1968, len(s.coils))
	if err != nil {
		return err
	}
	if len(pdu) < 6 || int(pdu[5]) != (quantity+7)/8 || len(pdu) < 6+int(pdu[5]) {
		return errInvalidPDULen
	}
	data := pdu[6:]
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < quantity; i++ {
		s.coils[start+i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return nil
}

func (s *Server) writeMultipleRegisters(pdu []byte) error {
	start, quantity, err := span(pdu, 123, len(s.holdingRegisters))
	if err != nil {
		return err
	}
	if len(pdu) < 6 || int(pdu[5]) != quantity*2 || len(pdu) < 6+quantity*2 {
		return errInvalidPDULen
	}
	data := pdu[6:]
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < quantity; i++ {
		s.holdingRegisters[start+i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen), errors.Is(err, errInvalidValue):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// ErrAddrOutOfRange reports an index past the end of a table.
func ErrAddrOutOfRange(addr int) error {
	return fmt.Errorf("address %d out of range", addr)
}
