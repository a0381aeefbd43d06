// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sim provides an in-memory Modbus TCP slave used by the test suite
// and the `simulate` command. It implements the four read tables plus
// single-coil and single-register writes, which is all the sidecar's device
// link ever issues.
package sim

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

const (
	mbapHeaderSize = 7
	protocolID     = 0
	tableSize      = 65536
)

// Modbus exception codes used by the slave.
const (
	excIllegalFunction    = 0x01
	excIllegalDataAddress = 0x02
	excIllegalDataValue   = 0x03
)

// unit holds one slave id's four data tables.
type unit struct {
	coils    []bool
	discrete []bool
	holding  []uint16
	input    []uint16
}

func newUnit() *unit {
	return &unit{
		coils:    make([]bool, tableSize),
		discrete: make([]bool, tableSize),
		holding:  make([]uint16, tableSize),
		input:    make([]uint16, tableSize),
	}
}

// Slave is an in-memory Modbus TCP slave.
type Slave struct {
	logger *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	units    map[uint8]*unit
	closed   int32
	wg       sync.WaitGroup

	requests atomic.Int64
}

// New creates an empty slave.
func New(logger *slog.Logger) *Slave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slave{
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
		units:  make(map[uint8]*unit),
	}
}

// Listen binds addr and starts serving in the background, returning the
// bound address (useful with ":0").
func (s *Slave) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return listener.Addr(), nil
}

func (s *Slave) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			s.logger.Debug("sim accept error", slog.String("error", err.Error()))
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the listener and drops every connection.
func (s *Slave) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// CloseConnections drops every live connection but keeps listening. Tests
// use it to force clients through their reconnect path.
func (s *Slave) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

// Requests returns the number of PDUs processed.
func (s *Slave) Requests() int64 {
	return s.requests.Load()
}

func (s *Slave) unitLocked(id uint8) *unit {
	u, ok := s.units[id]
	if !ok {
		u = newUnit()
		s.units[id] = u
	}
	return u
}

// SetHolding sets a holding register value.
func (s *Slave) SetHolding(unitID uint8, addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitLocked(unitID).holding[addr] = value
}

// SetInput sets an input register value.
func (s *Slave) SetInput(unitID uint8, addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitLocked(unitID).input[addr] = value
}

// SetCoil sets a coil value.
func (s *Slave) SetCoil(unitID uint8, addr uint16, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitLocked(unitID).coils[addr] = on
}

// SetDiscrete sets a discrete input value.
func (s *Slave) SetDiscrete(unitID uint8, addr uint16, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitLocked(unitID).discrete[addr] = on
}

func (s *Slave) handleConn(conn net.Conn) {
	defer func() {
		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	header := make([]byte, mbapHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		txID := binary.BigEndian.Uint16(header[0:2])
		if binary.BigEndian.Uint16(header[2:4]) != protocolID {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		unitID := header[6]
		if length < 2 || length > 254 {
			return
		}

		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		s.requests.Add(1)
		resp := s.processPDU(unitID, pdu)

		out := make([]byte, mbapHeaderSize+len(resp))
		binary.BigEndian.PutUint16(out[0:2], txID)
		binary.BigEndian.PutUint16(out[2:4], protocolID)
		binary.BigEndian.PutUint16(out[4:6], uint16(len(resp)+1))
		out[6] = unitID
		copy(out[mbapHeaderSize:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Slave) processPDU(unitID uint8, pdu []byte) []byte {
	if len(pdu) < 1 {
		return exception(0, excIllegalFunction)
	}
	fc := pdu[0]
	switch fc {
	case 1, 2:
		return s.readBits(unitID, fc, pdu)
	case 3, 4:
		return s.readRegisters(unitID, fc, pdu)
	case 5:
		return s.writeCoil(unitID, pdu)
	case 6:
		return s.writeRegister(unitID, pdu)
	default:
		return exception(fc, excIllegalFunction)
	}
}

func (s *Slave) readBits(unitID, fc uint8, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exception(fc, excIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if qty < 1 || qty > 2000 {
		return exception(fc, excIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > tableSize {
		return exception(fc, excIllegalDataAddress)
	}

	s.mu.Lock()
	u := s.unitLocked(unitID)
	table := u.coils
	if fc == 2 {
		table = u.discrete
	}
	values := make([]bool, qty)
	copy(values, table[addr:addr+qty])
	s.mu.Unlock()

	byteCount := (qty + 7) / 8
	resp := make([]byte, 2+byteCount)
	resp[0] = fc
	resp[1] = byte(byteCount)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp
}

func (s *Slave) readRegisters(unitID, fc uint8, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exception(fc, excIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if qty < 1 || qty > 125 {
		return exception(fc, excIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > tableSize {
		return exception(fc, excIllegalDataAddress)
	}

	s.mu.Lock()
	u := s.unitLocked(unitID)
	table := u.holding
	if fc == 4 {
		table = u.input
	}
	values := make([]uint16, qty)
	copy(values, table[addr:addr+qty])
	s.mu.Unlock()

	resp := make([]byte, 2+qty*2)
	resp[0] = fc
	resp[1] = byte(qty * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp
}

func (s *Slave) writeCoil(unitID uint8, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exception(5, excIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if value != 0x0000 && value != 0xFF00 {
		return exception(5, excIllegalDataValue)
	}

	s.mu.Lock()
	s.unitLocked(unitID).coils[addr] = value == 0xFF00
	s.mu.Unlock()

	// Echo request as response.
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp
}

func (s *Slave) writeRegister(unitID uint8, pdu []byte) []byte {
	if len(pdu) < 5 {
		return exception(6, excIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	s.mu.Lock()
	s.unitLocked(unitID).holding[addr] = value
	s.mu.Unlock()

	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp
}

func exception(fc, code uint8) []byte {
	return []byte{fc | 0x80, code}
}
