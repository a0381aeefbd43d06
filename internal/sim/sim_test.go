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

package sim

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mb "github.com/goburrow/modbus"
)

func startSlave(t *testing.T) (*Slave, string) {
	t.Helper()
	slave := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	addr, err := slave.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { slave.Close() })
	return slave, addr.String()
}

func dialClient(t *testing.T, addr string, unitID byte) mb.Client {
	t.Helper()
	handler := mb.NewTCPClientHandler(addr)
	handler.Timeout = 2 * time.Second
	handler.SlaveId = unitID
	if err := handler.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { handler.Close() })
	return mb.NewClient(handler)
}

func TestReadTables(t *testing.T) {
	slave, addr := startSlave(t)
	slave.SetHolding(1, 0, 305)
	slave.SetHolding(1, 1, 17)
	slave.SetInput(1, 5, 42)
	slave.SetCoil(1, 2, true)
	slave.SetDiscrete(1, 9, true)

	client := dialClient(t, addr, 1)

	raw, err := client.ReadHoldingRegisters(0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if len(raw) != 4 || raw[0] != 0x01 || raw[1] != 0x31 || raw[2] != 0x00 || raw[3] != 0x11 {
		t.Errorf("holding registers: unexpected bytes %x", raw)
	}

	raw, err = client.ReadInputRegisters(5, 1)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	if len(raw) != 2 || raw[0] != 0x00 || raw[1] != 0x2A {
		t.Errorf("input register: unexpected bytes %x", raw)
	}

	raw, err = client.ReadCoils(2, 1)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if len(raw) != 1 || raw[0]&0x01 == 0 {
		t.Errorf("coil 2: expected set bit, got %x", raw)
	}

	raw, err = client.ReadDiscreteInputs(8, 2)
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}
	// Address 8 is off, address 9 is on: bit 1 of the first byte.
	if len(raw) != 1 || raw[0] != 0x02 {
		t.Errorf("discrete inputs: expected 0x02, got %x", raw)
	}
}

func TestUnitsAreIsolated(t *testing.T) {
	slave, addr := startSlave(t)
	slave.SetHolding(1, 0, 100)
	slave.SetHolding(2, 0, 200)

	one := dialClient(t, addr, 1)
	two := dialClient(t, addr, 2)

	raw, err := one.ReadHoldingRegisters(0, 1)
	if err != nil {
		t.Fatalf("unit 1 read failed: %v", err)
	}
	if raw[1] != 100 {
		t.Errorf("unit 1: expected 100, got %d", raw[1])
	}

	raw, err = two.ReadHoldingRegisters(0, 1)
	if err != nil {
		t.Fatalf("unit 2 read failed: %v", err)
	}
	if raw[1] != 200 {
		t.Errorf("unit 2: expected 200, got %d", raw[1])
	}
}

func TestAddressOverflowException(t *testing.T) {
	_, addr := startSlave(t)
	client := dialClient(t, addr, 1)

	_, err := client.ReadHoldingRegisters(65535, 2)
	if err == nil {
		t.Fatal("expected an exception for table overflow")
	}
	var mbErr *mb.ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("expected *modbus.ModbusError, got %T: %v", err, err)
	}
	if mbErr.ExceptionCode != excIllegalDataAddress {
		t.Errorf("exception code: expected %d, got %d", excIllegalDataAddress, mbErr.ExceptionCode)
	}
}

func TestWriteEcho(t *testing.T) {
	slave, addr := startSlave(t)
	client := dialClient(t, addr, 1)

	if _, err := client.WriteSingleRegister(7, 1234); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	raw, err := client.ReadHoldingRegisters(7, 1)
	if err != nil {
		t.Fatalf("read-back failed: %v", err)
	}
	if got := uint16(raw[0])<<8 | uint16(raw[1]); got != 1234 {
		t.Errorf("register 7: expected 1234, got %d", got)
	}

	if _, err := client.WriteSingleCoil(3, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	raw, err = client.ReadCoils(3, 1)
	if err != nil {
		t.Fatalf("coil read-back failed: %v", err)
	}
	if raw[0]&0x01 == 0 {
		t.Error("coil 3 should be on after write")
	}

	if slave.Requests() < 4 {
		t.Errorf("request counter: expected >= 4, got %d", slave.Requests())
	}
}
