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

package sidecar

import (
	"errors"
	"testing"

	"github.com/edgeo-scada/modbus-sidecar/internal/sim"
)

// startSlave runs an in-memory Modbus slave on a loopback port.
func startSlave(t *testing.T) (*sim.Slave, string) {
	t.Helper()
	slave := sim.New(discardLogger())
	addr, err := slave.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("slave listen failed: %v", err)
	}
	t.Cleanup(func() { slave.Close() })
	return slave, addr.String()
}

func tcpConfig(addr string, regs ...RegisterConfig) *ConfigPayload {
	cfg := &ConfigPayload{
		Mode:       ModeTCP,
		Address:    addr,
		TimeoutMS:  1000,
		IntervalMS: 100,
		Registers:  regs,
	}
	cfg.normalize()
	return cfg
}

func TestOpenDeviceUnsupportedMode(t *testing.T) {
	cfg := &ConfigPayload{Mode: "serial", Address: "/dev/ttyUSB0", IntervalMS: 100}
	_, err := OpenDevice(cfg, discardLogger())
	if !errors.Is(err, ErrUnsupportedMode) {
		t.Errorf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestOpenDeviceConnectFailure(t *testing.T) {
	// Port 1 on loopback refuses immediately.
	cfg := tcpConfig("127.0.0.1:1")
	cfg.TimeoutMS = 500
	_, err := OpenDevice(cfg, discardLogger())
	if !errors.Is(err, ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
}

func TestDeviceReadRegister(t *testing.T) {
	slave, addr := startSlave(t)
	slave.SetHolding(1, 0, 305)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer dev.Close()

	value, err := dev.ReadRegister(RegisterConfig{
		Key: "temp", DeviceID: 1, Function: FuncHoldingRegisters,
		Address: 0, Quantity: 1, Type: KindUint16, Scale: 0.1,
	})
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if value != 30.5 {
		t.Errorf("expected 30.5, got %v", value)
	}
}

func TestDeviceReadKinds(t *testing.T) {
	slave, addr := startSlave(t)
	slave.SetCoil(1, 3, true)
	slave.SetDiscrete(1, 7, true)
	slave.SetInput(1, 10, 42)
	// 0x00010000 = 65536 across two holding registers.
	slave.SetHolding(1, 20, 1)
	slave.SetHolding(1, 21, 0)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer dev.Close()

	tests := []struct {
		name   string
		reg    RegisterConfig
		expect any
	}{
		{"coil", RegisterConfig{Key: "c", DeviceID: 1, Function: FuncCoils, Address: 3, Quantity: 1, Type: KindBool, Scale: 1}, true},
		{"discrete", RegisterConfig{Key: "d", DeviceID: 1, Function: FuncDiscreteInputs, Address: 7, Quantity: 1, Type: KindBool, Scale: 1}, true},
		{"input", RegisterConfig{Key: "i", DeviceID: 1, Function: FuncInputRegisters, Address: 10, Quantity: 1, Type: KindUint16, Scale: 1}, int64(42)},
		{"uint32", RegisterConfig{Key: "u", DeviceID: 1, Function: FuncHoldingRegisters, Address: 20, Quantity: 2, Type: KindUint32, Scale: 1}, int64(65536)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := dev.ReadRegister(tt.reg)
			if err != nil {
				t.Fatalf("ReadRegister failed: %v", err)
			}
			if value != tt.expect {
				t.Errorf("expected %v, got %v", tt.expect, value)
			}
		})
	}
}

func TestDeviceUnsupportedFunction(t *testing.T) {
	_, addr := startSlave(t)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer dev.Close()

	_, err = dev.ReadRegister(RegisterConfig{Key: "x", DeviceID: 1, Function: 9, Quantity: 1, Type: KindUint16, Scale: 1})
	if !errors.Is(err, ErrUnsupportedFunction) {
		t.Errorf("expected ErrUnsupportedFunction, got %v", err)
	}
}

func TestDeviceExceptionKeepsLink(t *testing.T) {
	_, addr := startSlave(t)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer dev.Close()

	// 65535+2 overflows the table: the slave answers with an exception,
	// which is a device-level refusal, not a transport failure.
	_, err = dev.ReadRegister(RegisterConfig{
		Key: "bad", DeviceID: 1, Function: FuncHoldingRegisters,
		Address: 65535, Quantity: 2, Type: KindUint32, Scale: 1,
	})
	if !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead, got %v", err)
	}
	if !dev.Connected() {
		t.Error("a Modbus exception must not mark the link disconnected")
	}
}

func TestDeviceReconnectAfterDrop(t *testing.T) {
	slave, addr := startSlave(t)
	slave.SetHolding(1, 0, 305)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}
	defer dev.Close()

	reg := RegisterConfig{
		Key: "temp", DeviceID: 1, Function: FuncHoldingRegisters,
		Address: 0, Quantity: 1, Type: KindUint16, Scale: 1,
	}

	if _, err := dev.ReadRegister(reg); err != nil {
		t.Fatalf("initial read failed: %v", err)
	}

	// Drop the link server-side; the next read must fail and mark the
	// device disconnected.
	slave.CloseConnections()
	if _, err := dev.ReadRegister(reg); !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead after drop, got %v", err)
	}
	if dev.Connected() {
		t.Fatal("device should be disconnected after an I/O failure")
	}

	// The very next read performs exactly one reconnect and succeeds.
	value, err := dev.ReadRegister(reg)
	if err != nil {
		t.Fatalf("read after reconnect failed: %v", err)
	}
	if value != int64(305) {
		t.Errorf("expected 305, got %v", value)
	}
	if !dev.Connected() {
		t.Error("device should be connected after a successful reconnect")
	}
}

func TestDeviceClosed(t *testing.T) {
	_, addr := startSlave(t)

	dev, err := OpenDevice(tcpConfig(addr), discardLogger())
	if err != nil {
		t.Fatalf("OpenDevice failed: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent.
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	_, err = dev.ReadRegister(RegisterConfig{Key: "x", DeviceID: 1, Function: FuncHoldingRegisters, Quantity: 1, Type: KindUint16, Scale: 1})
	if !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("expected ErrDeviceClosed, got %v", err)
	}
	if err := dev.Reconnect(); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Reconnect on closed device: expected ErrDeviceClosed, got %v", err)
	}
}
