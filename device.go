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
	"fmt"
	"log/slog"
	"sync"

	mb "github.com/goburrow/modbus"
)

// deviceLink extends the goburrow client handler with the lifecycle methods
// both the TCP and RTU handlers provide.
type deviceLink interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// Device owns the single physical link to the Modbus device population.
// The underlying link is not read-concurrent-safe, so every read or
// reconnect runs under one mutex held for the full attempt.
type Device struct {
	mode LinkMode
	addr string

	mu        sync.Mutex
	handler   deviceLink
	client    mb.Client
	setSlave  func(uint8)
	connected bool
	closed    bool
	logger    *slog.Logger
}

// OpenDevice builds the mode-specific link handler, applies the configured
// timeout and performs the link-level connect. RTU serial parameters use
// common industrial defaults (9600 8N1).
func OpenDevice(cfg *ConfigPayload, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Device{
		mode:   cfg.Mode,
		addr:   cfg.Address,
		logger: logger,
	}

	switch cfg.Mode {
	case ModeTCP:
		h := mb.NewTCPClientHandler(cfg.Address)
		h.Timeout = cfg.Timeout()
		d.handler = h
		d.setSlave = func(id uint8) { h.SlaveId = id }
	case ModeRTU:
		h := mb.NewRTUClientHandler(cfg.Address)
		h.Timeout = cfg.Timeout()
		h.BaudRate = 9600
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		d.handler = h
		d.setSlave = func(id uint8) { h.SlaveId = id }
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, cfg.Mode)
	}

	if err := d.handler.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	d.client = mb.NewClient(d.handler)
	d.connected = true

	logger.Info("device link established",
		slog.String("mode", string(cfg.Mode)),
		slog.String("addr", cfg.Address))
	return d, nil
}

// ReadRegister reads and decodes one register. If the link is down it
// attempts exactly one reconnect first. An I/O failure marks the link
// disconnected so the next call retries; a Modbus exception response does
// not, since the transport itself is still healthy.
func (d *Device) ReadRegister(reg RegisterConfig) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}
	if !d.connected {
		if err := d.reconnectLocked(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReconnect, err)
		}
	}

	d.setSlave(reg.DeviceID)

	var raw []byte
	var err error
	switch reg.Function {
	case FuncCoils:
		raw, err = d.client.ReadCoils(reg.Address, reg.Quantity)
	case FuncDiscreteInputs:
		raw, err = d.client.ReadDiscreteInputs(reg.Address, reg.Quantity)
	case FuncHoldingRegisters:
		raw, err = d.client.ReadHoldingRegisters(reg.Address, reg.Quantity)
	case FuncInputRegisters:
		raw, err = d.client.ReadInputRegisters(reg.Address, reg.Quantity)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFunction, reg.Function)
	}
	if err != nil {
		var mbErr *mb.ModbusError
		if !errors.As(err, &mbErr) {
			d.connected = false
		}
		d.logger.Warn("register read failed",
			slog.String("key", reg.Key),
			slog.String("func", reg.Function.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}

	return DecodeRegister(raw, reg)
}

// Reconnect closes any stale handle and re-issues the link-level connect.
func (d *Device) Reconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if err := d.reconnectLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrReconnect, err)
	}
	return nil
}

func (d *Device) reconnectLocked() error {
	d.handler.Close()
	if err := d.handler.Connect(); err != nil {
		return err
	}
	d.connected = true
	d.logger.Info("device link reconnected",
		slog.String("mode", string(d.mode)),
		slog.String("addr", d.addr))
	return nil
}

// Connected reports whether the link is currently live.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && !d.closed
}

// Close tears down the underlying link. It is safe to call multiple times;
// the device accepts no reads afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.connected = false
	return d.handler.Close()
}
