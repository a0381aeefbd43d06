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

// Package sidecar implements a Modbus polling sidecar that exposes a
// line-delimited JSON control/data protocol (ISP) over TCP. A host
// orchestrator configures the sidecar once per run; the sidecar then polls
// the declared register set and fans sampled data points out to every
// connected session.
package sidecar

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies an ISP message.
type MessageType string

// ISP message types.
const (
	TypeConfig    MessageType = "config"
	TypeData      MessageType = "data"
	TypeResponse  MessageType = "response"
	TypeStatus    MessageType = "status"
	TypeHeartbeat MessageType = "heartbeat"
	TypeMetrics   MessageType = "metrics"
)

// LinkMode selects the transport used to reach the device population.
type LinkMode string

// Supported device link modes.
const (
	ModeTCP LinkMode = "tcp"
	ModeRTU LinkMode = "rtu"
)

// FunctionCode is a Modbus read function code.
type FunctionCode uint8

// Readable Modbus tables.
const (
	FuncCoils            FunctionCode = 1
	FuncDiscreteInputs   FunctionCode = 2
	FuncHoldingRegisters FunctionCode = 3
	FuncInputRegisters   FunctionCode = 4
)

// String returns the string representation of the function code.
func (f FunctionCode) String() string {
	switch f {
	case FuncCoils:
		return "Coils"
	case FuncDiscreteInputs:
		return "DiscreteInputs"
	case FuncHoldingRegisters:
		return "HoldingRegisters"
	case FuncInputRegisters:
		return "InputRegisters"
	default:
		return "Unknown"
	}
}

// Register value types.
const (
	KindBool    = "bool"
	KindInt16   = "int16"
	KindUint16  = "uint16"
	KindInt32   = "int32"
	KindUint32  = "uint32"
	KindFloat   = "float"
	KindFloat32 = "float32"
)

// Protocol constants.
const (
	// SourceName identifies this sidecar in emitted data points.
	SourceName = "modbus-sidecar"

	// DefaultPort is the ISP listening port used when ISP_PORT is unset.
	DefaultPort = 8888

	// DefaultHeartbeatInterval is the liveness cadence toward clients.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultIdleTimeout is the per-session read deadline. It is well above
	// the heartbeat period so heartbeats alone keep a session alive.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultDeviceTimeout bounds each Modbus transaction when the config
	// carries no timeout.
	DefaultDeviceTimeout = 5 * time.Second

	// DefaultLatencyWindow is the number of recent read latencies retained.
	DefaultLatencyWindow = 100

	// GoodQuality marks a successfully sampled data point.
	GoodQuality = 1
)

// Message is the envelope for every ISP exchange. ID correlates a request
// to its reply and is absent on fire-and-forget messages (data, heartbeat).
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterConfig describes one polled value.
type RegisterConfig struct {
	Key      string            `json:"key"`
	DeviceID uint8             `json:"deviceID"`
	Function FunctionCode      `json:"function"`
	Address  uint16            `json:"address"`
	Quantity uint16            `json:"quantity"`
	Type     string            `json:"type"`
	Scale    float64           `json:"scale"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// ConfigPayload is the device-link descriptor installed by a config message.
// A later config message replaces it wholesale; there is no partial update.
type ConfigPayload struct {
	Mode       LinkMode         `json:"mode"`
	Address    string           `json:"address"`
	TimeoutMS  int              `json:"timeoutMS"`
	IntervalMS int              `json:"intervalMS"`
	Registers  []RegisterConfig `json:"registers"`
}

// Validate checks the invariants required before polling may start.
func (c *ConfigPayload) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if c.IntervalMS <= 0 {
		return fmt.Errorf("%w: intervalMS must be positive", ErrInvalidConfig)
	}
	if len(c.Registers) == 0 {
		return fmt.Errorf("%w: at least one register is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Registers))
	for i, reg := range c.Registers {
		if reg.Key == "" {
			return fmt.Errorf("%w: register %d has no key", ErrInvalidConfig, i)
		}
		if _, dup := seen[reg.Key]; dup {
			return fmt.Errorf("%w: duplicate register key %q", ErrInvalidConfig, reg.Key)
		}
		seen[reg.Key] = struct{}{}
	}
	return nil
}

// normalize fills in Go zero values the wire format leaves optional: a
// missing type means uint16, a missing scale means identity, and a missing
// quantity means the register kind's natural width.
func (c *ConfigPayload) normalize() {
	for i := range c.Registers {
		reg := &c.Registers[i]
		if reg.Type == "" {
			reg.Type = KindUint16
		}
		if reg.Scale == 0 {
			reg.Scale = 1
		}
		if reg.Quantity == 0 {
			switch reg.Type {
			case KindInt32, KindUint32:
				reg.Quantity = 2
			default:
				reg.Quantity = 1
			}
		}
	}
}

// Interval returns the polling cadence.
func (c *ConfigPayload) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Timeout returns the per-transaction device timeout.
func (c *ConfigPayload) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return DefaultDeviceTimeout
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// DataPoint is one sampled register value. Instances are created fresh each
// poll cycle and never mutated after creation.
type DataPoint struct {
	Key       string            `json:"key"`
	Source    string            `json:"source"`
	Timestamp int64             `json:"timestamp"`
	Value     any               `json:"value"`
	Type      string            `json:"type"`
	Quality   int               `json:"quality"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// DataPayload carries one poll cycle's batch.
type DataPayload struct {
	Points []DataPoint `json:"points"`
}

// MetricsPayload is a point-in-time snapshot of the aggregator.
type MetricsPayload struct {
	DataPointsCollected int64   `json:"dataPointsCollected"`
	ErrorsCount         int64   `json:"errorsCount"`
	ConnectionUptime    float64 `json:"connectionUptime"`
	LastError           string  `json:"lastError,omitempty"`
	AverageResponseTime float64 `json:"averageResponseTime"`
	StartTime           int64   `json:"startTime"`
	LastDataTime        int64   `json:"lastDataTime"`
}

// Response is the payload shape of every correlated reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusPayload reports the sidecar's operational state.
type StatusPayload struct {
	Running   bool           `json:"running"`
	Connected bool           `json:"connected"`
	Health    string         `json:"health"`
	Config    *ConfigPayload `json:"config,omitempty"`
}
