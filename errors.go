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

import "errors"

// Common errors.
var (
	// ErrInvalidConfig indicates a malformed or incomplete config payload.
	ErrInvalidConfig = errors.New("sidecar: invalid config")

	// ErrUnsupportedMode indicates an unknown device link mode.
	ErrUnsupportedMode = errors.New("sidecar: unsupported link mode")

	// ErrUnsupportedFunction indicates an unknown Modbus function code.
	ErrUnsupportedFunction = errors.New("sidecar: unsupported function code")

	// ErrConnect indicates the initial device link connect failed.
	ErrConnect = errors.New("sidecar: device connect failed")

	// ErrReconnect indicates a device link reconnect attempt failed.
	ErrReconnect = errors.New("sidecar: device reconnect failed")

	// ErrRead indicates a register read failed.
	ErrRead = errors.New("sidecar: register read failed")

	// ErrShortRead indicates the device returned fewer bytes than the
	// declared register type requires.
	ErrShortRead = errors.New("sidecar: short read")

	// ErrDeviceClosed indicates the device link was explicitly shut down.
	ErrDeviceClosed = errors.New("sidecar: device closed")

	// ErrServerClosed indicates the server has been stopped.
	ErrServerClosed = errors.New("sidecar: server closed")

	// ErrSessionNotFound indicates an unknown session identifier.
	ErrSessionNotFound = errors.New("sidecar: session not found")
)

// IsShortRead reports whether the error is a short-read decode failure.
func IsShortRead(err error) bool {
	return errors.Is(err, ErrShortRead)
}

// IsReadError reports whether the error came from a register read.
func IsReadError(err error) bool {
	return errors.Is(err, ErrRead)
}

// IsReconnectError reports whether the error came from a failed reconnect.
func IsReconnectError(err error) bool {
	return errors.Is(err, ErrReconnect)
}
