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
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeRegister decodes a raw register byte sequence into a typed value
// according to the register's declared type and scale. It is a pure function
// with no I/O.
//
// Integer kinds are big-endian; the decoded value is raw*scale, returned as
// an integer when the product is integral and as a float otherwise. The
// float kind interprets a single register as a scaled 16-bit magnitude, not
// as IEEE-754. An unknown or empty type decodes as uint16.
func DecodeRegister(raw []byte, reg RegisterConfig) (any, error) {
	scale := reg.Scale
	if scale == 0 {
		scale = 1
	}

	switch reg.Type {
	case KindBool:
		// An empty buffer is an absent coil, not an error.
		return len(raw) > 0 && raw[0] != 0, nil

	case KindInt16:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: need 2 bytes for int16, got %d", ErrShortRead, len(raw))
		}
		v := int16(binary.BigEndian.Uint16(raw[:2]))
		return scaled(float64(v), scale), nil

	case KindInt32:
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: need 4 bytes for int32, got %d", ErrShortRead, len(raw))
		}
		v := int32(binary.BigEndian.Uint32(raw[:4]))
		return scaled(float64(v), scale), nil

	case KindUint32:
		if len(raw) < 4 {
			return nil, fmt.Errorf("%w: need 4 bytes for uint32, got %d", ErrShortRead, len(raw))
		}
		v := binary.BigEndian.Uint32(raw[:4])
		return scaled(float64(v), scale), nil

	case KindFloat, KindFloat32:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: need 2 bytes for %s, got %d", ErrShortRead, reg.Type, len(raw))
		}
		return float64(binary.BigEndian.Uint16(raw[:2])) * scale, nil

	default: // uint16 and anything unrecognized
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: need 2 bytes for uint16, got %d", ErrShortRead, len(raw))
		}
		return scaled(float64(binary.BigEndian.Uint16(raw[:2])), scale), nil
	}
}

// scaled applies the multiplier and keeps integer identity where possible so
// unscaled registers stay integers on the wire.
func scaled(raw, scale float64) any {
	v := raw * scale
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return int64(v)
	}
	return v
}
