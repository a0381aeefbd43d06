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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the server.
type Option func(*serverOptions)

type serverOptions struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	latencyWindow     int
}

func defaultOptions() *serverOptions {
	return &serverOptions{
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		idleTimeout:       DefaultIdleTimeout,
		latencyWindow:     DefaultLatencyWindow,
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHeartbeatInterval sets the liveness cadence toward clients.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *serverOptions) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithIdleTimeout sets the per-session read deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithLatencyWindow sets how many recent read latencies the metrics
// aggregator retains.
func WithLatencyWindow(n int) Option {
	return func(o *serverOptions) {
		if n > 0 {
			o.latencyWindow = n
		}
	}
}
