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
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// startPollingLocked replaces any running poll loop with a fresh one at the
// config's cadence. Caller holds s.mu. The previous loop is cancelled and
// waited for, so two cycles never overlap across a restart.
func (s *Server) startPollingLocked(cfg *ConfigPayload, dev *Device) {
	s.stopPollingLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.pollCancel = cancel
	s.pollDone = done

	interval := cfg.Interval()
	go func() {
		defer close(done)
		// The timer is re-armed only after a cycle completes: a slow cycle
		// delays the schedule instead of compounding it.
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				s.pollCycle(cfg, dev)
				timer.Reset(interval)
			}
		}
	}()

	s.logger.Info("polling started",
		slog.Duration("interval", interval),
		slog.Int("registers", len(cfg.Registers)))
}

func (s *Server) stopPollingLocked() {
	if s.pollCancel == nil {
		return
	}
	s.pollCancel()
	<-s.pollDone
	s.pollCancel = nil
	s.pollDone = nil
}

// pollCycle reads every configured register in declared order. A failed
// register is counted and skipped; it never blocks the rest of the cycle.
// The batch is broadcast only when at least one read succeeded.
func (s *Server) pollCycle(cfg *ConfigPayload, dev *Device) {
	points := make([]DataPoint, 0, len(cfg.Registers))
	for _, reg := range cfg.Registers {
		start := time.Now()
		value, err := dev.ReadRegister(reg)
		if err != nil {
			s.metrics.RecordError(err)
			s.logger.Warn("poll read failed",
				slog.String("key", reg.Key),
				slog.String("error", err.Error()))
			continue
		}
		s.metrics.AddResponseTime(time.Since(start))
		points = append(points, DataPoint{
			Key:       reg.Key,
			Source:    SourceName,
			Timestamp: time.Now().UnixNano(),
			Value:     value,
			Type:      reg.Type,
			Quality:   GoodQuality,
			Tags:      reg.Tags,
		})
	}
	if len(points) == 0 {
		return
	}
	s.metrics.AddDataPoints(len(points))

	payload, err := json.Marshal(DataPayload{Points: points})
	if err != nil {
		s.logger.Error("data batch encode failed", slog.String("error", err.Error()))
		return
	}
	s.registry.SendToAll(&Message{
		Type:      TypeData,
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	})
}

// startHeartbeatLocked replaces any running heartbeat loop. Caller holds
// s.mu. The heartbeat runs on its own timer, decoupled from polling.
func (s *Server) startHeartbeatLocked() {
	s.stopHeartbeatLocked()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.hbCancel = cancel
	s.hbDone = done

	interval := s.opts.heartbeatInterval
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.registry.SendToAll(&Message{
					Type:      TypeHeartbeat,
					Timestamp: time.Now().UnixNano(),
					Payload:   heartbeatPayload,
				})
			}
		}
	}()

	s.logger.Info("heartbeat started", slog.Duration("interval", interval))
}

func (s *Server) stopHeartbeatLocked() {
	if s.hbCancel == nil {
		return
	}
	s.hbCancel()
	<-s.hbDone
	s.hbCancel = nil
	s.hbDone = nil
}

var heartbeatPayload = json.RawMessage(`{"status":"alive"}`)
