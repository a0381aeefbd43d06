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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server is the ISP sidecar: a TCP acceptor for control sessions, a message
// router, and the owner of the active config, device link and schedulers.
type Server struct {
	opts   *serverOptions
	logger *slog.Logger

	registry *Registry
	metrics  *Metrics

	mu       sync.Mutex
	listener net.Listener
	config   *ConfigPayload
	device   *Device

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	hbCancel   context.CancelFunc
	hbDone     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed int32
}

// NewServer creates a sidecar server. No device link exists until the first
// config message installs one.
func NewServer(opts ...Option) *Server {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     options,
		logger:   options.logger,
		registry: NewRegistry(options.logger),
		metrics:  NewMetrics(options.latencyWindow),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Metrics returns the server's metrics aggregator.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe binds the given TCP address and serves until Close.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts control sessions on the listener. A failed accept is logged
// and the loop continues; Serve returns nil once the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		listener.Close()
		return ErrServerClosed
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("sidecar listening", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetNoDelay(true)
		}

		sess := s.registry.Add(conn)
		s.logger.Info("session accepted",
			slog.String("session", sess.ID),
			slog.String("remote", conn.RemoteAddr().String()))

		s.wg.Add(1)
		go s.handleSession(sess)
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Sessions returns the number of connected control sessions.
func (s *Server) Sessions() int {
	return s.registry.Len()
}

// Close performs an orderly shutdown: stop both schedulers, close the
// device link, close every session and the listener, then wait for all
// session loops to exit. Safe to call multiple times.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	s.stopPollingLocked()
	s.stopHeartbeatLocked()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	s.mu.Unlock()

	s.registry.CloseAll()
	s.wg.Wait()
	s.logger.Info("sidecar stopped")
	return err
}

// handleSession runs one session's framed read loop. The idle deadline is
// re-armed before every read; exceeding it, EOF or any socket error ends
// the session without affecting the others. A malformed JSON line is logged
// and skipped.
func (s *Server) handleSession(sess *Session) {
	defer func() {
		s.registry.Remove(sess.ID)
		sess.conn.Close()
		s.wg.Done()
		s.logger.Info("session closed", slog.String("session", sess.ID))
	}()

	reader := bufio.NewReaderSize(sess.conn, 64*1024)
	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		sess.conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					s.logger.Info("session idle timeout", slog.String("session", sess.ID))
				} else {
					s.logger.Debug("session read error",
						slog.String("session", sess.ID),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("malformed message skipped",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
			continue
		}
		s.route(sess, &msg)
	}
}

// route dispatches an inbound message by its declared type. Unknown types
// are logged and ignored.
func (s *Server) route(sess *Session, msg *Message) {
	switch msg.Type {
	case TypeConfig:
		s.handleConfig(sess, msg)
	case TypeStatus:
		s.handleStatus(sess, msg)
	case TypeMetrics:
		s.handleMetrics(sess, msg)
	case TypeHeartbeat:
		s.logger.Debug("client heartbeat", slog.String("session", sess.ID))
	default:
		s.logger.Warn("unknown message type",
			slog.String("session", sess.ID),
			slog.String("type", string(msg.Type)))
	}
}

// handleConfig installs a new configuration wholesale: open the device
// link, swap it in and restart both schedulers. Any failure is reported as
// a correlated error response and leaves the schedulers untouched.
func (s *Server) handleConfig(sess *Session, msg *Message) {
	var cfg ConfigPayload
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
		s.reply(sess, msg.ID, TypeResponse, Response{Success: false, Error: "invalid config payload: " + err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		s.reply(sess, msg.ID, TypeResponse, Response{Success: false, Error: err.Error()})
		return
	}
	cfg.normalize()

	dev, err := OpenDevice(&cfg, s.logger)
	if err != nil {
		s.reply(sess, msg.ID, TypeResponse, Response{Success: false, Error: err.Error()})
		return
	}

	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		dev.Close()
		s.reply(sess, msg.ID, TypeResponse, Response{Success: false, Error: ErrServerClosed.Error()})
		return
	}
	if s.device != nil {
		s.device.Close()
	}
	s.device = dev
	s.config = &cfg
	s.startPollingLocked(&cfg, dev)
	s.startHeartbeatLocked()
	s.mu.Unlock()

	s.logger.Info("configuration installed",
		slog.String("session", sess.ID),
		slog.String("mode", string(cfg.Mode)),
		slog.String("addr", cfg.Address),
		slog.Int("registers", len(cfg.Registers)))
	s.reply(sess, msg.ID, TypeResponse, Response{Success: true})
}

func (s *Server) handleStatus(sess *Session, msg *Message) {
	s.mu.Lock()
	status := StatusPayload{
		Running: s.config != nil,
		Config:  s.config,
	}
	if s.device != nil {
		status.Connected = s.device.Connected()
	}
	s.mu.Unlock()

	switch {
	case !status.Running:
		status.Health = "idle"
	case status.Connected:
		status.Health = "ok"
	default:
		status.Health = "degraded"
	}

	s.reply(sess, msg.ID, TypeStatus, Response{Success: true, Data: status})
}

func (s *Server) handleMetrics(sess *Session, msg *Message) {
	s.reply(sess, msg.ID, TypeMetrics, Response{Success: true, Data: s.metrics.Snapshot()})
}

// reply unicasts a correlated response to the originating session.
func (s *Server) reply(sess *Session, id string, typ MessageType, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response encode failed", slog.String("error", err.Error()))
		return
	}
	msg := &Message{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}
	if err := sess.Send(msg); err != nil {
		s.logger.Warn("reply delivery failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
}
