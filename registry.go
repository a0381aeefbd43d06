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
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionWriteTimeout bounds one outbound line so a wedged client cannot
// stall a broadcast.
const sessionWriteTimeout = 10 * time.Second

// Session is one accepted control connection. Writes are serialized per
// session so concurrent broadcasts cannot interleave lines.
type Session struct {
	ID   string
	conn net.Conn

	wmu sync.Mutex
}

// Send marshals the message and writes it as one newline-terminated line.
func (s *Session) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	_, err = s.conn.Write(data)
	return err
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Registry tracks connected control sessions and fans outbound messages out
// to all of them. Broadcasts take a read lock so many may proceed together;
// registration and removal take the write lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Add registers a connection under a fresh session id.
func (r *Registry) Add(conn net.Conn) *Session {
	sess := &Session{
		ID:   uuid.NewString(),
		conn: conn,
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

// Remove deregisters a session. The caller owns closing the socket.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendToAll delivers the message to every session independently. A failed
// delivery is logged and never blocks delivery to the others.
func (r *Registry) SendToAll(msg *Message) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if err := sess.Send(msg); err != nil {
			r.logger.Warn("delivery failed",
				slog.String("session", sess.ID),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()))
		}
	}
}

// SendToOne delivers a correlated message to a single session.
func (r *Registry) SendToOne(id string, msg *Message) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Send(msg)
}

// CloseAll closes every session socket and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		sess.conn.Close()
		delete(r.sessions, id)
	}
}
