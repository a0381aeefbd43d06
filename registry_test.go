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
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(discardLogger())

	server1, client1 := net.Pipe()
	defer server1.Close()
	defer client1.Close()

	sess := r.Add(server1)
	if sess.ID == "" {
		t.Fatal("session id should not be empty")
	}
	if r.Len() != 1 {
		t.Errorf("Len: expected 1, got %d", r.Len())
	}

	r.Remove(sess.ID)
	if r.Len() != 0 {
		t.Errorf("Len after remove: expected 0, got %d", r.Len())
	}
}

func TestBroadcastSurvivesDeadSession(t *testing.T) {
	r := NewRegistry(discardLogger())

	readLine := func(conn net.Conn) chan string {
		ch := make(chan string, 1)
		go func() {
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return
			}
			ch <- line
		}()
		return ch
	}

	server1, client1 := net.Pipe()
	server2, client2 := net.Pipe()
	server3, client3 := net.Pipe()
	defer server1.Close()
	defer client1.Close()
	defer server3.Close()
	defer client3.Close()

	r.Add(server1)
	r.Add(server2)
	r.Add(server3)

	// Kill session 2 outright before broadcasting.
	server2.Close()
	client2.Close()

	ch1 := readLine(client1)
	ch3 := readLine(client3)

	r.SendToAll(&Message{Type: TypeHeartbeat, Timestamp: time.Now().UnixNano()})

	for i, ch := range []chan string{ch1, ch3} {
		select {
		case line := <-ch:
			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Fatalf("session %d: malformed line: %v", i, err)
			}
			if msg.Type != TypeHeartbeat {
				t.Errorf("session %d: expected heartbeat, got %s", i, msg.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("session %d: broadcast not delivered", i)
		}
	}
}

func TestSendToOne(t *testing.T) {
	r := NewRegistry(discardLogger())

	server1, client1 := net.Pipe()
	defer server1.Close()
	defer client1.Close()

	sess := r.Add(server1)

	got := make(chan Message, 1)
	go func() {
		line, err := bufio.NewReader(client1).ReadString('\n')
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal([]byte(line), &msg) == nil {
			got <- msg
		}
	}()

	if err := r.SendToOne(sess.ID, &Message{Type: TypeResponse, ID: "r1", Timestamp: time.Now().UnixNano()}); err != nil {
		t.Fatalf("SendToOne failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ID != "r1" {
			t.Errorf("correlation id: expected r1, got %q", msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unicast not delivered")
	}
}

func TestSendToOneUnknownSession(t *testing.T) {
	r := NewRegistry(discardLogger())

	err := r.SendToOne("nope", &Message{Type: TypeResponse})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(discardLogger())

	server1, client1 := net.Pipe()
	server2, client2 := net.Pipe()
	defer client1.Close()
	defer client2.Close()

	r.Add(server1)
	r.Add(server2)

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len after CloseAll: expected 0, got %d", r.Len())
	}

	// Closed server ends surface as EOF on the client side.
	buf := make([]byte, 1)
	client1.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client1.Read(buf); err == nil {
		t.Error("expected read error after CloseAll")
	}
}
