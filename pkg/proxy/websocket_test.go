// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/absmach/sockgate/pkg/gateway"
	"github.com/absmach/sockgate/pkg/socket"
	"github.com/gorilla/websocket"
)

func TestWebSocketRelay(t *testing.T) {
	var backendPath atomic.Value
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendPath.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	obs := &mockObserver{}
	h := NewHTTP(Config{
		Service:  "ws",
		Target:   socket.FromNetAddr(backend.Listener.Addr()),
		Observer: obs,
		Logger:   quietLogger(),
		Router: newRouter(t,
			gateway.URIMapping{URI: "/ws/{room}", TargetURI: "/rooms/{room}"},
		),
	})
	addr := serve(t, h)

	client, _, err := websocket.DefaultDialer.Dial("ws://"+addr.Addr+"/ws/lobby", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	messages := []struct {
		mt   int
		data string
	}{
		{websocket.TextMessage, "hello"},
		{websocket.BinaryMessage, "\x00\x01\x02"},
	}
	for _, m := range messages {
		if err := client.WriteMessage(m.mt, []byte(m.data)); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
		mt, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if mt != m.mt {
			t.Errorf("message type = %d, want %d", mt, m.mt)
		}
		if string(data) != "echo:"+m.data {
			t.Errorf("message = %q, want %q", data, "echo:"+m.data)
		}
	}

	if got, _ := backendPath.Load().(string); got != "/rooms/lobby" {
		t.Errorf("backend path = %q, want /rooms/lobby", got)
	}

	client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	client.Close()

	eventually(t, func() bool {
		_, _, reqs, _ := obs.snapshot()
		return len(reqs) == 1
	})
	_, _, reqs, _ := obs.snapshot()
	if !reqs[0].Upgraded || reqs[0].Status != http.StatusSwitchingProtocols || reqs[0].Route != "variable" {
		t.Errorf("observed request = %+v", reqs[0])
	}
}

func TestWebSocketBackendRejects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer backend.Close()

	h := NewHTTP(Config{
		Service: "ws",
		Target:  socket.FromNetAddr(backend.Listener.Addr()),
		Logger:  quietLogger(),
	})
	addr := serve(t, h)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr.Addr+"/socket", nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 from backend, got %+v", resp)
	}
}
