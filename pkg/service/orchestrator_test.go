// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/sockgate/pkg/breaker"
	gwerrors "github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/gateway"
	"github.com/absmach/sockgate/pkg/health"
	"github.com/absmach/sockgate/pkg/socket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// start runs o in the background and returns a function that stops it and
// returns Run's result.
func start(t *testing.T, o *Orchestrator) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx)
	}()

	var stopped bool
	var result error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatalf("orchestrator did not stop")
			}
		}
		return result
	}
	t.Cleanup(func() { stop() })
	return stop
}

func waitState(t *testing.T, reg *health.Registry, name string, want health.State) {
	t.Helper()
	eventually(t, func() bool {
		s, ok := reg.Get(name)
		return ok && s.State == want
	}, fmt.Sprintf("%s to be %s", name, want))
}

func backend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, addr socket.Address, path string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr.Addr + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return string(body)
}

func TestRunIsolatesFailedServices(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer busy.Close()

	target := backend(t)

	f := &File{Service: []Definition{
		{
			Name:   "busy",
			Listen: "tcp://" + busy.Addr().String(),
			Target: "tcp://" + target.Listener.Addr().String(),
		},
		{
			Name:     "broken",
			Listen:   "tcp://127.0.0.1:0",
			Target:   "tcp://127.0.0.1:1",
			Protocol: "smtp",
		},
		{
			Name:   "ok",
			Listen: "tcp://127.0.0.1:0",
			Target: "tcp://" + target.Listener.Addr().String(),
			URIMapping: Mappings{List: []gateway.URIMapping{
				{URI: "/c/{id}", TargetURI: "/containers/{id}/json"},
			}},
		},
	}}

	reg := health.NewRegistry()
	o := New(Config{File: f, Health: reg, Logger: quietLogger()})
	stop := start(t, o)

	waitState(t, reg, "ok", health.StateServing)

	for _, name := range []string{"busy", "broken"} {
		s, ok := reg.Get(name)
		if !ok || s.State != health.StateFailed || s.Message == "" {
			t.Errorf("%s state = %+v, want failed with a message", name, s)
		}
	}
	if st, _ := reg.Health(); st != health.StatusDegraded {
		t.Errorf("Health() = %s, want degraded", st)
	}

	addr, ok := o.Addr("ok")
	if !ok {
		t.Fatalf("no address for running service")
	}
	if got := get(t, addr, "/c/abc"); got != "GET /containers/abc/json" {
		t.Errorf("rewritten request reached backend as %q", got)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if s, _ := reg.Get("ok"); s.State != health.StateStopped {
		t.Errorf("ok state after shutdown = %s, want stopped", s.State)
	}
}

func TestRunWithoutAnyService(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer busy.Close()

	f := &File{Service: []Definition{
		{Name: "a", Listen: "tcp://" + busy.Addr().String(), Target: "tcp://127.0.0.1:1"},
		{Name: "b", Listen: "bogus", Target: "tcp://127.0.0.1:1"},
	}}

	err = New(Config{File: f, Logger: quietLogger()}).Run(context.Background())
	if !errors.Is(err, ErrNoService) {
		t.Fatalf("Run() = %v, want ErrNoService", err)
	}
	if !errors.Is(err, gwerrors.ErrBind) {
		t.Errorf("Run() should carry the bind failure: %v", err)
	}
	if !errors.Is(err, gwerrors.ErrConfiguration) {
		t.Errorf("Run() should carry the configuration failure: %v", err)
	}
}

func TestRunRejectsDuplicateNames(t *testing.T) {
	target := backend(t)
	def := Definition{Name: "dup", Listen: "tcp://127.0.0.1:0", Target: "tcp://" + target.Listener.Addr().String()}

	reg := health.NewRegistry()
	var failures atomic.Int32
	reg.OnChange = func(_ string, _, to health.State) {
		if to == health.StateFailed {
			failures.Add(1)
		}
	}

	o := New(Config{File: &File{Service: []Definition{def, def}}, Health: reg, Logger: quietLogger()})
	start(t, o)

	waitState(t, reg, "dup", health.StateServing)
	if n := failures.Load(); n != 0 {
		t.Errorf("duplicate definition should not mark the running service failed, got %d failures", n)
	}
	if _, ok := o.Addr("dup"); !ok {
		t.Errorf("first definition should be running")
	}
}

func TestReloadKeepsFirstDuplicateRoutes(t *testing.T) {
	target := backend(t)
	def := func(to string) Definition {
		return Definition{
			Name:   "dup",
			Listen: "tcp://127.0.0.1:0",
			Target: "tcp://" + target.Listener.Addr().String(),
			URIMapping: Mappings{List: []gateway.URIMapping{
				{URI: "/x", TargetURI: to},
			}},
		}
	}

	reg := health.NewRegistry()
	o := New(Config{File: &File{Service: []Definition{def("/first"), def("/second")}}, Health: reg, Logger: quietLogger()})
	start(t, o)
	waitState(t, reg, "dup", health.StateServing)

	addr, ok := o.Addr("dup")
	if !ok {
		t.Fatalf("no address for running service")
	}
	if got := get(t, addr, "/x"); got != "GET /first" {
		t.Fatalf("before reload got %q", got)
	}
	if err := o.ReloadMappings(); err != nil {
		t.Fatalf("ReloadMappings failed: %v", err)
	}
	if got := get(t, addr, "/x"); got != "GET /first" {
		t.Errorf("reload should keep the running definition's routes, got %q", got)
	}
}

func TestRunTCPService(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			c, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	listen := filepath.Join(t.TempDir(), "gw.sock")
	f := &File{Service: []Definition{{
		Name:     "echo",
		Listen:   "unix://" + listen,
		Target:   "tcp://" + echo.Addr().String(),
		Protocol: "tcp",
		Timeout:  "2s",
	}}}

	reg := health.NewRegistry()
	var acceptErrors atomic.Int32
	o := New(Config{
		File:          f,
		Health:        reg,
		Logger:        quietLogger(),
		OnAcceptError: func(string, error) { acceptErrors.Add(1) },
	})
	start(t, o)
	waitState(t, reg, "echo", health.StateServing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := socket.Dial(ctx, "unix://"+listen)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(reply) != "ping" {
		t.Errorf("reply = %q, want ping", reply)
	}
	if n := acceptErrors.Load(); n != 0 {
		t.Errorf("unexpected accept errors: %d", n)
	}
}

func TestReloadMappings(t *testing.T) {
	dir := t.TempDir()
	mappings := filepath.Join(dir, "routes.json")
	writeFile(t, mappings, `[{"uri": "/a", "target_uri": "/first"}]`)

	target := backend(t)
	f := &File{
		Dir:        dir,
		URIMapping: "routes.json",
		Service: []Definition{{
			Name:   "web",
			Listen: "tcp://127.0.0.1:0",
			Target: "tcp://" + target.Listener.Addr().String(),
		}},
	}

	reg := health.NewRegistry()
	o := New(Config{File: f, Health: reg, Logger: quietLogger()})
	start(t, o)
	waitState(t, reg, "web", health.StateServing)

	addr, _ := o.Addr("web")
	if got := get(t, addr, "/a/x"); got != "GET /first/x" {
		t.Fatalf("before reload got %q", got)
	}

	writeFile(t, mappings, `[{"uri": "/a", "target_uri": "/second"}]`)
	if err := o.ReloadMappings(); err != nil {
		t.Fatalf("ReloadMappings failed: %v", err)
	}
	if got := get(t, addr, "/a/x"); got != "GET /second/x" {
		t.Errorf("after reload got %q", got)
	}

	writeFile(t, mappings, `[{"uri": "/a/{id", "target_uri": "/third"}]`)
	if err := o.ReloadMappings(); !errors.Is(err, gwerrors.ErrConfiguration) {
		t.Errorf("ReloadMappings() = %v, want configuration error", err)
	}
	if got := get(t, addr, "/a/x"); got != "GET /second/x" {
		t.Errorf("failed reload should keep the previous table, got %q", got)
	}
}

func TestWatchReloadsMappings(t *testing.T) {
	dir := t.TempDir()
	mappings := filepath.Join(dir, "routes.yaml")
	writeFile(t, mappings, "- uri: /a\n  target_uri: /first\n")

	target := backend(t)
	f := &File{
		Dir: dir,
		Service: []Definition{{
			Name:       "web",
			Listen:     "tcp://127.0.0.1:0",
			Target:     "tcp://" + target.Listener.Addr().String(),
			URIMapping: Mappings{File: "routes.yaml"},
		}},
	}

	reg := health.NewRegistry()
	o := New(Config{File: f, Health: reg, Watch: true, Logger: quietLogger()})
	start(t, o)
	waitState(t, reg, "web", health.StateServing)
	addr, _ := o.Addr("web")

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, mappings, "- uri: /a\n  target_uri: /second\n")

	eventually(t, func() bool {
		return strings.HasSuffix(get(t, addr, "/a"), "/second")
	}, "watched mapping change to take effect")
}

func TestRunTargetBreaker(t *testing.T) {
	var dials atomic.Int32
	var opened atomic.Int32

	f := &File{Service: []Definition{{
		Name:    "down",
		Listen:  "tcp://127.0.0.1:0",
		Target:  "tcp://127.0.0.1:1",
		Breaker: &Breaker{MaxFailures: 1, ResetTimeout: "1h"},
	}}}

	reg := health.NewRegistry()
	o := New(Config{
		File:   f,
		Health: reg,
		Logger: quietLogger(),
		Dial: func(context.Context, socket.Address) (*socket.Conn, error) {
			dials.Add(1)
			return nil, gwerrors.ErrConnect
		},
		OnBreakerChange: func(_ string, _, to breaker.State) {
			if to == breaker.StateOpen {
				opened.Add(1)
			}
		},
	})
	start(t, o)
	waitState(t, reg, "down", health.StateServing)
	addr, _ := o.Addr("down")

	for range 3 {
		resp, err := http.Get("http://" + addr.Addr + "/")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}
	}

	if n := dials.Load(); n != 1 {
		t.Errorf("open breaker should stop dialing, got %d dials", n)
	}
	if n := opened.Load(); n != 1 {
		t.Errorf("breaker opened %d times, want 1", n)
	}
}

func TestRunRateLimit(t *testing.T) {
	target := backend(t)
	var rejected atomic.Int32

	f := &File{Service: []Definition{{
		Name:      "limited",
		Listen:    "tcp://127.0.0.1:0",
		Target:    "tcp://" + target.Listener.Addr().String(),
		Protocol:  "tcp",
		RateLimit: &RateLimit{Rate: 0.001, Burst: 1},
	}}}

	reg := health.NewRegistry()
	o := New(Config{
		File:     f,
		Health:   reg,
		Logger:   quietLogger(),
		OnReject: func(string, socket.Address) { rejected.Add(1) },
	})
	start(t, o)
	waitState(t, reg, "limited", health.StateServing)
	addr, _ := o.Addr("limited")

	for range 2 {
		c, err := socket.DialAddress(context.Background(), addr)
		if err != nil {
			t.Fatalf("Dial failed: %v", err)
		}
		defer c.Close()
	}

	eventually(t, func() bool { return rejected.Load() == 1 }, "second connection to be refused")
}
