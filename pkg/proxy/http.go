// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/socket"
	"github.com/absmach/sockgate/pkg/tunnel"
	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const fallbackRoute = "fallback"

// forwardedHeaders are stripped by httputil.ReverseProxy when Rewrite is
// used; they are restored so inbound values reach the target unchanged.
// Proxy-Authorization is hop-by-hop but carries credentials meant for the
// target, so it is restored too. Connection-level headers stay stripped.
var forwardedHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"Proxy-Authorization",
}

// HTTP serves HTTP/1.1 and cleartext HTTP/2 on accepted connections and
// forwards each request to the target.
type HTTP struct {
	cfg      Config
	listener *connListener
	server   *http.Server
	proxy    *httputil.ReverseProxy

	start sync.Once
	drain sync.Once
}

var (
	_ Handler      = (*HTTP)(nil)
	_ http.Handler = (*HTTP)(nil)
)

// NewHTTP creates an HTTP-mode handler.
func NewHTTP(cfg Config) *HTTP {
	cfg = cfg.withDefaults()

	h := &HTTP{
		cfg:      cfg,
		listener: newConnListener(&net.UnixAddr{Name: cfg.Service, Net: "unix"}),
	}

	errorLog := slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn)

	h.proxy = &httputil.ReverseProxy{
		Rewrite:       h.rewrite,
		Transport:     h.transport(),
		FlushInterval: -1,
		ErrorHandler:  h.errorHandler,
		ErrorLog:      errorLog,
	}

	h2s := &http2.Server{IdleTimeout: cfg.Timeout}
	h.server = &http.Server{
		Handler:           h2c.NewHandler(h, h2s),
		ReadHeaderTimeout: cfg.Timeout,
		IdleTimeout:       cfg.Timeout,
		ErrorLog:          errorLog,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tc, ok := c.(*trackedConn); ok {
				return withSession(ctx, tc.session)
			}
			return ctx
		},
	}

	// Registers h2s with the server so Shutdown also drains HTTP/2 connections.
	if err := http2.ConfigureServer(h.server, h2s); err != nil {
		cfg.Logger.Warn("failed to configure http2 shutdown",
			slog.String("service", cfg.Service),
			slog.String("error", err.Error()))
	}

	return h
}

// Handle serves HTTP on conn until the client or the server closes it.
func (h *HTTP) Handle(ctx context.Context, conn *socket.Conn) error {
	h.start.Do(func() { go h.serve() })

	obs := h.cfg.Observer
	sess := session.New(h.cfg.Service, session.HTTP, conn.RemoteAddress(), h.cfg.Target)
	remote := sess.Remote.String()

	if err := obs.OnConnect(ctx, sess); err != nil {
		obs.OnDisconnect(ctx, sess, tunnel.Stats{}, err)
		return gwerrors.New("connect", h.cfg.Service, sess.ID, remote, err)
	}

	tc := newTrackedConn(conn, sess)
	if err := h.listener.deliver(ctx, tc); err != nil {
		obs.OnDisconnect(ctx, sess, tunnel.Stats{}, err)
		return gwerrors.New("serve", h.cfg.Service, sess.ID, remote, err)
	}

	var err error
	select {
	case <-tc.done:
	case <-ctx.Done():
		err = ctx.Err()
		tc.Close()
	}
	obs.OnDisconnect(ctx, sess, tunnel.Stats{}, err)

	return nil
}

func (h *HTTP) serve() {
	if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.cfg.Logger.Error("http server stopped",
			slog.String("service", h.cfg.Service),
			slog.String("error", err.Error()))
	}
}

// Drain stops keep-alive and closes idle connections so in-flight requests
// can finish and their connections close.
func (h *HTTP) Drain() {
	h.drain.Do(func() {
		go h.server.Shutdown(context.Background())
	})
}

// Close closes every connection immediately.
func (h *HTTP) Close() error {
	h.listener.Close()
	return h.server.Close()
}

// ServeHTTP resolves the route of r and forwards it.
func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sess := sessionFrom(ctx)
	if sess == nil {
		remote, _ := socket.ParseAddress("tcp://" + r.RemoteAddr)
		sess = session.New(h.cfg.Service, session.HTTP, remote, h.cfg.Target)
		ctx = withSession(ctx, sess)
	}

	path, route := r.URL.Path, fallbackRoute
	if h.cfg.Router != nil {
		if res, ok := h.cfg.Router.Resolve(r.Method, r.URL.Path); ok {
			path, route = res.Path, res.Kind.String()
			ctx = context.WithValue(ctx, forwardKey{}, path)
		}
	}
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w}
	upgraded := false
	if websocket.IsWebSocketUpgrade(r) {
		upgraded = h.serveWebSocket(rec, r, path, sess)
	} else {
		h.proxy.ServeHTTP(rec, r)
	}

	h.cfg.Observer.OnRequest(ctx, sess, session.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Forwarded: path,
		Route:     route,
		Status:    rec.Status(),
		Duration:  time.Since(start),
		Upgraded:  upgraded,
	})
}

func (h *HTTP) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = h.cfg.Host
	pr.Out.Host = h.cfg.Host

	if path, ok := pr.In.Context().Value(forwardKey{}).(string); ok {
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = ""
	}

	for _, k := range forwardedHeaders {
		if v, ok := pr.In.Header[k]; ok {
			pr.Out.Header[k] = v
		}
	}
	setDefaultHeaders(pr.Out.Header, h.cfg.Headers)
}

func setDefaultHeaders(dst http.Header, defaults map[string]string) {
	for k, v := range defaults {
		if dst.Get(k) == "" {
			dst.Set(k, v)
		}
	}
}

func (h *HTTP) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	sess := sessionFrom(ctx)

	if errors.Is(err, gwerrors.ErrConnect) && sess != nil {
		h.cfg.Observer.OnDialError(ctx, sess, err)
	}

	h.cfg.Logger.Warn("failed to forward request",
		slog.String("service", h.cfg.Service),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))

	w.WriteHeader(http.StatusBadGateway)
}

// dial ignores the URL host: every request goes to the service target.
func (h *HTTP) dial(ctx context.Context, _, _ string) (net.Conn, error) {
	conn, err := h.cfg.dialTarget(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (h *HTTP) transport() http.RoundTripper {
	if h.cfg.HTTP2 {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return h.dial(ctx, network, addr)
			},
			ReadIdleTimeout: h.cfg.Timeout,
		}
	}

	return &http.Transport{
		DialContext:           h.dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: h.cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
}

// statusRecorder remembers the final status written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 && (code >= http.StatusOK || code == http.StatusSwitchingProtocols) {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	http.NewResponseController(r.ResponseWriter).Flush()
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil && r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the recorded status, 200 if nothing was written.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
