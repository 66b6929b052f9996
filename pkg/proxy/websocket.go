// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	gwerrors "github.com/absmach/sockgate/pkg/errors"
	"github.com/absmach/sockgate/pkg/session"
	"github.com/absmach/sockgate/pkg/tunnel"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	closeGrace              = 5 * time.Second
)

// handshakeHeaders are generated by the dialer and must not be copied.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// serveWebSocket completes the upgrade with the target first, then with the
// client, and relays messages until either side closes. It reports whether
// the client connection was upgraded.
func (h *HTTP) serveWebSocket(w http.ResponseWriter, r *http.Request, path string, sess *session.Session) bool {
	ctx := r.Context()
	logger := h.cfg.Logger.With(
		slog.String("service", h.cfg.Service),
		slog.String("session", sess.ID),
		slog.String("path", path))

	header := r.Header.Clone()
	for _, k := range handshakeHeaders {
		header.Del(k)
	}
	setDefaultHeaders(header, h.cfg.Headers)

	u := url.URL{Scheme: "ws", Host: h.cfg.Host, Path: path, RawQuery: r.URL.RawQuery}

	timeout := h.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		NetDialContext:   h.dial,
		HandshakeTimeout: timeout,
		Subprotocols:     websocket.Subprotocols(r),
	}

	upstream, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if errors.Is(err, gwerrors.ErrConnect) {
			h.cfg.Observer.OnDialError(ctx, sess, err)
		}
		logger.Warn("failed to dial websocket target", slog.String("error", err.Error()))
		if resp != nil {
			defer resp.Body.Close()
			w.WriteHeader(resp.StatusCode)
			io.Copy(w, resp.Body)
			return false
		}
		w.WriteHeader(http.StatusBadGateway)
		return false
	}

	responseHeader := http.Header{}
	for _, c := range resp.Header.Values("Set-Cookie") {
		responseHeader.Add("Set-Cookie", c)
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if p := upstream.Subprotocol(); p != "" {
		upgrader.Subprotocols = []string{p}
	}

	downstream, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		upstream.Close()
		logger.Debug("failed to upgrade client connection", slog.String("error", err.Error()))
		return false
	}

	stats, err := relayWebSocket(ctx, downstream, upstream)
	attrs := []any{
		slog.Int64("upstream_bytes", stats.Upstream),
		slog.Int64("downstream_bytes", stats.Downstream),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Debug("websocket closed", attrs...)

	return true
}

// relayWebSocket copies messages both ways. Once one direction ends the
// other gets closeGrace to finish the close handshake before both
// connections are closed.
func relayWebSocket(ctx context.Context, client, target *websocket.Conn) (tunnel.Stats, error) {
	defer client.Close()
	defer target.Close()

	type result struct {
		n   int64
		err error
		up  bool
	}
	results := make(chan result, 2)

	go func() {
		n, err := copyMessages(target, client)
		results <- result{n: n, err: err, up: true}
	}()
	go func() {
		n, err := copyMessages(client, target)
		results <- result{n: n, err: err}
	}()

	var (
		stats    tunnel.Stats
		relayErr error
	)
	for i := 0; i < 2; i++ {
		var r result
		select {
		case r = <-results:
		case <-ctx.Done():
			client.Close()
			target.Close()
			r = <-results
		}

		if r.up {
			stats.Upstream = r.n
		} else {
			stats.Downstream = r.n
		}
		if relayErr == nil && r.err != nil && !errors.Is(r.err, net.ErrClosed) {
			relayErr = r.err
		}

		if i == 0 {
			deadline := time.Now().Add(closeGrace)
			client.SetReadDeadline(deadline)
			target.SetReadDeadline(deadline)
		}
	}

	return stats, relayErr
}

// copyMessages forwards messages from src to dst with their type, and
// forwards the close frame that ends src.
func copyMessages(dst, src *websocket.Conn) (int64, error) {
	var total int64
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			forwardClose(dst, err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return total, nil
			}
			return total, err
		}

		w, err := dst.NextWriter(mt)
		if err != nil {
			return total, err
		}
		n, err := io.Copy(w, r)
		total += n
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return total, err
		}
	}
}

func forwardClose(dst *websocket.Conn, err error) {
	code, text := websocket.CloseGoingAway, ""

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes that must not appear on the wire.
		default:
			code, text = ce.Code, ce.Text
		}
	}

	msg := websocket.FormatCloseMessage(code, text)
	dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
