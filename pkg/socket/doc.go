// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socket unifies TCP and Unix-domain stream sockets behind a single
// listener and connection type.
//
// # Addresses
//
// Every listen and target address is a scheme-prefixed string:
//
//	tcp://0.0.0.0:8080
//	unix:///var/run/docker.sock
//
// The scheme selects the transport. Any other scheme is a configuration
// error reported by ParseAddress, never a runtime fault.
//
// # Connections
//
// Conn implements net.Conn for both transports and adds CloseWrite for
// half-close, so upstream code never branches on transport kind. An optional
// idle timeout is refreshed before every read and write.
//
// # Example
//
//	ln, err := socket.Listen(ctx, "unix:///tmp/gw.sock")
//	if err != nil {
//		return err
//	}
//	defer ln.Close()
//
//	conn, peer, err := ln.Accept()
//	...
//	target, err := socket.Dial(ctx, "tcp://127.0.0.1:8080")
package socket
