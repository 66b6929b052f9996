// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for sockgate.
package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every gateway component.
var (
	// ErrConfiguration indicates an invalid service or mapping definition.
	// It is fatal for the affected service only.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupportedScheme indicates an address scheme other than tcp:// or unix://.
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported address scheme", ErrConfiguration)

	// ErrInvalidAddress indicates a malformed scheme://address string.
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrConfiguration)

	// ErrBind indicates that a listener could not be bound.
	ErrBind = errors.New("bind failed")

	// ErrAccept indicates a transient failure accepting a connection.
	ErrAccept = errors.New("accept failed")

	// ErrConnect indicates that the service target could not be dialed.
	ErrConnect = errors.New("connect to target failed")

	// ErrRewrite indicates that a target pattern references a variable the
	// source pattern does not capture.
	ErrRewrite = errors.New("rewrite failed")

	// ErrStream indicates an I/O failure in the middle of a transfer.
	ErrStream = errors.New("stream error")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProxyError wraps an error with connection context.
type ProxyError struct {
	Op         string // Operation that failed
	Service    string // Service name
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Service, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	if e.RemoteAddr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Service, e.Op, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. It returns nil when err is nil.
func New(op, service, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Service:    service,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Join marks err as belonging to kind while keeping err in the chain,
// so both errors.Is(result, kind) and errors.Is(result, err) hold.
func Join(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
