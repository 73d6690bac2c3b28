/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mpv

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by Request when no correlated reply arrives within
// the configured window.
var ErrTimeout = errors.New("mpv: request timed out")

// ErrClosed is returned when the connection has been closed.
var ErrClosed = errors.New("mpv: connection closed")

// TransportError wraps a pipe read/write failure. Callers use it to decide
// whether a relaunch-and-retry is worthwhile.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mpv transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a pipe-level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
