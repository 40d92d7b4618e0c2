package server

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsConnectionError reports whether err is an ordinary client disconnect or
// network failure, as opposed to a server fault.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
