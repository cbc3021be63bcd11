package serialtest

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Predefined error types for robust error handling
var (
	ErrDeviceNotFound   = errors.New("serial device not found")
	ErrPermissionDenied = errors.New("permission denied accessing serial device")
	ErrDeviceInUse      = errors.New("serial device already in use")
	ErrInvalidBaudRate  = errors.New("invalid baud rate")
	ErrInvalidConfig    = errors.New("invalid serial test configuration")
	ErrPortClosed       = errors.New("serial port is closed")
	ErrWouldBlock       = errors.New("operation would block")
	ErrUnsupported      = errors.New("serial devices are not supported on this platform")

	// Baud resolution errors
	ErrBaudOutOfTolerance = errors.New("closest achievable baud rate outside 2% tolerance")
	ErrRawSpeedRejected   = errors.New("driver rejected arbitrary baud rate")
	ErrSerialInfo         = errors.New("serial driver info not available")

	// RS-485 errors
	ErrRS485Unsupported = errors.New("RS-485 mode not supported by driver")

	// Run termination errors
	ErrDataMismatch = errors.New("received byte did not match expected sequence")
	ErrIdleTimeout  = errors.New("no data transferred within timeout")
	ErrInterrupted  = errors.New("interrupted by signal")
)

// ExitCode maps a fatal error to the process exit status. Errors carrying a
// platform errno exit with the negated errno, the way a C exerciser would.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, ErrDataMismatch):
		return -int(unix.EIO)
	case errors.Is(err, ErrIdleTimeout):
		return -int(unix.ETIMEDOUT)
	case errors.Is(err, ErrDeviceInUse):
		return -int(unix.EBUSY)
	case errors.Is(err, ErrDeviceNotFound):
		return -int(unix.ENOENT)
	case errors.Is(err, ErrPermissionDenied):
		return -int(unix.EACCES)
	case errors.Is(err, ErrInterrupted):
		return -int(unix.EINTR)
	}

	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}

	return -int(unix.EINVAL)
}
