package serialtest

import "time"

// Interest is a set of readiness conditions to wait for
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// ICount holds the driver's interrupt and line error counters (TIOCGICOUNT)
type ICount struct {
	CTS, DSR, RNG, DCD int32
	Rx, Tx             int32
	Frame, Overrun     int32
	Parity, Brk        int32
	BufOverrun         int32
}

// Device is the serial device capability the engine runs against. Read and
// Write never block; they return ErrWouldBlock when nothing can be
// transferred. Wait blocks for at most timeout and reports which of the
// requested interests are ready (zero on timeout).
type Device interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Wait(interest Interest, timeout time.Duration) (Interest, error)
	InterruptCounts() (ICount, error)
}

// Clock supplies the monotonic time used for pacing, limits and statistics
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
