package serialtest

import (
	"math"
	"time"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// loopbackDevice models a UART with its tx wired to its rx. Bytes leave the
// transmit queue at line rate and arrive in the receive buffer in order.
type loopbackDevice struct {
	clock       *fakeClock
	bytesPerSec float64
	capacity    int

	inflight []byte
	rx       []byte
	lastTick time.Time
	carry    float64
	arrived  int

	drop    map[int]bool // arrival indexes that are lost on the wire
	corrupt map[int]bool // arrival indexes that are inverted on the wire

	icount ICount
}

func newLoopbackDevice(clock *fakeClock, baud, frameBits int) *loopbackDevice {
	return &loopbackDevice{
		clock:       clock,
		bytesPerSec: float64(baud) / float64(frameBits),
		capacity:    4096,
		lastTick:    clock.Now(),
		drop:        map[int]bool{},
		corrupt:     map[int]bool{},
	}
}

func (d *loopbackDevice) advance() {
	now := d.clock.Now()
	d.carry += now.Sub(d.lastTick).Seconds() * d.bytesPerSec
	d.lastTick = now

	n := int(d.carry)
	if n > len(d.inflight) {
		n = len(d.inflight)
	}
	for _, b := range d.inflight[:n] {
		idx := d.arrived
		d.arrived++
		switch {
		case d.drop[idx]:
			continue
		case d.corrupt[idx]:
			b ^= 0xff
		}
		d.rx = append(d.rx, b)
		d.icount.Rx++
	}
	d.inflight = d.inflight[n:]
	d.carry -= float64(n)
	if len(d.inflight) == 0 {
		d.carry = 0
	}
}

func (d *loopbackDevice) Read(buf []byte) (int, error) {
	d.advance()
	if len(d.rx) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(buf, d.rx)
	d.rx = d.rx[n:]
	return n, nil
}

func (d *loopbackDevice) Write(data []byte) (int, error) {
	d.advance()
	space := d.capacity - len(d.inflight)
	if space <= 0 {
		return 0, ErrWouldBlock
	}
	n := len(data)
	if n > space {
		n = space
	}
	d.inflight = append(d.inflight, data[:n]...)
	d.icount.Tx += int32(n)
	return n, nil
}

func (d *loopbackDevice) ready(interest Interest) Interest {
	var r Interest
	if interest&InterestRead != 0 && len(d.rx) > 0 {
		r |= InterestRead
	}
	if interest&InterestWrite != 0 && len(d.inflight) < d.capacity {
		r |= InterestWrite
	}
	return r
}

func (d *loopbackDevice) Wait(interest Interest, timeout time.Duration) (Interest, error) {
	d.advance()
	if r := d.ready(interest); r != 0 {
		return r, nil
	}

	step := timeout
	if len(d.inflight) > 0 {
		next := time.Duration(math.Ceil((1 - d.carry) / d.bytesPerSec * float64(time.Second)))
		if next < step {
			step = next
		}
	}
	d.clock.Advance(step)
	d.advance()
	return d.ready(interest), nil
}

func (d *loopbackDevice) InterruptCounts() (ICount, error) {
	return d.icount, nil
}

// scriptDevice replays canned reads and accepts writes up to scripted limits
type scriptDevice struct {
	clock     *fakeClock
	reads     [][]byte
	limits    []int
	written   []byte
	waits     int
	icountErr error
}

func (d *scriptDevice) Read(buf []byte) (int, error) {
	if len(d.reads) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(buf, d.reads[0])
	d.reads = d.reads[1:]
	return n, nil
}

func (d *scriptDevice) Write(data []byte) (int, error) {
	n := len(data)
	if len(d.limits) > 0 {
		if d.limits[0] < n {
			n = d.limits[0]
		}
		d.limits = d.limits[1:]
	}
	if n == 0 {
		return 0, ErrWouldBlock
	}
	d.written = append(d.written, data[:n]...)
	return n, nil
}

func (d *scriptDevice) Wait(interest Interest, timeout time.Duration) (Interest, error) {
	d.waits++
	var r Interest
	if interest&InterestRead != 0 && len(d.reads) > 0 {
		r |= InterestRead
	}
	if interest&InterestWrite != 0 {
		r |= InterestWrite
	}
	if r == 0 {
		d.clock.Advance(timeout)
	}
	return r, nil
}

func (d *scriptDevice) InterruptCounts() (ICount, error) {
	return ICount{}, d.icountErr
}

// fakeConn adapts a device to the Conn used by Run
type fakeConn struct {
	Device
	plan   BaudPlan
	closed int
}

func (c *fakeConn) Plan() BaudPlan { return c.plan }

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}
