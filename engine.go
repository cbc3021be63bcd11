package serialtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the engine's lifecycle state
type State int

const (
	StateWaitTxStart State = iota
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateWaitTxStart:
		return "WAIT_TX_START"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultPollInterval  = time.Second
	statsInterval        = 5 * time.Second
	timeoutCheckInterval = time.Second
	rxBufferSize         = 1024
	maxAdaptiveWrites    = 256
	drainWindow          = time.Second
)

// Engine runs the duplex self-test loop against a single device. It is not
// safe for concurrent use; observers receive copies of its state.
type Engine struct {
	dev       Device
	config    Config
	clock     Clock
	logger    *log.Entry
	reporter  *Reporter
	interrupt *Interrupt
	observer  func(Snapshot)
	hooks     []func(Snapshot)
	interval  time.Duration

	state       State
	rxActive    bool
	txActive    bool
	txStarted   bool
	interrupted bool

	rxSeq Sequence
	txSeq Sequence
	stats Stats

	start            time.Time
	rxStart          time.Time
	txStart          time.Time
	lastRead         time.Time
	lastWrite        time.Time
	lastRxAttempt    time.Time
	lastTxAttempt    time.Time
	lastStats        time.Time
	lastTimeoutCheck time.Time
	now              time.Time

	rxBuf []byte
	txBuf []byte
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithClock replaces the system clock
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the diagnostics logger
func WithLogger(l *log.Entry) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithReporter sets where rx dumps, tx details and periodic stats are printed
func WithReporter(r *Reporter) EngineOption {
	return func(e *Engine) { e.reporter = r }
}

// WithInterrupt sets the flag polled once per iteration
func WithInterrupt(i *Interrupt) EngineOption {
	return func(e *Engine) { e.interrupt = i }
}

// WithObserver registers a callback invoked after every loop iteration
func WithObserver(fn func(Snapshot)) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// WithStatsHook registers a callback invoked with every periodic report
func WithStatsHook(fn func(Snapshot)) EngineOption {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// WithPollInterval bounds how long a single readiness wait may block
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// NewEngine creates an engine for dev
func NewEngine(dev Device, config Config, opts ...EngineOption) *Engine {
	e := &Engine{
		dev:      dev,
		config:   config,
		clock:    systemClock{},
		logger:   log.WithField("port", config.Port),
		interval: defaultPollInterval,
		rxSeq:    NewSequence(config.ASCII),
		txSeq:    NewSequence(config.ASCII),
		rxBuf:    make([]byte, rxBufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	size := DefaultTxBufferSize
	if config.TxChunk > 0 {
		size = config.TxChunk
	}
	e.txBuf = make([]byte, size)
	return e
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	return e.state
}

// Snapshot returns a copy of the counters and timing marks
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Stats:     e.stats,
		State:     e.state,
		RxActive:  e.rxActive,
		TxActive:  e.txActive,
		Start:     e.start,
		RxStart:   e.rxStart,
		LastRead:  e.lastRead,
		LastWrite: e.lastWrite,
		Now:       e.now,
	}
}

// Interrupted reports whether the run ended because of the interrupt flag or context
func (e *Engine) Interrupted() bool {
	return e.interrupted
}

// Run drives the loop until both directions stop, the context is cancelled,
// the interrupt flag is raised or a fatal condition occurs. Data mismatches
// with stop-on-error and idle timeouts with error-on-timeout are returned as
// ErrDataMismatch and ErrIdleTimeout.
func (e *Engine) Run(ctx context.Context) error {
	e.begin()

	for {
		if e.interrupt.Pending() || ctx.Err() != nil {
			e.logger.Debug("stop requested")
			e.state = StateTerminated
			e.interrupted = true
			return nil
		}

		e.now = e.clock.Now()
		e.updateLimits()
		if !e.rxActive && !e.txActive {
			e.state = StateTerminated
			return nil
		}

		interest, timeout := e.interest()
		ready, err := e.dev.Wait(interest, timeout)
		if err != nil {
			e.state = StateTerminated
			return fmt.Errorf("readiness wait: %w", err)
		}

		e.now = e.clock.Now()
		if ready&InterestRead != 0 && e.rxActive {
			if err := e.receive(); err != nil {
				e.state = StateTerminated
				return err
			}
		}
		if ready&InterestWrite != 0 && e.txActive && e.txStarted {
			e.transmit()
		}

		if err := e.periodic(); err != nil {
			e.state = StateTerminated
			return err
		}

		if e.observer != nil {
			e.observer(e.Snapshot())
		}
	}
}

func (e *Engine) begin() {
	now := e.clock.Now()
	e.now = now
	e.start = now
	e.rxStart = now
	e.txStart = now
	e.lastRead = now
	e.lastWrite = now
	e.lastStats = now
	e.lastTimeoutCheck = now
	e.rxActive = e.config.RxEnabled
	e.txActive = e.config.TxEnabled
	e.state = StateRunning
	e.txStarted = true

	if e.txActive && e.config.TxWait > 0 {
		e.txStarted = false
		e.state = StateWaitTxStart
		e.txStart = now.Add(e.config.TxWait)
		e.lastWrite = e.txStart
		if e.config.verifiesLoopback() {
			e.rxStart = e.txStart
		}
	}
}

// updateLimits applies the tx wait and the per-direction time limits
func (e *Engine) updateLimits() {
	elapsed := e.now.Sub(e.start)

	// the tx gate is independent of state: rx may stop while tx still waits
	if !e.txStarted && !e.now.Before(e.txStart) {
		e.txStarted = true
		e.lastWrite = e.now
		if e.state == StateWaitTxStart {
			e.state = StateRunning
		}
		e.logger.Debug("tx wait elapsed, starting transmission")
	}

	if e.txActive && e.config.TxTime > 0 && elapsed >= e.config.TxTime {
		e.txActive = false
		e.state = StateStopping
		e.logger.WithField("written", e.stats.Written).Debug("tx time elapsed")
	}

	if e.rxActive && e.config.RxTime > 0 && elapsed >= e.config.RxTime {
		// keep draining bytes still in flight from a finished loopback transmission
		draining := e.config.verifiesLoopback() && !e.txActive &&
			e.stats.Read < e.stats.Written && e.now.Sub(e.lastRead) < drainWindow
		if !draining {
			e.rxActive = false
			e.state = StateStopping
			e.logger.WithField("read", e.stats.Read).Debug("rx time elapsed")
		}
	}
}

// interest computes the readiness set and the wait bound for this iteration
func (e *Engine) interest() (Interest, time.Duration) {
	var interest Interest
	timeout := e.interval

	bound := func(deadline time.Time) {
		if d := deadline.Sub(e.now); d > 0 && d < timeout {
			timeout = d
		}
	}

	if e.rxActive {
		if e.config.RxDelay > 0 && e.now.Sub(e.lastRxAttempt) < e.config.RxDelay {
			bound(e.lastRxAttempt.Add(e.config.RxDelay))
		} else {
			interest |= InterestRead
		}
		if e.config.RxTime > 0 {
			bound(e.start.Add(e.config.RxTime))
		}
	}

	if e.txActive {
		switch {
		case !e.txStarted:
			bound(e.txStart)
		case e.config.TxDelay > 0 && e.now.Sub(e.lastTxAttempt) < e.config.TxDelay:
			bound(e.lastTxAttempt.Add(e.config.TxDelay))
		case e.config.WriteFollowsRead && e.backlog() == 0:
			// nothing to echo until more data arrives
		default:
			interest |= InterestWrite
		}
		if e.config.TxTime > 0 {
			bound(e.start.Add(e.config.TxTime))
		}
	}

	if timeout < 0 {
		timeout = 0
	}
	return interest, timeout
}

func (e *Engine) backlog() uint64 {
	if e.stats.Read > e.stats.Written {
		return e.stats.Read - e.stats.Written
	}
	return 0
}

// receive reads one buffer and verifies it against the expected sequence.
// After a mismatch the expected value resyncs to the observed byte, so a
// lost or inserted run of bytes counts one error while a single substituted
// byte counts two (the bad byte and the one after it).
func (e *Engine) receive() error {
	e.lastRxAttempt = e.now

	n, err := e.dev.Read(e.rxBuf)
	if err != nil {
		if !errors.Is(err, ErrWouldBlock) {
			e.logger.WithError(err).Warn("read failed")
		}
		return nil
	}
	if n <= 0 {
		return nil
	}

	data := e.rxBuf[:n]
	e.stats.Read += uint64(n)
	e.lastRead = e.now
	if e.config.RxDump && e.reporter != nil {
		e.reporter.Dump(data)
	}

	for i, b := range data {
		expected := e.rxSeq.Peek()
		if b != expected {
			e.stats.Errors++
			e.logger.WithFields(log.Fields{
				"offset":   e.stats.Read - uint64(n) + uint64(i),
				"expected": fmt.Sprintf("%02x", expected),
				"got":      fmt.Sprintf("%02x", b),
			}).Warn("sequence error")
			if e.config.StopOnError {
				return fmt.Errorf("expected %02x, got %02x: %w", expected, b, ErrDataMismatch)
			}
		}
		e.rxSeq.Resync(b)
	}
	return nil
}

// transmit performs one transmit cycle
func (e *Engine) transmit() {
	e.lastTxAttempt = e.now

	var written int
	switch {
	case e.config.WriteFollowsRead:
		n := e.backlog()
		if n > uint64(len(e.txBuf)) {
			n = uint64(len(e.txBuf))
		}
		if n == 0 {
			return
		}
		written, _ = e.writeOnce(int(n))
	case e.config.TxChunk > 0:
		written, _ = e.writeOnce(e.config.TxChunk)
	default:
		for i := 0; i < maxAdaptiveWrites; i++ {
			c, full := e.writeOnce(len(e.txBuf))
			written += c
			if !full {
				break
			}
		}
	}

	if e.config.DetailedTx && e.reporter != nil {
		e.reporter.Wrote(written)
	}
}

// writeOnce fills n bytes of the pattern and writes them. On a short write
// the counter is rewound to the first byte the driver did not accept.
func (e *Engine) writeOnce(n int) (int, bool) {
	buf := e.txBuf[:n]
	e.txSeq.Fill(buf)

	c, err := e.dev.Write(buf)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		e.logger.WithError(err).Warn("write failed")
	}
	if c < 0 {
		c = 0
	}
	if c > 0 {
		e.stats.Written += uint64(c)
		e.lastWrite = e.now
	}
	if c < n {
		e.txSeq.Set(buf[c])
		return c, false
	}
	return c, true
}

// periodic emits the stats report and checks idle timeouts
func (e *Engine) periodic() error {
	if (e.config.Stats || len(e.hooks) > 0) && e.now.Sub(e.lastStats) >= statsInterval {
		e.lastStats = e.now
		snap := e.Snapshot()
		if e.config.Stats && e.reporter != nil {
			var icount *ICount
			if !e.config.NoICount {
				ic, err := e.dev.InterruptCounts()
				if err != nil {
					e.logger.WithError(err).Info("interrupt counters unavailable")
				} else {
					icount = &ic
				}
			}
			e.reporter.Periodic(snap, icount)
		}
		for _, hook := range e.hooks {
			hook(snap)
		}
	}

	if e.now.Sub(e.lastTimeoutCheck) < timeoutCheckInterval {
		return nil
	}
	e.lastTimeoutCheck = e.now
	return e.checkTimeouts()
}

func (e *Engine) checkTimeouts() error {
	timedOut := false

	if e.rxActive && e.config.RxTimeout > 0 {
		since := e.lastRead
		if e.config.verifiesLoopback() && since.Before(e.txStart) {
			since = e.txStart
		}
		quiescent := e.config.verifiesLoopback() && !e.txActive && e.stats.Written == e.stats.Read
		if idle := e.now.Sub(since); idle > e.config.RxTimeout && !quiescent {
			e.logger.WithField("idle", idle.Round(time.Millisecond)).Warn("no data received within rx timeout")
			timedOut = true
		}
	}

	if e.txActive && e.txStarted && e.config.TxTimeout > 0 {
		if idle := e.now.Sub(e.lastWrite); idle > e.config.TxTimeout {
			e.logger.WithField("idle", idle.Round(time.Millisecond)).Warn("no data written within tx timeout")
			timedOut = true
		}
	}

	if timedOut && e.config.ErrorOnTimeout {
		return ErrIdleTimeout
	}
	return nil
}
