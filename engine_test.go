package serialtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

func quietLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

func loopbackConfig(t *testing.T, opts ...Option) Config {
	t.Helper()
	config, err := NewConfig("/dev/ttyFAKE0", opts...)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	return config
}

func TestEngineLoopbackEndToEnd(t *testing.T) {
	tests := []struct {
		name  string
		baud  int
		opts  []Option
		ascii bool
	}{
		{"binary 115200", 115200, nil, false},
		{"ascii 115200", 115200, []Option{WithASCII()}, true},
		{"fixed chunk 57600", 57600, []Option{WithTxChunk(64)}, false},
		{"two stop bits even parity", 115200, []Option{WithStopBits(2), WithParity(ParityEven)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{
				WithBaudRate(tt.baud),
				WithTxTime(2 * time.Second),
				WithRxTime(2 * time.Second),
			}, tt.opts...)
			config := loopbackConfig(t, opts...)

			clock := newFakeClock()
			dev := newLoopbackDevice(clock, tt.baud, FrameBits(config.StopBits, config.Parity))
			engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))

			if err := engine.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			snap := engine.Snapshot()
			if snap.Written == 0 {
				t.Fatal("nothing was written")
			}
			if snap.Written != snap.Read {
				t.Errorf("written %d != read %d", snap.Written, snap.Read)
			}
			if snap.Errors != 0 {
				t.Errorf("expected no sequence errors, got %d", snap.Errors)
			}
			if engine.State() != StateTerminated || engine.Interrupted() {
				t.Errorf("unexpected end state %v (interrupted %v)", engine.State(), engine.Interrupted())
			}

			plan := BaudPlan{Strategy: StrategyStandard, Requested: tt.baud, Rate: tt.baud}
			res := Evaluate(snap, config, plan)
			if res.ExitStatus != 0 {
				t.Errorf("exit status = %d (estimated %.0f, deviation %.3f%%)",
					res.ExitStatus, res.EstimatedBaud, res.Deviation)
			}
			if res.Deviation >= 1 {
				t.Errorf("estimated baud %.0f deviates %.3f%%", res.EstimatedBaud, res.Deviation)
			}
		})
	}
}

func TestEngineResyncAfterCorruption(t *testing.T) {
	tests := []struct {
		name       string
		drop       bool
		wantErrors uint64
		wantCount  uint64
	}{
		// an inverted byte mismatches, and so does the byte after it
		{"corrupted byte", false, 2, 2},
		// a lost byte mismatches once and leaves tx and rx one apart
		{"dropped byte", true, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := loopbackConfig(t,
				WithBaudRate(115200),
				WithTxTime(time.Second),
				WithRxTime(time.Second),
			)
			clock := newFakeClock()
			dev := newLoopbackDevice(clock, 115200, 10)
			if tt.drop {
				dev.drop[1000] = true
			} else {
				dev.corrupt[1000] = true
			}

			engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
			if err := engine.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			snap := engine.Snapshot()
			if snap.Errors != tt.wantErrors {
				t.Errorf("sequence errors = %d, want %d", snap.Errors, tt.wantErrors)
			}

			res := Evaluate(snap, config, BaudPlan{Requested: 115200, Rate: 115200})
			if res.ErrorCount != tt.wantCount {
				t.Errorf("error count = %d, want %d", res.ErrorCount, tt.wantCount)
			}
			if res.ExitStatus != int(tt.wantCount) {
				t.Errorf("exit status = %d, want %d", res.ExitStatus, tt.wantCount)
			}
		})
	}
}

func TestEngineStopOnError(t *testing.T) {
	clock := newFakeClock()
	dev := &scriptDevice{
		clock: clock,
		reads: [][]byte{{0, 1, 2, 9, 4, 5}, {6, 7}},
	}
	config := loopbackConfig(t, WithDirections(true, false), WithStopOnError())
	engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))

	err := engine.Run(context.Background())
	if !errors.Is(err, ErrDataMismatch) {
		t.Fatalf("Run error = %v, want ErrDataMismatch", err)
	}
	if ExitCode(err) >= 0 {
		t.Errorf("expected a negative exit code, got %d", ExitCode(err))
	}

	snap := engine.Snapshot()
	if snap.Errors != 1 {
		t.Errorf("errors = %d, want 1", snap.Errors)
	}
	if snap.Read != 6 {
		t.Errorf("read = %d, want 6", snap.Read)
	}
	if len(dev.reads) != 1 {
		t.Error("engine kept reading after a fatal mismatch")
	}
	if engine.rxSeq.Peek() != 3 {
		t.Errorf("bytes after the mismatch were processed, expected counter 3, got %d", engine.rxSeq.Peek())
	}
}

func TestEngineShortWriteRollback(t *testing.T) {
	tests := []struct {
		name     string
		start    byte
		accepted int
		chunk    int
		want     byte
	}{
		{"adaptive", 0, 100, 0, 100},
		{"adaptive wrap", 250, 10, 0, 4},
		{"fixed chunk", 7, 3, 16, 10},
		{"nothing accepted", 42, 0, 0, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			dev := &scriptDevice{clock: clock, limits: []int{tt.accepted}}
			config := loopbackConfig(t, WithTxChunk(tt.chunk))
			engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
			engine.begin()
			engine.txSeq.Set(tt.start)

			engine.transmit()

			if got := engine.txSeq.Peek(); got != tt.want {
				t.Errorf("next tx value = %d, want %d", got, tt.want)
			}
			if engine.stats.Written != uint64(tt.accepted) {
				t.Errorf("written = %d, want %d", engine.stats.Written, tt.accepted)
			}
		})
	}
}

func TestEngineAdaptiveWriteStopsOnShortWrite(t *testing.T) {
	clock := newFakeClock()
	dev := &scriptDevice{clock: clock, limits: []int{1024, 1024, 500, 1024}}
	config := loopbackConfig(t)
	engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
	engine.begin()

	engine.transmit()

	if engine.stats.Written != 2548 {
		t.Errorf("written = %d, want 2548", engine.stats.Written)
	}
	if len(dev.limits) != 1 {
		t.Errorf("expected the loop to stop after the short write, %d limits left", len(dev.limits))
	}
	for i, b := range dev.written {
		if b != byte(i) {
			t.Fatalf("written[%d] = %d", i, b)
		}
	}
	if engine.txSeq.Peek() != byte(2548%256) {
		t.Errorf("next tx value = %d", engine.txSeq.Peek())
	}
}

func TestEngineWriteFollowsRead(t *testing.T) {
	clock := newFakeClock()
	dev := &scriptDevice{clock: clock}
	config := loopbackConfig(t, WithWriteFollowsRead())
	engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
	engine.begin()

	if interest, _ := engine.interest(); interest&InterestWrite != 0 {
		t.Error("write interest without backlog")
	}

	engine.stats.Read = 300
	engine.stats.Written = 100
	if interest, _ := engine.interest(); interest&InterestWrite == 0 {
		t.Error("no write interest with backlog")
	}

	engine.transmit()
	if engine.stats.Written != 300 {
		t.Errorf("written = %d, want 300", engine.stats.Written)
	}
}

func TestEngineInterestPacing(t *testing.T) {
	clock := newFakeClock()
	dev := &scriptDevice{clock: clock}
	config := loopbackConfig(t,
		WithRxDelay(100*time.Millisecond),
		WithTxDelay(300*time.Millisecond),
	)
	engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
	engine.begin()
	engine.lastRxAttempt = engine.now
	engine.lastTxAttempt = engine.now

	interest, timeout := engine.interest()
	if interest != 0 {
		t.Errorf("interest = %v, want none while pacing", interest)
	}
	if timeout != 100*time.Millisecond {
		t.Errorf("timeout = %v, want 100ms", timeout)
	}

	engine.now = engine.now.Add(150 * time.Millisecond)
	interest, timeout = engine.interest()
	if interest != InterestRead {
		t.Errorf("interest = %v, want read only", interest)
	}
	if timeout != 150*time.Millisecond {
		t.Errorf("timeout = %v, want 150ms", timeout)
	}
}

func TestEngineTxWait(t *testing.T) {
	tests := []struct {
		name     string
		wait     time.Duration
		txTime   time.Duration
		rxTime   time.Duration
		loopback bool // rx and tx cover the same window
	}{
		{"wait inside both limits", 500 * time.Millisecond, time.Second, time.Second, true},
		{"rx limit ends during the wait", 2 * time.Second, 3 * time.Second, 500 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			dev := newLoopbackDevice(clock, 115200, 10)
			config := loopbackConfig(t,
				WithTxWait(tt.wait),
				WithTxTime(tt.txTime),
				WithRxTime(tt.rxTime),
			)

			var firstWrite time.Time
			var sawWait bool
			observer := func(s Snapshot) {
				if s.State == StateWaitTxStart {
					sawWait = true
				}
				if firstWrite.IsZero() && s.Written > 0 {
					firstWrite = s.Now
				}
			}

			engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()), WithObserver(observer))
			start := clock.Now()
			if err := engine.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if !sawWait {
				t.Error("engine never reported WAIT_TX_START")
			}
			if firstWrite.IsZero() {
				t.Fatal("nothing was written")
			}
			if firstWrite.Sub(start) < tt.wait {
				t.Errorf("first write after %v, before the %v tx wait", firstWrite.Sub(start), tt.wait)
			}
			if !tt.loopback {
				return
			}

			snap := engine.Snapshot()
			if !snap.RxStart.Equal(start.Add(tt.wait)) {
				t.Errorf("rx start = %v, want tx start", snap.RxStart.Sub(start))
			}
			res := Evaluate(snap, config, BaudPlan{Requested: 115200, Rate: 115200})
			if res.ExitStatus != 0 {
				t.Errorf("exit status = %d (deviation %.3f%%)", res.ExitStatus, res.Deviation)
			}
		})
	}
}

func TestEngineIdleTimeout(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr error
		minTime time.Duration
	}{
		{
			name:    "warning only",
			opts:    []Option{WithRxTime(5 * time.Second)},
			minTime: 5 * time.Second,
		},
		{
			name:    "fatal",
			opts:    []Option{WithErrorOnTimeout()},
			wantErr: ErrIdleTimeout,
			minTime: 2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			dev := &scriptDevice{clock: clock}
			opts := append([]Option{WithDirections(true, false), WithRxTimeout(2 * time.Second)}, tt.opts...)
			config := loopbackConfig(t, opts...)

			engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()))
			start := clock.Now()
			err := engine.Run(context.Background())
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Fatalf("Run error = %v, want %v", err, tt.wantErr)
			}
			if elapsed := clock.Now().Sub(start); elapsed < tt.minTime {
				t.Errorf("run ended after %v, want at least %v", elapsed, tt.minTime)
			}
		})
	}
}

func TestEngineInterrupt(t *testing.T) {
	clock := newFakeClock()
	dev := newLoopbackDevice(clock, 115200, 10)
	config := loopbackConfig(t)
	interrupt := NewInterrupt(3)

	iterations := 0
	observer := func(Snapshot) {
		iterations++
		if iterations == 50 {
			interrupt.Trigger()
		}
	}

	engine := NewEngine(dev, config,
		WithClock(clock),
		WithLogger(quietLogger()),
		WithInterrupt(interrupt),
		WithObserver(observer),
	)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !engine.Interrupted() {
		t.Error("expected the run to be marked interrupted")
	}
	if iterations != 50 {
		t.Errorf("loop ran %d iterations after the interrupt", iterations-50)
	}
}

func TestEngineContextCancel(t *testing.T) {
	clock := newFakeClock()
	dev := newLoopbackDevice(clock, 115200, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(dev, loopbackConfig(t), WithClock(clock), WithLogger(quietLogger()))
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !engine.Interrupted() || engine.Snapshot().Written != 0 {
		t.Error("cancelled context should stop before any I/O")
	}
}

func TestEnginePeriodicStats(t *testing.T) {
	clock := newFakeClock()
	dev := newLoopbackDevice(clock, 9600, 10)
	dev.capacity = 256
	config := loopbackConfig(t,
		WithBaudRate(9600),
		WithTxTime(11*time.Second),
		WithRxTime(11*time.Second),
		WithStats(),
	)

	var out bytes.Buffer
	var hooks []time.Duration
	engine := NewEngine(dev, config,
		WithClock(clock),
		WithLogger(quietLogger()),
		WithReporter(NewReporter(&out)),
		WithStatsHook(func(s Snapshot) { hooks = append(hooks, s.Elapsed()) }),
	)
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(hooks) != 2 {
		t.Fatalf("stats hook called %d times, want 2: %v", len(hooks), hooks)
	}
	if hooks[0] < 5*time.Second || hooks[1] < 10*time.Second {
		t.Errorf("stats reported too early: %v", hooks)
	}
	if n := strings.Count(out.String(), "icount"); n != 2 {
		t.Errorf("expected 2 icount lines, got %d:\n%s", n, out.String())
	}
}

func TestEnginePeriodicStatsICountFailure(t *testing.T) {
	clock := newFakeClock()
	dev := &scriptDevice{clock: clock, icountErr: errors.New("not supported")}
	config := loopbackConfig(t,
		WithDirections(true, false),
		WithRxTime(6*time.Second),
		WithRxTimeout(0),
		WithStats(),
	)

	var out bytes.Buffer
	engine := NewEngine(dev, config, WithClock(clock), WithLogger(quietLogger()), WithReporter(NewReporter(&out)))
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "rx 0") {
		t.Errorf("missing periodic report:\n%s", out.String())
	}
	if strings.Contains(out.String(), "icount") {
		t.Error("icount printed although the query failed")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateWaitTxStart: "WAIT_TX_START",
		StateRunning:     "RUNNING",
		StateStopping:    "STOPPING",
		StateTerminated:  "TERMINATED",
		State(99):        "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %s, want %s", state, got, want)
		}
	}
}
