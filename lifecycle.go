package serialtest

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// DefaultInterruptLimit is how many unanswered interrupts force an exit
const DefaultInterruptLimit = 3

// Interrupt is the process-wide stop flag. Signal delivery only increments
// the counter; the engine polls it once per loop iteration.
type Interrupt struct {
	count atomic.Int32
	limit int32
	force func(code int)

	mu       sync.Mutex
	cleanups []func()
}

// NewInterrupt creates a flag that calls os.Exit once limit interrupts are
// pending without the loop having stopped
func NewInterrupt(limit int) *Interrupt {
	if limit <= 0 {
		limit = DefaultInterruptLimit
	}
	return &Interrupt{limit: int32(limit), force: os.Exit}
}

// SetForce replaces the forced exit fallback
func (i *Interrupt) SetForce(fn func(code int)) {
	i.force = fn
}

// OnForce registers a best-effort cleanup run before a forced exit, such as
// restoring device settings that a normal close would restore
func (i *Interrupt) OnForce(fn func()) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cleanups = append(i.cleanups, fn)
}

// Trigger records one interrupt
func (i *Interrupt) Trigger() {
	if i == nil {
		return
	}
	if n := i.count.Add(1); n > i.limit && i.force != nil {
		i.mu.Lock()
		cleanups := i.cleanups
		i.cleanups = nil
		i.mu.Unlock()
		for _, fn := range cleanups {
			fn()
		}
		i.force(ExitCode(ErrInterrupted))
	}
}

// Pending reports whether an interrupt was recorded
func (i *Interrupt) Pending() bool {
	return i != nil && i.count.Load() > 0
}

// Count returns the number of recorded interrupts
func (i *Interrupt) Count() int {
	if i == nil {
		return 0
	}
	return int(i.count.Load())
}

// Watch triggers the flag on SIGINT and SIGTERM until the returned stop
// function is called
func (i *Interrupt) Watch() (stop func()) {
	sigs := make(chan os.Signal, 4)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case <-sigs:
				i.Trigger()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}

// Conn is an opened device as used by Run
type Conn interface {
	Device
	Plan() BaudPlan
	Close() error
}

// Opener acquires a device for a configuration
type Opener func(Config) (Conn, error)

type runOptions struct {
	opener     Opener
	out        io.Writer
	logger     *log.Entry
	interrupt  *Interrupt
	engineOpts []EngineOption
	onResult   []func(Result)
}

// RunOption configures Run
type RunOption func(*runOptions)

// WithOpener replaces the device opener
func WithOpener(o Opener) RunOption {
	return func(r *runOptions) { r.opener = o }
}

// WithOutput sets where reports are written
func WithOutput(w io.Writer) RunOption {
	return func(r *runOptions) { r.out = w }
}

// WithRunLogger sets the diagnostics logger for the run
func WithRunLogger(l *log.Entry) RunOption {
	return func(r *runOptions) { r.logger = l }
}

// WithRunInterrupt shares an interrupt flag with the caller
func WithRunInterrupt(i *Interrupt) RunOption {
	return func(r *runOptions) { r.interrupt = i }
}

// WithEngineOptions passes options through to the engine
func WithEngineOptions(opts ...EngineOption) RunOption {
	return func(r *runOptions) { r.engineOpts = append(r.engineOpts, opts...) }
}

// WithResultHook registers a callback invoked with the final result
func WithResultHook(fn func(Result)) RunOption {
	return func(r *runOptions) { r.onResult = append(r.onResult, fn) }
}

func openPort(config Config) (Conn, error) {
	return Open(config)
}

// Run opens the device, runs the self-test and prints the final report. It
// returns the evaluated result and the process exit status. The device is
// released exactly once on every path.
func Run(ctx context.Context, config Config, opts ...RunOption) (Result, int) {
	o := runOptions{
		opener: openPort,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("port", config.Port)
	}
	if o.interrupt == nil {
		o.interrupt = NewInterrupt(DefaultInterruptLimit)
	}
	reporter := NewReporter(o.out)

	if err := config.Validate(); err != nil {
		status := ExitCode(err)
		o.logger.WithError(err).Error("invalid configuration")
		reporter.Fatal(err, status)
		return Result{ExitStatus: status}, status
	}

	conn, err := o.opener(config)
	if err != nil {
		status := ExitCode(err)
		o.logger.WithError(err).Error("open failed")
		reporter.Fatal(err, status)
		return Result{ExitStatus: status}, status
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := conn.Close(); err != nil {
				o.logger.WithError(err).Warn("close failed")
			}
		})
	}
	defer cleanup()
	o.interrupt.OnForce(cleanup)

	plan := conn.Plan()
	o.logger.WithFields(log.Fields{
		"baud":     plan.Rate,
		"strategy": plan.Strategy,
		"divisor":  plan.Divisor,
	}).Info("port configured")

	engineOpts := append([]EngineOption{
		WithLogger(o.logger),
		WithReporter(reporter),
		WithInterrupt(o.interrupt),
	}, o.engineOpts...)
	engine := NewEngine(conn, config, engineOpts...)
	runErr := engine.Run(ctx)
	cleanup()

	res := Evaluate(engine.Snapshot(), config, plan)
	res.Interrupted = engine.Interrupted()
	if runErr != nil {
		res.ExitStatus = ExitCode(runErr)
		o.logger.WithError(runErr).Error("run aborted")
	}
	reporter.Final(res)
	for _, fn := range o.onResult {
		fn(res)
	}
	return res, res.ExitStatus
}
