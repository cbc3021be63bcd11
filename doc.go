// Package serialtest exercises UART backed serial ports on Linux with a
// duplex self-test: an incrementing byte sequence is transmitted while the
// received bytes are verified against the same sequence.
//
// # Basic Usage
//
// Run a ten second loopback test at a non-standard rate:
//
//	config, err := serialtest.NewConfig("/dev/ttyS0",
//	    serialtest.WithBaudRate(250000),
//	    serialtest.WithLoopback(),
//	    serialtest.WithTxTime(10*time.Second),
//	    serialtest.WithRxTime(10*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, code := serialtest.Run(ctx, config)
//	os.Exit(code)
//
// # Baud Rates
//
// Standard rates (1200 to 4000000) map to termios speed constants. Other
// rates are first set as an arbitrary speed (termios2 BOTHER); if the driver
// rejects that, a custom clock divisor is derived from the UART base clock and
// accepted when the achievable rate is within 2% of the request. An explicit
// divisor bypasses both and is applied as given.
//
//	plan, err := serialtest.ResolveBaud(serialtest.BaudRequest{
//	    Rate:      250000,
//	    BaseClock: 1500000,
//	})
//	// plan.Strategy == StrategyDivisor, plan.Divisor == 6
//
// # Engine
//
// The Engine drives a single-threaded poll loop over a Device. Open returns a
// Port implementing Device for real hardware; tests and simulations can run
// the engine against any other implementation.
//
//	engine := serialtest.NewEngine(port, config,
//	    serialtest.WithReporter(serialtest.NewReporter(os.Stdout)),
//	)
//	err := engine.Run(ctx)
//	result := serialtest.Evaluate(engine.Snapshot(), config, port.Plan())
//
// # Exit Status
//
// A run exits 0 when no bytes were lost or corrupted, with the combined error
// count capped at 125 otherwise, 126 when the measured baud rate deviates by
// 1% or more, and with a negated errno when setup failed (see ExitCode).
//
// # Port Discovery
//
//	ports, err := serialtest.ListPorts()
//	for _, portPath := range ports {
//	    info, _ := serialtest.GetPortInfo(portPath)
//	    fmt.Printf("%s: %s (driver %s)\n", info.Path, info.Description, info.Driver)
//	}
package serialtest
