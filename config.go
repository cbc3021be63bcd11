package serialtest

import (
	"fmt"
	"time"
)

// Parity represents the parity mode
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// String returns the single-letter parity notation used in "8N1" style labels
func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	case ParityMark:
		return "M"
	case ParitySpace:
		return "S"
	default:
		return "N"
	}
}

// ParseParity converts a parity name to its mode
func ParseParity(s string) (Parity, error) {
	switch s {
	case "", "none", "n", "N":
		return ParityNone, nil
	case "odd", "o", "O":
		return ParityOdd, nil
	case "even", "e", "E":
		return ParityEven, nil
	case "mark", "m", "M":
		return ParityMark, nil
	case "space", "s", "S":
		return ParitySpace, nil
	default:
		return ParityNone, fmt.Errorf("%w: unknown parity %q", ErrInvalidConfig, s)
	}
}

// FlowControl represents the flow control mode
type FlowControl int

const (
	FlowControlNone FlowControl = iota
	FlowControlRTSCTS
)

// RS485 holds the direction control settings. Delays are expressed in bit
// times and converted to the driver's millisecond unit at configuration time.
type RS485 struct {
	Enabled      bool
	DelayBefore  int
	DelayAfter   int
	RTSAfterSend bool // RTS polarity: asserted after send instead of on send
}

const (
	// DefaultBaudRate is used when no baud rate is requested
	DefaultBaudRate = 115200

	// DefaultTxBufferSize is the transmit buffer used in adaptive mode
	DefaultTxBufferSize = 1024

	// MaxTxChunk bounds a fixed write chunk
	MaxTxChunk = 64 * 1024
)

// Config is the session configuration. It is fixed once a run starts.
type Config struct {
	Port        string
	BaudRate    int // 0 selects DefaultBaudRate
	Divisor     int // explicit custom divisor, 0 when unused
	StopBits    int
	Parity      Parity
	FlowControl FlowControl
	RS485       RS485

	Loopback       bool
	NoModemControl bool // leave modem control lines (including loopback bit) untouched
	QuickClose     bool // suppress the driver's closing wait while the port is open

	RxEnabled bool
	TxEnabled bool

	RxDelay time.Duration
	TxDelay time.Duration
	TxWait  time.Duration
	TxTime  time.Duration
	RxTime  time.Duration

	RxTimeout      time.Duration
	TxTimeout      time.Duration
	ErrorOnTimeout bool
	StopOnError    bool

	ASCII            bool
	WriteFollowsRead bool
	TxChunk          int // 0 means adaptive

	RxDump     bool
	DetailedTx bool
	Stats      bool
	NoICount   bool

	ReadTimeoutTenths int // VTIME setting in tenths of seconds (0-255)
}

// Option is a functional option for configuring a test session
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaudRate:          0,
		StopBits:          1,
		Parity:            ParityNone,
		FlowControl:       FlowControlNone,
		RxEnabled:         true,
		TxEnabled:         true,
		RxTimeout:         10 * time.Second,
		TxTimeout:         10 * time.Second,
		ReadTimeoutTenths: 5,
	}
}

// NewConfig builds a validated configuration for the given port
func NewConfig(port string, opts ...Option) (Config, error) {
	config := DefaultConfig()
	config.Port = port
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return Config{}, err
		}
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks rules that span several fields
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalidConfig)
	}
	if !c.RxEnabled && !c.TxEnabled {
		return fmt.Errorf("%w: both rx and tx are disabled", ErrInvalidConfig)
	}
	if c.BaudRate < 0 || c.Divisor < 0 {
		return ErrInvalidBaudRate
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: stop bits must be 1 or 2", ErrInvalidConfig)
	}
	if c.TxChunk < 0 || c.TxChunk > MaxTxChunk {
		return fmt.Errorf("%w: tx chunk must be 0..%d", ErrInvalidConfig, MaxTxChunk)
	}
	if c.RS485.DelayBefore < 0 || c.RS485.DelayAfter < 0 {
		return fmt.Errorf("%w: RS-485 delays must not be negative", ErrInvalidConfig)
	}
	return nil
}

// RequestedBaud returns the requested rate with the default applied
func (c Config) RequestedBaud() int {
	if c.BaudRate == 0 {
		return DefaultBaudRate
	}
	return c.BaudRate
}

// Loopback verification compares tx and rx totals; one-way runs only count mismatches.
func (c Config) verifiesLoopback() bool {
	return c.RxEnabled && c.TxEnabled
}

func (c Config) paced() bool {
	return c.RxDelay > 0 || c.TxDelay > 0 || c.WriteFollowsRead
}

// WithBaudRate sets the requested baud rate. Non-standard rates are accepted
// here and resolved when the port is configured.
func WithBaudRate(rate int) Option {
	return func(c *Config) error {
		if rate < 0 {
			return ErrInvalidBaudRate
		}
		c.BaudRate = rate
		return nil
	}
}

// WithDivisor sets an explicit custom clock divisor
func WithDivisor(divisor int) Option {
	return func(c *Config) error {
		if divisor < 0 {
			return ErrInvalidBaudRate
		}
		c.Divisor = divisor
		return nil
	}
}

// WithStopBits sets the number of stop bits (1 or 2)
func WithStopBits(bits int) Option {
	return func(c *Config) error {
		if bits != 1 && bits != 2 {
			return ErrInvalidConfig
		}
		c.StopBits = bits
		return nil
	}
}

// WithParity sets the parity mode
func WithParity(parity Parity) Option {
	return func(c *Config) error {
		if parity < ParityNone || parity > ParitySpace {
			return ErrInvalidConfig
		}
		c.Parity = parity
		return nil
	}
}

// WithFlowControl sets the flow control mode
func WithFlowControl(fc FlowControl) Option {
	return func(c *Config) error {
		if fc != FlowControlNone && fc != FlowControlRTSCTS {
			return ErrInvalidConfig
		}
		c.FlowControl = fc
		return nil
	}
}

// WithRS485 enables RS-485 direction control
func WithRS485(delayBefore, delayAfter int, rtsAfterSend bool) Option {
	return func(c *Config) error {
		if delayBefore < 0 || delayAfter < 0 {
			return ErrInvalidConfig
		}
		c.RS485 = RS485{
			Enabled:      true,
			DelayBefore:  delayBefore,
			DelayAfter:   delayAfter,
			RTSAfterSend: rtsAfterSend,
		}
		return nil
	}
}

// WithLoopback enables the UART's internal loopback
func WithLoopback() Option {
	return func(c *Config) error {
		c.Loopback = true
		return nil
	}
}

// WithoutModemControl leaves the modem control lines untouched
func WithoutModemControl() Option {
	return func(c *Config) error {
		c.NoModemControl = true
		return nil
	}
}

// WithQuickClose suppresses the closing wait so close does not block on undrained output
func WithQuickClose() Option {
	return func(c *Config) error {
		c.QuickClose = true
		return nil
	}
}

// WithDirections enables or disables the receive and transmit sides
func WithDirections(rx, tx bool) Option {
	return func(c *Config) error {
		if !rx && !tx {
			return ErrInvalidConfig
		}
		c.RxEnabled = rx
		c.TxEnabled = tx
		return nil
	}
}

func nonNegative(d time.Duration, set func(time.Duration)) error {
	if d < 0 {
		return ErrInvalidConfig
	}
	set(d)
	return nil
}

// WithRxDelay sets the minimum interval between receive operations
func WithRxDelay(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.RxDelay = v }) }
}

// WithTxDelay sets the minimum interval between transmit operations
func WithTxDelay(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.TxDelay = v }) }
}

// WithTxWait delays the first transmission
func WithTxWait(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.TxWait = v }) }
}

// WithTxTime stops transmitting after d
func WithTxTime(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.TxTime = v }) }
}

// WithRxTime stops receiving after d
func WithRxTime(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.RxTime = v }) }
}

// WithRxTimeout sets the receive idle threshold (0 disables)
func WithRxTimeout(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.RxTimeout = v }) }
}

// WithTxTimeout sets the transmit idle threshold (0 disables)
func WithTxTimeout(d time.Duration) Option {
	return func(c *Config) error { return nonNegative(d, func(v time.Duration) { c.TxTimeout = v }) }
}

// WithErrorOnTimeout makes an idle timeout fatal
func WithErrorOnTimeout() Option {
	return func(c *Config) error {
		c.ErrorOnTimeout = true
		return nil
	}
}

// WithStopOnError makes the first sequence mismatch fatal
func WithStopOnError() Option {
	return func(c *Config) error {
		c.StopOnError = true
		return nil
	}
}

// WithASCII restricts the test pattern to printable characters
func WithASCII() Option {
	return func(c *Config) error {
		c.ASCII = true
		return nil
	}
}

// WithWriteFollowsRead paces output to the backlog of received bytes
func WithWriteFollowsRead() Option {
	return func(c *Config) error {
		c.WriteFollowsRead = true
		return nil
	}
}

// WithTxChunk sets a fixed write size (0 for adaptive)
func WithTxChunk(n int) Option {
	return func(c *Config) error {
		if n < 0 || n > MaxTxChunk {
			return ErrInvalidConfig
		}
		c.TxChunk = n
		return nil
	}
}

// WithRxDump dumps received data as hex
func WithRxDump() Option {
	return func(c *Config) error {
		c.RxDump = true
		return nil
	}
}

// WithDetailedTx reports the size of each transmit cycle
func WithDetailedTx() Option {
	return func(c *Config) error {
		c.DetailedTx = true
		return nil
	}
}

// WithStats enables the periodic statistics report
func WithStats() Option {
	return func(c *Config) error {
		c.Stats = true
		return nil
	}
}

// WithoutICount skips the driver interrupt counter query
func WithoutICount() Option {
	return func(c *Config) error {
		c.NoICount = true
		return nil
	}
}

// WithReadTimeout sets the read timeout in tenths of seconds (VTIME)
func WithReadTimeout(tenths int) Option {
	return func(c *Config) error {
		if tenths < 0 || tenths > 255 {
			return ErrInvalidConfig
		}
		c.ReadTimeoutTenths = tenths
		return nil
	}
}
