package serialtest

import (
	"fmt"
	"slices"
)

// BaudStrategy identifies how a requested baud rate is applied to the device
type BaudStrategy int

const (
	// StrategyStandard uses a symbolic termios speed constant
	StrategyStandard BaudStrategy = iota
	// StrategyDivisor programs a custom clock divisor on top of the nominal 38400 speed
	StrategyDivisor
	// StrategyRawSpeed writes the arbitrary rate directly (termios2 BOTHER)
	StrategyRawSpeed
)

func (s BaudStrategy) String() string {
	switch s {
	case StrategyStandard:
		return "standard"
	case StrategyDivisor:
		return "divisor"
	case StrategyRawSpeed:
		return "raw-speed"
	default:
		return "unknown"
	}
}

// baudTolerancePercent is the accepted deviation of an approximated divisor rate
const baudTolerancePercent = 2

// standardRates are the rates with a termios speed constant. The top end
// depends on the platform; Linux defines all of them.
var standardRates = []int{
	1200, 1800, 2400, 4800, 9600, 19200, 38400, 57600,
	115200, 230400, 460800, 500000, 576000, 921600,
	1000000, 1152000, 1500000, 2000000, 2500000,
	3000000, 3500000, 4000000,
}

// IsStandardBaud reports whether rate has a termios speed constant
func IsStandardBaud(rate int) bool {
	_, found := slices.BinarySearch(standardRates, rate)
	return found
}

// BaudRequest is the input of ResolveBaud
type BaudRequest struct {
	Rate      int  // requested rate, 0 selects DefaultBaudRate
	Divisor   int  // explicit divisor, 0 when unused
	BaseClock int  // UART base clock (baud_base), 0 when the driver does not report it
	RawSpeed  bool // whether an arbitrary-speed write is worth attempting
}

// BaudPlan describes how the line speed is configured
type BaudPlan struct {
	Strategy  BaudStrategy
	Requested int
	Rate      int // rate in effect once applied
	Divisor   int
	BaseClock int
	Explicit  bool // divisor came from the configuration rather than approximation
}

// Standard reports whether the requested rate is a standard rate
func (p BaudPlan) Standard() bool {
	return p.Strategy == StrategyStandard
}

// ResolveBaud picks a configuration strategy for the requested rate. It has
// no side effects; callers that find the driver rejecting a raw-speed plan
// resolve again with RawSpeed cleared to get the divisor approximation.
func ResolveBaud(req BaudRequest) (BaudPlan, error) {
	if req.Rate < 0 || req.Divisor < 0 {
		return BaudPlan{}, ErrInvalidBaudRate
	}

	if req.Divisor > 0 {
		if req.BaseClock <= 0 {
			return BaudPlan{}, fmt.Errorf("custom divisor %d: %w", req.Divisor, ErrSerialInfo)
		}
		rate := req.BaseClock / req.Divisor
		requested := req.Rate
		if requested == 0 {
			requested = rate
		}
		return BaudPlan{
			Strategy:  StrategyDivisor,
			Requested: requested,
			Rate:      rate,
			Divisor:   req.Divisor,
			BaseClock: req.BaseClock,
			Explicit:  true,
		}, nil
	}

	rate := req.Rate
	if rate == 0 {
		return BaudPlan{Strategy: StrategyStandard, Requested: DefaultBaudRate, Rate: DefaultBaudRate}, nil
	}

	if IsStandardBaud(rate) {
		return BaudPlan{Strategy: StrategyStandard, Requested: rate, Rate: rate}, nil
	}

	if req.RawSpeed {
		return BaudPlan{Strategy: StrategyRawSpeed, Requested: rate, Rate: rate}, nil
	}

	return approximateDivisor(rate, req.BaseClock)
}

// approximateDivisor rounds base/rate to the nearest divisor and rejects
// results outside the tolerance window.
func approximateDivisor(rate, base int) (BaudPlan, error) {
	if base <= 0 {
		return BaudPlan{}, fmt.Errorf("baud %d: %w", rate, ErrSerialInfo)
	}

	divisor := (base + rate/2) / rate
	if divisor < 1 {
		divisor = 1
	}
	closest := base / divisor

	low := int64(rate) * (100 - baudTolerancePercent) / 100
	high := int64(rate) * (100 + baudTolerancePercent) / 100
	if int64(closest) < low || int64(closest) > high {
		return BaudPlan{}, fmt.Errorf("cannot set speed to %d, closest is %d (base %d, divisor %d): %w",
			rate, closest, base, divisor, ErrBaudOutOfTolerance)
	}

	return BaudPlan{
		Strategy:  StrategyDivisor,
		Requested: rate,
		Rate:      closest,
		Divisor:   divisor,
		BaseClock: base,
	}, nil
}

// FrameBits returns the bits on the wire per character: start bit, 8 data
// bits, stop bits and an optional parity bit.
func FrameBits(stopBits int, parity Parity) int {
	bits := 1 + 8 + stopBits
	if parity != ParityNone {
		bits++
	}
	return bits
}
