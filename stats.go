package serialtest

import (
	"math"
	"time"
)

const (
	// MaxReportableErrors caps the error count used as exit status
	MaxReportableErrors = 125

	// ExitBaudDeviation is the exit status when the estimated baud rate is off
	// by baudDeviationPercent or more, whatever the byte error count
	ExitBaudDeviation = MaxReportableErrors + 1

	baudDeviationPercent = 1.0
)

// Stats are the run's monotonic counters
type Stats struct {
	Written uint64
	Read    uint64
	Errors  uint64
}

// Snapshot is a point-in-time view of the engine
type Snapshot struct {
	Stats
	State     State
	RxActive  bool
	TxActive  bool
	Start     time.Time
	RxStart   time.Time
	LastRead  time.Time
	LastWrite time.Time
	Now       time.Time
}

// Elapsed is the time since the run started
func (s Snapshot) Elapsed() time.Duration {
	return s.Now.Sub(s.Start)
}

// RxDuration is the receive window used for the baud estimate
func (s Snapshot) RxDuration() time.Duration {
	if s.Read == 0 || s.LastRead.Before(s.RxStart) {
		return 0
	}
	return s.LastRead.Sub(s.RxStart)
}

// Result is the evaluated outcome of a run
type Result struct {
	Stats
	Plan          BaudPlan
	FrameBits     int
	Elapsed       time.Duration
	RxDuration    time.Duration
	EstimatedBaud float64 // 0 when nothing was received
	Deviation     float64 // percent versus the configured rate
	BaudDeviates  bool
	ErrorCount    uint64 // combined error count before capping
	ExitStatus    int
	Interrupted   bool
}

// EstimateBaud derives the line rate from received bytes over d
func EstimateBaud(readBytes uint64, frameBits int, d time.Duration) float64 {
	if readBytes == 0 || d <= 0 {
		return 0
	}
	return float64(readBytes) * float64(frameBits) / d.Seconds()
}

// Evaluate computes the derived metrics and exit status of a run
func Evaluate(snap Snapshot, config Config, plan BaudPlan) Result {
	res := Result{
		Stats:      snap.Stats,
		Plan:       plan,
		FrameBits:  FrameBits(config.StopBits, config.Parity),
		Elapsed:    snap.Elapsed(),
		RxDuration: snap.RxDuration(),
	}

	res.ErrorCount = snap.Errors
	if config.verifiesLoopback() {
		if snap.Written > snap.Read {
			res.ErrorCount += snap.Written - snap.Read
		} else {
			res.ErrorCount += snap.Read - snap.Written
		}
	}

	if config.RxEnabled {
		res.EstimatedBaud = EstimateBaud(snap.Read, res.FrameBits, res.RxDuration)
	}
	reference := plan.Rate
	if reference <= 0 {
		reference = config.RequestedBaud()
	}
	if res.EstimatedBaud > 0 {
		res.Deviation = math.Abs(res.EstimatedBaud-float64(reference)) * 100 / float64(reference)
		res.BaudDeviates = res.Deviation >= baudDeviationPercent
	}

	// paced runs cannot reach line rate, so their estimate is informational
	res.ExitStatus = ExitStatus(res.ErrorCount, res.BaudDeviates && !config.paced())
	return res
}

// ExitStatus caps the error count and flags a baud deviation
func ExitStatus(errorCount uint64, baudDeviates bool) int {
	if baudDeviates {
		return ExitBaudDeviation
	}
	if errorCount > MaxReportableErrors {
		return MaxReportableErrors
	}
	return int(errorCount)
}
