package serialtest

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.RequestedBaud() != 115200 {
		t.Errorf("Expected requested baud 115200, got %d", config.RequestedBaud())
	}
	if config.StopBits != 1 {
		t.Errorf("Expected StopBits 1, got %d", config.StopBits)
	}
	if config.Parity != ParityNone {
		t.Errorf("Expected Parity None, got %v", config.Parity)
	}
	if !config.RxEnabled || !config.TxEnabled {
		t.Error("Expected both directions enabled")
	}
	if config.RxTimeout != 10*time.Second || config.TxTimeout != 10*time.Second {
		t.Errorf("Unexpected timeouts %v/%v", config.RxTimeout, config.TxTimeout)
	}
	if config.ReadTimeoutTenths != 5 {
		t.Errorf("Expected VTIME 5, got %d", config.ReadTimeoutTenths)
	}
}

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name    string
		port    string
		opts    []Option
		wantErr error
	}{
		{"defaults", "/dev/ttyS0", nil, nil},
		{"missing port", "", nil, ErrInvalidConfig},
		{"negative baud", "/dev/ttyS0", []Option{WithBaudRate(-1)}, ErrInvalidBaudRate},
		{"negative divisor", "/dev/ttyS0", []Option{WithDivisor(-3)}, ErrInvalidBaudRate},
		{"three stop bits", "/dev/ttyS0", []Option{WithStopBits(3)}, ErrInvalidConfig},
		{"no directions", "/dev/ttyS0", []Option{WithDirections(false, false)}, ErrInvalidConfig},
		{"rx only", "/dev/ttyS0", []Option{WithDirections(true, false)}, nil},
		{"chunk too large", "/dev/ttyS0", []Option{WithTxChunk(MaxTxChunk + 1)}, ErrInvalidConfig},
		{"negative rs485 delay", "/dev/ttyS0", []Option{WithRS485(-1, 0, false)}, ErrInvalidConfig},
		{"negative tx time", "/dev/ttyS0", []Option{WithTxTime(-time.Second)}, ErrInvalidConfig},
		{"bad parity", "/dev/ttyS0", []Option{WithParity(Parity(9))}, ErrInvalidConfig},
		{"bad flow control", "/dev/ttyS0", []Option{WithFlowControl(FlowControl(7))}, ErrInvalidConfig},
		{"vtime out of range", "/dev/ttyS0", []Option{WithReadTimeout(256)}, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.port, tt.opts...)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFunctionalOptions(t *testing.T) {
	config, err := NewConfig("/dev/ttyUSB0",
		WithBaudRate(250000),
		WithDivisor(6),
		WithStopBits(2),
		WithParity(ParityMark),
		WithFlowControl(FlowControlRTSCTS),
		WithRS485(2, 3, true),
		WithLoopback(),
		WithQuickClose(),
		WithRxDelay(10*time.Millisecond),
		WithTxDelay(20*time.Millisecond),
		WithTxWait(time.Second),
		WithTxTime(5*time.Second),
		WithRxTime(6*time.Second),
		WithErrorOnTimeout(),
		WithStopOnError(),
		WithASCII(),
		WithTxChunk(64),
		WithStats(),
		WithoutICount(),
	)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	if config.BaudRate != 250000 || config.Divisor != 6 {
		t.Errorf("baud/divisor = %d/%d", config.BaudRate, config.Divisor)
	}
	if config.StopBits != 2 || config.Parity != ParityMark || config.FlowControl != FlowControlRTSCTS {
		t.Errorf("line settings = %d %v %v", config.StopBits, config.Parity, config.FlowControl)
	}
	want485 := RS485{Enabled: true, DelayBefore: 2, DelayAfter: 3, RTSAfterSend: true}
	if config.RS485 != want485 {
		t.Errorf("RS485 = %+v, want %+v", config.RS485, want485)
	}
	if !config.Loopback || !config.QuickClose || !config.ErrorOnTimeout || !config.StopOnError {
		t.Error("expected boolean options to be set")
	}
	if config.TxWait != time.Second || config.TxTime != 5*time.Second || config.RxTime != 6*time.Second {
		t.Errorf("unexpected times %v %v %v", config.TxWait, config.TxTime, config.RxTime)
	}
	if !config.ASCII || config.TxChunk != 64 || !config.Stats || !config.NoICount {
		t.Error("expected pattern and report options to be set")
	}
	if !config.paced() {
		t.Error("rx/tx delays should mark the run as paced")
	}
}

func TestParseParity(t *testing.T) {
	tests := []struct {
		in      string
		want    Parity
		wantErr bool
	}{
		{"", ParityNone, false},
		{"none", ParityNone, false},
		{"odd", ParityOdd, false},
		{"E", ParityEven, false},
		{"mark", ParityMark, false},
		{"s", ParitySpace, false},
		{"weird", ParityNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseParity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseParity(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseParity(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestVerifiesLoopback(t *testing.T) {
	both := DefaultConfig()
	if !both.verifiesLoopback() {
		t.Error("rx+tx should verify loopback")
	}

	rxOnly := DefaultConfig()
	rxOnly.TxEnabled = false
	if rxOnly.verifiesLoopback() {
		t.Error("rx only should not verify loopback")
	}
}
