//go:build !linux

package serialtest

import (
	"fmt"
	"time"
)

// Port is unavailable outside Linux
type Port struct{}

// Open reports that serial devices are unsupported on this platform
func Open(config Config) (*Port, error) {
	return nil, fmt.Errorf("open %s: %w", config.Port, ErrUnsupported)
}

func (p *Port) Plan() BaudPlan { return BaudPlan{} }
func (p *Port) Close() error { return ErrUnsupported }
func (p *Port) Read(buf []byte) (int, error) { return 0, ErrUnsupported }
func (p *Port) Write(data []byte) (int, error) { return 0, ErrUnsupported }
func (p *Port) Wait(Interest, time.Duration) (Interest, error) { return 0, ErrUnsupported }
func (p *Port) InterruptCounts() (ICount, error) { return ICount{}, ErrUnsupported }
