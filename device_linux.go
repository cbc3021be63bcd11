package serialtest

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// serial_struct flags and closing wait value from <linux/serial.h>
const (
	asyncSpdHi            = 1 << 4
	asyncSpdVhi           = 1 << 5
	asyncSpdShi           = 1 << 12
	asyncSpdCust          = asyncSpdHi | asyncSpdVhi
	asyncSpdMask          = asyncSpdHi | asyncSpdVhi | asyncSpdShi
	asyncClosingWaitNone  = 65535
	tiocmLoop             = 0x8000 // <asm-generic/termios.h>, only exported by x/sys on ppc
	serRS485Enabled       = 1 << 0
	serRS485RTSOnSend     = 1 << 1
	serRS485RTSAfterSend  = 1 << 2
	serRS485RxDuringTx    = 1 << 4
	nominalDivisorSpeed   = unix.B38400
	maxPollTimeoutMillis  = 1 << 30
	defaultVMINCharacters = 0
)

// serialStruct mirrors the kernel's struct serial_struct (TIOCGSERIAL)
type serialStruct struct {
	Type          int32
	Line          int32
	Port          uint32
	Irq           int32
	Flags         int32
	XmitFifoSize  int32
	CustomDivisor int32
	BaudBase      int32
	CloseDelay    uint16
	IoType        int8
	ReservedChar  int8
	Hub6          int32
	ClosingWait   uint16
	ClosingWait2  uint16
	IomemBase     uintptr
	IomemRegShift uint16
	PortHigh      uint32
	IomapBase     uintptr
}

// serialRS485 mirrors the kernel's struct serial_rs485 (TIOCGRS485)
type serialRS485 struct {
	Flags              uint32
	DelayRTSBeforeSend uint32
	DelayRTSAfterSend  uint32
	Padding            [5]uint32
}

// serialICounter mirrors the kernel's struct serial_icounter_struct (TIOCGICOUNT)
type serialICounter struct {
	CTS, DSR, RNG, DCD int32
	Rx, Tx             int32
	Frame, Overrun     int32
	Parity, Brk        int32
	BufOverrun         int32
	Reserved           [9]int32
}

// Port is an open, exclusively locked and configured serial device
type Port struct {
	mu     sync.RWMutex
	fd     int
	config Config
	plan   BaudPlan
	closed bool

	// closing wait saved when QuickClose suppressed it
	savedClosingWait uint16
	closingWaitSaved bool
}

var _ Device = (*Port)(nil)

// getBaudRate converts a standard baud rate to the unix constant
func getBaudRate(rate int) (uint32, error) {
	switch rate {
	case 1200:
		return unix.B1200, nil
	case 1800:
		return unix.B1800, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	case 460800:
		return unix.B460800, nil
	case 500000:
		return unix.B500000, nil
	case 576000:
		return unix.B576000, nil
	case 921600:
		return unix.B921600, nil
	case 1000000:
		return unix.B1000000, nil
	case 1152000:
		return unix.B1152000, nil
	case 1500000:
		return unix.B1500000, nil
	case 2000000:
		return unix.B2000000, nil
	case 2500000:
		return unix.B2500000, nil
	case 3000000:
		return unix.B3000000, nil
	case 3500000:
		return unix.B3500000, nil
	case 4000000:
		return unix.B4000000, nil
	default:
		return 0, ErrInvalidBaudRate
	}
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func getSerialInfo(fd int) (serialStruct, error) {
	var ss serialStruct
	if err := ioctlPtr(fd, unix.TIOCGSERIAL, unsafe.Pointer(&ss)); err != nil {
		return ss, fmt.Errorf("TIOCGSERIAL: %w", err)
	}
	return ss, nil
}

func setSerialInfo(fd int, ss *serialStruct) error {
	if err := ioctlPtr(fd, unix.TIOCSSERIAL, unsafe.Pointer(ss)); err != nil {
		return fmt.Errorf("TIOCSSERIAL: %w", err)
	}
	return nil
}

// setModemBits sets or clears modem control bits
func setModemBits(fd int, bits int, state bool) error {
	if state {
		return unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bits)
	}
	return unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, bits)
}

// Open opens, locks and configures the serial device named in config
func Open(config Config) (*Port, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	fd, err := unix.Open(config.Port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO):
			return nil, fmt.Errorf("failed to open %s: %w", config.Port, ErrDeviceNotFound)
		case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
			return nil, fmt.Errorf("failed to open %s: %w", config.Port, ErrPermissionDenied)
		case errors.Is(err, unix.EBUSY):
			return nil, fmt.Errorf("failed to open %s: %w", config.Port, ErrDeviceInUse)
		}
		return nil, fmt.Errorf("failed to open %s: %w", config.Port, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("failed to lock %s: %w", config.Port, ErrDeviceInUse)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", config.Port, err)
	}

	p := &Port{fd: fd, config: config}
	if err := p.configure(); err != nil {
		p.release()
		return nil, err
	}

	return p, nil
}

// Plan returns the baud configuration in effect
func (p *Port) Plan() BaudPlan {
	return p.plan
}

func (p *Port) configure() error {
	logger := log.WithField("port", p.config.Port)

	termios, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %w", err)
	}

	plan, speed, err := p.resolveSpeed()
	if err != nil {
		return err
	}
	applyLineSettings(termios, p.config, speed)

	// now clean the input line and activate the settings for the port
	if err := unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		logger.WithError(err).Debug("input flush failed")
	}
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios: %w", err)
	}

	if plan, err = p.applySpeed(plan); err != nil {
		return err
	}
	p.plan = plan
	logger.WithFields(log.Fields{
		"requested": plan.Requested,
		"rate":      plan.Rate,
		"strategy":  plan.Strategy,
		"divisor":   plan.Divisor,
	}).Debug("line speed configured")

	if err := p.configureRS485(); err != nil {
		return err
	}

	if !p.config.NoModemControl {
		if err := setModemBits(p.fd, tiocmLoop, p.config.Loopback); err != nil {
			if p.config.Loopback {
				return fmt.Errorf("failed to enable loopback: %w", err)
			}
			logger.WithError(err).Debug("clearing loopback bit failed")
		}
		// For RTS/CTS flow control, ensure RTS is asserted to signal readiness
		if p.config.FlowControl == FlowControlRTSCTS {
			if err := setModemBits(p.fd, unix.TIOCM_RTS, true); err != nil {
				logger.WithError(err).Debug("asserting RTS failed")
			}
		}
	}

	if p.config.QuickClose {
		p.suppressClosingWait()
	}

	return nil
}

// resolveSpeed picks the baud strategy and the termios speed constant to start from
func (p *Port) resolveSpeed() (BaudPlan, uint32, error) {
	req := BaudRequest{
		Rate:     p.config.BaudRate,
		Divisor:  p.config.Divisor,
		RawSpeed: true,
	}
	if ss, err := getSerialInfo(p.fd); err == nil {
		req.BaseClock = int(ss.BaudBase)
	}

	plan, err := ResolveBaud(req)
	if err != nil {
		return BaudPlan{}, 0, err
	}

	if plan.Strategy == StrategyStandard {
		speed, err := getBaudRate(plan.Rate)
		if err != nil {
			return BaudPlan{}, 0, err
		}
		return plan, speed, nil
	}
	return plan, nominalDivisorSpeed, nil
}

// applySpeed performs the side effects of a baud plan after the line
// settings are active. A rejected raw-speed write falls back to the divisor
// approximation.
func (p *Port) applySpeed(plan BaudPlan) (BaudPlan, error) {
	logger := log.WithField("port", p.config.Port)

	switch plan.Strategy {
	case StrategyStandard:
		p.clearCustomSpeed()
		return plan, nil

	case StrategyRawSpeed:
		err := setRawSpeed(p.fd, uint32(plan.Rate))
		if err == nil {
			p.clearCustomSpeed()
			return plan, nil
		}
		logger.WithError(err).Info("non standard baud rate, trying custom divisor")

		base := 0
		if ss, infoErr := getSerialInfo(p.fd); infoErr == nil {
			base = int(ss.BaudBase)
		}
		fallback, resolveErr := ResolveBaud(BaudRequest{Rate: plan.Requested, BaseClock: base})
		if resolveErr != nil {
			return BaudPlan{}, fmt.Errorf("%w: %w", ErrRawSpeedRejected, resolveErr)
		}
		plan = fallback
		// the failed TCSETS2 may have left BOTHER behind
		if err := setStandardSpeed(p.fd, nominalDivisorSpeed); err != nil {
			return BaudPlan{}, err
		}
		fallthrough

	case StrategyDivisor:
		if err := setCustomDivisor(p.fd, plan.Divisor); err != nil {
			return BaudPlan{}, err
		}
		logger.WithFields(log.Fields{
			"closest": plan.Rate,
			"base":    plan.BaseClock,
			"divisor": plan.Divisor,
		}).Info("custom divisor applied")
		return plan, nil
	}

	return BaudPlan{}, ErrInvalidBaudRate
}

// applyLineSettings configures raw 8-bit mode with the requested framing
func applyLineSettings(termios *unix.Termios, config Config, speed uint32) {
	termios.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Iflag = 0 // No input processing
	termios.Oflag = 0 // No output processing
	termios.Lflag = 0 // No line processing (raw mode)

	termios.Cc[unix.VMIN] = defaultVMINCharacters
	termios.Cc[unix.VTIME] = uint8(config.ReadTimeoutTenths)

	termios.Cflag = (termios.Cflag &^ unix.CBAUD) | speed
	termios.Ispeed = speed
	termios.Ospeed = speed

	if config.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}

	switch config.Parity {
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
	case ParityMark:
		termios.Cflag |= unix.PARENB | unix.PARODD | unix.CMSPAR
	case ParitySpace:
		termios.Cflag |= unix.PARENB | unix.CMSPAR
	}

	if config.FlowControl == FlowControlRTSCTS {
		termios.Cflag |= unix.CRTSCTS
	}
}

func setStandardSpeed(fd int, speed uint32) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %w", err)
	}
	termios.Cflag = (termios.Cflag &^ unix.CBAUD) | speed
	termios.Ispeed = speed
	termios.Ospeed = speed
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios speed: %w", err)
	}
	return nil
}

// setRawSpeed sets an arbitrary rate with termios2 BOTHER
func setRawSpeed(fd int, speed uint32) error {
	settings, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("TCGETS2: %w", err)
	}
	settings.Cflag &^= unix.CBAUD
	settings.Cflag |= unix.BOTHER
	settings.Ispeed = speed
	settings.Ospeed = speed
	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, settings); err != nil {
		return fmt.Errorf("TCSETS2: %w", err)
	}
	return nil
}

func setCustomDivisor(fd int, divisor int) error {
	ss, err := getSerialInfo(fd)
	if err != nil {
		return err
	}
	ss.Flags = (ss.Flags &^ asyncSpdMask) | asyncSpdCust
	ss.CustomDivisor = int32(divisor)
	return setSerialInfo(fd, &ss)
}

// clearCustomSpeed drops a custom-speed flag a previous run may have left
func (p *Port) clearCustomSpeed() {
	ss, err := getSerialInfo(p.fd)
	if err != nil {
		log.WithField("port", p.config.Port).WithError(err).Debug("cannot check custom speed flag")
		return
	}
	if ss.Flags&asyncSpdMask == 0 {
		return
	}
	ss.Flags &^= asyncSpdMask
	ss.CustomDivisor = 0
	if err := setSerialInfo(p.fd, &ss); err != nil {
		log.WithField("port", p.config.Port).WithError(err).Warn("failed to clear custom speed flag")
	}
}

// rs485Flags computes the kernel flags for the requested direction control
func rs485Flags(cfg RS485, current uint32) uint32 {
	if !cfg.Enabled {
		return current &^ serRS485Enabled
	}
	flags := current | serRS485Enabled | serRS485RxDuringTx
	if cfg.RTSAfterSend {
		flags |= serRS485RTSAfterSend
		flags &^= serRS485RTSOnSend
	} else {
		flags |= serRS485RTSOnSend
		flags &^= serRS485RTSAfterSend
	}
	return flags
}

// bitTimesToMillis converts a delay in bit times to the driver's millisecond unit, rounding up
func bitTimesToMillis(bits, rate int) uint32 {
	if bits <= 0 || rate <= 0 {
		return 0
	}
	return uint32((int64(bits)*1000 + int64(rate) - 1) / int64(rate))
}

func (p *Port) configureRS485() error {
	logger := log.WithField("port", p.config.Port)
	cfg := p.config.RS485

	var rs485 serialRS485
	if err := ioctlPtr(p.fd, unix.TIOCGRS485, unsafe.Pointer(&rs485)); err != nil {
		if cfg.Enabled {
			return fmt.Errorf("%w: %w", ErrRS485Unsupported, err)
		}
		logger.WithError(err).Debug("RS-485 probe failed")
		return nil
	}

	if !cfg.Enabled && rs485.Flags&serRS485Enabled == 0 {
		return nil
	}

	rs485.Flags = rs485Flags(cfg, rs485.Flags)
	if cfg.Enabled {
		rs485.DelayRTSBeforeSend = bitTimesToMillis(cfg.DelayBefore, p.plan.Rate)
		rs485.DelayRTSAfterSend = bitTimesToMillis(cfg.DelayAfter, p.plan.Rate)
	}

	if err := ioctlPtr(p.fd, unix.TIOCSRS485, unsafe.Pointer(&rs485)); err != nil {
		if cfg.Enabled {
			return fmt.Errorf("failed to enable RS-485: %w", err)
		}
		logger.WithError(err).Warn("failed to disable RS-485 left over from a previous run")
		return nil
	}

	if cfg.Enabled {
		logger.WithFields(log.Fields{
			"before_ms": rs485.DelayRTSBeforeSend,
			"after_ms":  rs485.DelayRTSAfterSend,
		}).Info("RS-485 direction control enabled")
	}
	return nil
}

func (p *Port) suppressClosingWait() {
	ss, err := getSerialInfo(p.fd)
	if err != nil {
		log.WithField("port", p.config.Port).WithError(err).Debug("cannot suppress closing wait")
		return
	}
	p.savedClosingWait = ss.ClosingWait
	p.closingWaitSaved = true
	ss.ClosingWait = asyncClosingWaitNone
	if err := setSerialInfo(p.fd, &ss); err != nil {
		p.closingWaitSaved = false
		log.WithField("port", p.config.Port).WithError(err).Debug("cannot suppress closing wait")
	}
}

// restoreClosingWait discards pending output and re-enables the closing wait
func (p *Port) restoreClosingWait() {
	if !p.closingWaitSaved {
		return
	}
	unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCOFLUSH)
	ss, err := getSerialInfo(p.fd)
	if err == nil {
		ss.ClosingWait = p.savedClosingWait
		err = setSerialInfo(p.fd, &ss)
	}
	if err != nil {
		log.WithField("port", p.config.Port).WithError(err).Warn("failed to restore closing wait")
	}
}

// release unlocks and closes the descriptor
func (p *Port) release() error {
	p.restoreClosingWait()
	unix.Flock(p.fd, unix.LOCK_UN)
	return unix.Close(p.fd)
}

// Close unlocks and closes the serial port
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}

	err := p.release()
	p.closed = true
	return err
}

// Read reads whatever is available without blocking
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	n, err := unix.Read(p.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// Write writes as much of data as the driver accepts without blocking
func (p *Port) Write(data []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	n, err := unix.Write(p.fd, data)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func pollEvents(interest Interest) int16 {
	var events int16
	if interest&InterestRead != 0 {
		events |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func readyFromEvents(revents int16) Interest {
	var ready Interest
	if revents&unix.POLLIN != 0 {
		ready |= InterestRead
	}
	if revents&unix.POLLOUT != 0 {
		ready |= InterestWrite
	}
	return ready
}

// Wait polls the port for the requested interests
func (p *Port) Wait(interest Interest, timeout time.Duration) (Interest, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrPortClosed
	}
	fd := p.fd
	p.mu.RUnlock()

	ms := (timeout + time.Millisecond - 1).Milliseconds()
	if ms > maxPollTimeoutMillis {
		ms = maxPollTimeoutMillis
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: pollEvents(interest)}}
	n, err := unix.Poll(fds, int(ms))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("poll: device error (revents %#x): %w", fds[0].Revents, unix.EIO)
	}
	return readyFromEvents(fds[0].Revents), nil
}

// InterruptCounts queries the driver's interrupt counters
func (p *Port) InterruptCounts() (ICount, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ICount{}, ErrPortClosed
	}

	var ic serialICounter
	if err := ioctlPtr(p.fd, unix.TIOCGICOUNT, unsafe.Pointer(&ic)); err != nil {
		return ICount{}, fmt.Errorf("TIOCGICOUNT: %w", err)
	}
	return ICount{
		CTS: ic.CTS, DSR: ic.DSR, RNG: ic.RNG, DCD: ic.DCD,
		Rx: ic.Rx, Tx: ic.Tx,
		Frame: ic.Frame, Overrun: ic.Overrun,
		Parity: ic.Parity, Brk: ic.Brk,
		BufOverrun: ic.BufOverrun,
	}, nil
}
