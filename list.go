package serialtest

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var (
	devDir   = "/dev"
	sysfsDir = "/sys/class/tty"

	// UART backed device names
	portPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^ttyUSB\d+$`),
		regexp.MustCompile(`^ttyACM\d+$`),
		regexp.MustCompile(`^ttyS\d+$`),
		regexp.MustCompile(`^ttyAMA\d+$`),
		regexp.MustCompile(`^ttymxc\d+$`),
		regexp.MustCompile(`^ttyO\d+$`),
		regexp.MustCompile(`^ttySAC\d+$`),
		regexp.MustCompile(`^ttyTHS\d+$`),
	}
)

// ListPorts returns the UART device nodes found on the system, sorted
func ListPorts() ([]string, error) {
	ports, err := scanPorts(devDir)
	if err != nil {
		return nil, err
	}

	// the enumerator also sees drivers with names outside the patterns above
	extra, err := bugst.GetPortsList()
	if err != nil {
		log.WithError(err).Debug("port enumerator unavailable")
		return ports, nil
	}
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		seen[p] = true
	}
	for _, p := range extra {
		if !seen[p] && isCharacterDevice(p) {
			ports = append(ports, p)
			seen[p] = true
		}
	}
	sort.Strings(ports)
	return ports, nil
}

func scanPorts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, entry := range entries {
		if !matchesPort(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if isCharacterDevice(path) {
			ports = append(ports, path)
		}
	}
	sort.Strings(ports)
	return ports, nil
}

func matchesPort(name string) bool {
	for _, pattern := range portPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

func isCharacterDevice(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// PortInfo describes a serial device node
type PortInfo struct {
	Name         string
	Path         string
	Description  string
	Driver       string
	IsUSB        bool
	VendorID     string
	ProductID    string
	SerialNumber string
	Product      string
}

// GetPortInfo returns what is known about the device at portPath
func GetPortInfo(portPath string) (*PortInfo, error) {
	if !isCharacterDevice(portPath) {
		return nil, ErrDeviceNotFound
	}

	name := filepath.Base(portPath)
	info := &PortInfo{
		Name:        name,
		Path:        portPath,
		Description: getPortDescription(name),
		Driver:      readDriver(name),
	}

	if strings.HasPrefix(name, "ttyUSB") || strings.HasPrefix(name, "ttyACM") {
		enrichUSBInfo(info)
	}
	return info, nil
}

func getPortDescription(name string) string {
	switch {
	case strings.HasPrefix(name, "ttyUSB"):
		return "USB Serial Port"
	case strings.HasPrefix(name, "ttyACM"):
		return "USB CDC/ACM Device"
	case strings.HasPrefix(name, "ttyAMA"):
		return "ARM Serial Port"
	case strings.HasPrefix(name, "ttymxc"):
		return "i.MX Serial Port"
	case strings.HasPrefix(name, "ttySAC"):
		return "Samsung Serial Port"
	case strings.HasPrefix(name, "ttyTHS"):
		return "Tegra Serial Port"
	case strings.HasPrefix(name, "ttyO"):
		return "OMAP Serial Port"
	case strings.HasPrefix(name, "ttyS"):
		return "Standard Serial Port"
	default:
		return "Serial Port"
	}
}

// readDriver resolves the kernel driver bound to a tty from sysfs
func readDriver(name string) string {
	target, err := filepath.EvalSymlinks(filepath.Join(sysfsDir, name, "device", "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func enrichUSBInfo(info *PortInfo) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.WithError(err).WithField("port", info.Path).Debug("usb details unavailable")
		return
	}
	applyPortDetails(info, details)
}

func applyPortDetails(info *PortInfo, details []*enumerator.PortDetails) {
	for _, d := range details {
		if d == nil || (d.Name != info.Path && filepath.Base(d.Name) != info.Name) {
			continue
		}
		info.IsUSB = d.IsUSB
		info.VendorID = d.VID
		info.ProductID = d.PID
		info.SerialNumber = d.SerialNumber
		info.Product = d.Product
		return
	}
}
