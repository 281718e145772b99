package serial

import (
	"github.com/kstaniek/go-serimon/internal/logging"
	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

var (
	defaultGetPortsList         = bugst.GetPortsList
	defaultGetDetailedPortsList = enumerator.GetDetailedPortsList
)

// Hooks for tests.
var (
	getPortsList         = defaultGetPortsList
	getDetailedPortsList = defaultGetDetailedPortsList
)

// PortInfo describes one attached serial device.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// List returns the currently attached serial devices in OS enumeration
// order. Enumeration errors yield an empty slice.
func List() []string {
	ports, err := getPortsList()
	if err != nil {
		logging.L().Debug("serial_enumerate_error", "error", err)
		return []string{}
	}
	if ports == nil {
		return []string{}
	}
	return ports
}

// ListDetailed is List with USB metadata where the enumerator provides it.
// It falls back to bare names when detailed enumeration fails.
func ListDetailed() []PortInfo {
	details, err := getDetailedPortsList()
	if err != nil {
		logging.L().Debug("serial_enumerate_detailed_error", "error", err)
		names := List()
		out := make([]PortInfo, 0, len(names))
		for _, n := range names {
			out = append(out, PortInfo{Name: n})
		}
		return out
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		out = append(out, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return out
}
