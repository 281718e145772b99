package serial

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// Driver names accepted in Config.Driver.
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// DefaultReadTimeout bounds a single read when Config.ReadTimeout is zero.
const DefaultReadTimeout = 50 * time.Millisecond

// StandardBauds lists the rates offered by the CLI help; any positive rate is accepted.
var StandardBauds = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// Port abstracts the serial drivers for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// PortOpener opens a driver-level port for a validated configuration.
type PortOpener func(cfg Config) (Port, error)

// Config describes a channel. It is immutable once the channel is open.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	// Driver selects the backend: "tarm" (default) or "bugst".
	Driver string
	// Exclusive takes a host-wide advisory lock on the device while open.
	Exclusive bool
}

// Validate checks ranges and fills defaults on a copy.
func (c Config) Validate() (Config, error) {
	if strings.TrimSpace(c.Device) == "" {
		return c, fmt.Errorf("%w: empty device", ErrInvalidConfig)
	}
	if c.Baud <= 0 {
		return c, fmt.Errorf("%w: baud must be > 0 (got %d)", ErrInvalidConfig, c.Baud)
	}
	if c.ReadTimeout < 0 {
		return c, fmt.Errorf("%w: read timeout must be >= 0", ErrInvalidConfig)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	switch c.Driver {
	case "":
		c.Driver = DriverTarm
	case DriverTarm, DriverBugst:
	default:
		return c, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, c.Driver)
	}
	return c, nil
}

// Open opens cfg.Device with the driver named in cfg.
func Open(cfg Config) (Port, error) {
	switch cfg.Driver {
	case DriverBugst:
		return openBugst(cfg)
	default:
		return openTarm(cfg)
	}
}

func openTarm(cfg Config) (Port, error) {
	p, err := tarm.OpenPort(&tarm.Config{Name: cfg.Device, Baud: cfg.Baud, ReadTimeout: cfg.ReadTimeout})
	if err != nil {
		return nil, classifyOSError(err)
	}
	return p, nil
}

func openBugst(cfg Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	p, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, classifyBugstError(err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = p.Close()
		return nil, classifyBugstError(err)
	}
	return p, nil
}

// classifyOSError wraps raw OS open failures with the package sentinels.
func classifyOSError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case errors.Is(err, syscall.EINVAL):
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	default:
		return err
	}
}

func classifyBugstError(err error) error {
	var code bugst.PortErrorCode
	var perr *bugst.PortError
	var verr bugst.PortError
	switch {
	case errors.As(err, &perr):
		code = perr.Code()
	case errors.As(err, &verr):
		code = verr.Code()
	default:
		return classifyOSError(err)
	}
	switch code {
	case bugst.PortNotFound, bugst.InvalidSerialPort:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case bugst.PortBusy:
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case bugst.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case bugst.InvalidSpeed, bugst.InvalidDataBits, bugst.InvalidParity,
		bugst.InvalidStopBits, bugst.InvalidTimeoutValue:
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	default:
		return err
	}
}
