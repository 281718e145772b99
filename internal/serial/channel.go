package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// readBufSize is the per-read buffer for ReadAvailable.
const readBufSize = 4096

// held tracks devices opened by this process; a second open of the same name is ErrBusy.
var held = struct {
	mu    sync.Mutex
	names map[string]struct{}
}{names: make(map[string]struct{})}

func acquire(name string) bool {
	held.mu.Lock()
	defer held.mu.Unlock()
	if _, ok := held.names[name]; ok {
		return false
	}
	held.names[name] = struct{}{}
	return true
}

func release(name string) {
	held.mu.Lock()
	delete(held.names, name)
	held.mu.Unlock()
}

// Channel owns an open serial device exclusively.
//
// ReadAvailable and Write may run concurrently (one reader, one writer).
// Close waits for in-flight calls before releasing the device.
type Channel struct {
	mu     sync.RWMutex
	cfg    Config
	port   Port
	unlock func()
	buf    []byte
	closed bool
}

// OpenChannel opens cfg.Device using the configured driver.
func OpenChannel(cfg Config) (*Channel, error) { return OpenChannelWith(cfg, Open) }

// OpenChannelWith opens a channel through opener. On failure nothing stays
// allocated and the error is an *OpenError.
func OpenChannelWith(cfg Config, opener PortOpener) (*Channel, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, &OpenError{Device: cfg.Device, Err: err}
	}
	if opener == nil {
		opener = Open
	}
	if !acquire(cfg.Device) {
		return nil, &OpenError{Device: cfg.Device, Err: fmt.Errorf("%w: already open in this process", ErrBusy)}
	}
	unlock := func() {}
	if cfg.Exclusive {
		u, err := lockDevice(cfg.Device)
		if err != nil {
			release(cfg.Device)
			return nil, &OpenError{Device: cfg.Device, Err: err}
		}
		unlock = u
	}
	p, err := opener(cfg)
	if err != nil {
		unlock()
		release(cfg.Device)
		return nil, &OpenError{Device: cfg.Device, Err: err}
	}
	return &Channel{cfg: cfg, port: p, unlock: unlock, buf: make([]byte, readBufSize)}, nil
}

// Config returns the configuration the channel was opened with.
func (c *Channel) Config() Config { return c.cfg }

// Device returns the device name.
func (c *Channel) Device() string { return c.cfg.Device }

// IsOpen reports whether Close has not been called yet.
func (c *Channel) IsOpen() bool { c.mu.RLock(); defer c.mu.RUnlock(); return !c.closed }

// ReadAvailable performs one read bounded by the channel read timeout. The
// returned slice is only valid until the next call. A timeout yields no bytes
// and no error. Faults are returned as *ReadError.
func (c *Channel) ReadAvailable() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, &ReadError{Device: c.cfg.Device, Err: ErrClosed}
	}
	n, err := c.port.Read(c.buf)
	if n < 0 {
		n = 0
	}
	if err != nil {
		// tarm/serial reports a VTIME expiry as io.EOF
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, nil
		}
		if n > 0 {
			return c.buf[:n], nil
		}
		return nil, &ReadError{Device: c.cfg.Device, Err: err}
	}
	return c.buf[:n], nil
}

// Write sends p unchanged; no line ending is added.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, &WriteError{Device: c.cfg.Device, Err: ErrClosed}
	}
	n, err := c.port.Write(p)
	if err != nil {
		return n, &WriteError{Device: c.cfg.Device, Err: err}
	}
	if n < len(p) {
		return n, &WriteError{Device: c.cfg.Device, Err: io.ErrShortWrite}
	}
	return n, nil
}

// Close releases the device. Closing twice is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.port.Close()
	c.unlock()
	release(c.cfg.Device)
	return err
}
