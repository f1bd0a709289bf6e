package reader

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"ecobin/internal/logging"
	"ecobin/internal/services"
)

// OpenFunc opens the reader device.
type OpenFunc func(device string, baud int) (io.ReadCloser, error)

// SerialReader reads UID lines from a serial device.
type SerialReader struct {
	device string
	baud   int
	window time.Duration
	open   OpenFunc
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	port     io.ReadCloser
	lastUID  string
	lastSeen time.Time
	readErr  error
	closed   bool
}

// SerialOption customizes a SerialReader.
type SerialOption func(*SerialReader)

// WithOpenFunc overrides how the device is opened.
func WithOpenFunc(open OpenFunc) SerialOption {
	return func(r *SerialReader) {
		if open != nil {
			r.open = open
		}
	}
}

// WithClock overrides the clock used for the presence window.
func WithClock(now func() time.Time) SerialOption {
	return func(r *SerialReader) {
		if now != nil {
			r.now = now
		}
	}
}

// NewSerialReader builds a reader for device. The device is opened lazily on
// the first poll and reopened after a failure.
func NewSerialReader(device string, baud int, window time.Duration, logger *slog.Logger, opts ...SerialOption) *SerialReader {
	if window <= 0 {
		window = time.Second
	}
	r := &SerialReader{
		device: device,
		baud:   baud,
		window: window,
		open:   openSerial,
		now:    time.Now,
		logger: logging.NewComponentLogger(logger, "reader"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadUID returns the UID read within the presence window.
func (r *SerialReader) ReadUID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", services.Wrap(services.ErrDeviceUnavailable, "reader", "read", "reader closed", nil)
	}
	if r.readErr != nil {
		err := r.readErr
		r.readErr = nil
		r.dropPortLocked()
		return "", services.Wrap(services.ErrDeviceUnavailable, "reader", "read", r.device, err)
	}
	if r.port == nil {
		port, err := r.open(r.device, r.baud)
		if err != nil {
			return "", services.Wrap(services.ErrDeviceUnavailable, "reader", "open", r.device, err)
		}
		r.port = port
		r.lastUID = ""
		r.logger.Info("reader device opened", logging.String("device", r.device), logging.Int("baud", r.baud))
		go r.scan(port)
	}

	if r.lastUID != "" && r.now().Sub(r.lastSeen) <= r.window {
		return r.lastUID, nil
	}
	return "", nil
}

func (r *SerialReader) scan(port io.ReadCloser) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		uid := ParseLine(scanner.Text())
		if uid == "" {
			continue
		}
		r.mu.Lock()
		if r.port == port {
			r.lastUID = uid
			r.lastSeen = r.now()
		}
		r.mu.Unlock()
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A port replaced by Reset or Close is not an error.
	if r.port == port && !r.closed {
		r.readErr = err
	}
}

func (r *SerialReader) dropPortLocked() {
	if r.port != nil {
		_ = r.port.Close()
		r.port = nil
	}
	r.lastUID = ""
}

// Reset closes the device so the next poll reopens it. The hotplug monitor
// calls it when the device node is replaced.
func (r *SerialReader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readErr = nil
	r.dropPortLocked()
}

// Close releases the device. Further polls report ErrDeviceUnavailable.
func (r *SerialReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	port := r.port
	r.port = nil
	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
