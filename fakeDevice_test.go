package ndiserial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice simulates a controller connected to the port.
type fakeDevice struct {
	mu       sync.Mutex
	in       []byte
	written  []byte
	settings []CommSettings
	flushes  []FlushDirection
	breaks   []bool
	dsrOn    bool
	closed   bool
	// Maximum number of bytes returned by one read, 0 means no limit.
	chunk int
	// Number of bytes accepted by one write, -1 means all.
	writeLimit int
	// reject is called before settings are applied.
	reject func(CommSettings) error
	// respond returns the reply of the controller to a written command.
	respond func(cmd []byte) []byte
	notify  chan struct{}
	closing chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		writeLimit: -1,
		dsrOn:      true,
		notify:     make(chan struct{}, 1),
		closing:    make(chan struct{}),
	}
}

// feed queues bytes sent by the controller.
func (f *fakeDevice) feed(data string) {
	f.mu.Lock()
	f.in = append(f.in, data...)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *fakeDevice) configure(s CommSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		if err := f.reject(s); err != nil {
			return err
		}
	}
	f.settings = append(f.settings, s)
	return nil
}

func (f *fakeDevice) flush(dir FlushDirection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, dir)
	if dir.input() {
		f.in = nil
	}
	return nil
}

func (f *fakeDevice) read(p []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, ErrClosed
		}
		if len(f.in) != 0 {
			n := len(p)
			if f.chunk > 0 && n > f.chunk {
				n = f.chunk
			}
			n = copy(p[:n], f.in)
			f.in = f.in[n:]
			f.mu.Unlock()
			return n, nil
		}
		f.mu.Unlock()
		select {
		case <-f.closing:
			return 0, ErrClosed
		case <-timer.C:
			return 0, nil
		case <-f.notify:
		}
	}
}

func (f *fakeDevice) write(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	n := len(p)
	if f.writeLimit >= 0 && n > f.writeLimit {
		n = f.writeLimit
	}
	f.written = append(f.written, p[:n]...)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil && n == len(p) {
		f.feed(string(respond(p)))
	}
	return n, nil
}

func (f *fakeDevice) setBreak(on bool) error {
	f.mu.Lock()
	f.breaks = append(f.breaks, on)
	f.mu.Unlock()
	if !on {
		// The controller resets and greets at the default settings.
		f.feed(ResetBanner)
	}
	return nil
}

func (f *fakeDevice) dsr() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, errors.New("closed")
	}
	return f.dsrOn, nil
}

func (f *fakeDevice) bytesToRead() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.in), nil
}

func (f *fakeDevice) interrupt() {
	select {
	case <-f.closing:
	default:
		close(f.closing)
	}
}

func (f *fakeDevice) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) writtenString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

// openFake opens a port connected to f.
func openFake(t *testing.T, f *fakeDevice) *NDISerial {
	t.Helper()
	s := NewNDISerial("fake0")
	require.NoError(t, s.openWith(func(string) (device, error) { return f, nil }))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
