package ndiserial

// --------------------------------------------------------------------------
//
//	ndiserial-go
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) The ndiserial-go Authors
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of ndiserial-go, a serial transport for NDI tracking
// device controllers.
//
// ndiserial-go is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// ndiserial-go is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information: https://github.com/ndicapi/ndiserial-go
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// device is the platform specific part of an open serial port.
type device interface {
	// configure applies all communication parameters in one operation.
	configure(settings CommSettings) error
	flush(dir FlushDirection) error
	// read waits at most timeout for data. It returns 0 and nil when no
	// data arrived; it may also return early without data.
	read(p []byte, timeout time.Duration) (int, error)
	// write returns a count smaller than len(p) without an error when the
	// timeout elapsed.
	write(p []byte, timeout time.Duration) (int, error)
	setBreak(on bool) error
	dsr() (bool, error)
	bytesToRead() (int, error)
	// interrupt wakes up a blocked read or write. It is called without
	// holding the I/O lock.
	interrupt()
	close() error
}

type portState int32

const (
	stateNew portState = iota
	stateOpen
	stateClosed
)

// TraceEventHandler receives trace messages of the port.
type TraceEventHandler func(s *NDISerial, traceType gxcommon.TraceTypes, message string)

// MediaStateHandler is called when the port is opened or closed.
type MediaStateHandler func(s *NDISerial, state gxcommon.MediaState)

// ErrorEventHandler is called when an I/O error occurs.
type ErrorEventHandler func(s *NDISerial, err error)

// NDISerial is an open serial connection to a tracking device controller.
// It is meant to be used by one goroutine at a time; Close may be called
// from another goroutine to abort a blocked Read or Write.
type NDISerial struct {
	name string

	// io serialises the operations that touch the port.
	io  sync.Mutex
	dev device

	mu       sync.RWMutex
	state    portState
	settings CommSettings
	timeout  time.Duration

	// Bytes received after a terminator.
	pending receiveBuffer

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// The trace level specifies which types of trace messages are emitted.
	traceLevel gxcommon.TraceLevel
	onTrace    TraceEventHandler
	onState    MediaStateHandler
	onErr      ErrorEventHandler

	// Printer for localized messages.
	p *message.Printer
}

// NewNDISerial creates an unopened port for the given device. Use it
// instead of Open when trace or state handlers must see the open sequence.
func NewNDISerial(device string) *NDISerial {
	s := &NDISerial{name: device, settings: DefaultSettings(), timeout: DefaultTimeout}
	s.Localize(language.AmericanEnglish)
	return s
}

// Open opens the device exclusively and sets it to 9600 baud, 8N1, no
// handshake and the default timeout. On failure the returned handle is
// nil and the error is an *OpenError.
func Open(device string) (*NDISerial, error) {
	s := NewNDISerial(device)
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens the port. A port can be opened only once; open the device
// again with a new NDISerial after Close.
func (s *NDISerial) Open() error {
	return s.openWith(openDevice)
}

func (s *NDISerial) openWith(opener func(string) (device, error)) error {
	s.io.Lock()
	defer s.io.Unlock()
	switch s.getState() {
	case stateOpen:
		return nil
	case stateClosed:
		return &OpenError{Device: s.name, Err: ErrClosed}
	}
	if s.name == "" {
		return &OpenError{Device: s.name, Err: errors.New(s.printer().Sprintf("msg.no_serial_port_selected"))}
	}
	s.statef(gxcommon.MediaStateOpening)
	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.connecting_to", s.name))
	dev, err := opener(s.name)
	if err == nil {
		settings := DefaultSettings()
		if err = dev.configure(settings); err == nil {
			err = dev.flush(FlushBoth)
		}
		if err != nil {
			_ = dev.close()
		}
	}
	if err != nil {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.connect_failed", s.name, err))
		s.errorf(err)
		s.statef(gxcommon.MediaStateClosed)
		return &OpenError{Device: s.name, Err: err}
	}
	s.pending.Clear()
	s.mu.Lock()
	s.dev = dev
	s.settings = DefaultSettings()
	s.timeout = DefaultTimeout
	s.state = stateOpen
	s.mu.Unlock()
	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.connected_to", s.name))
	s.statef(gxcommon.MediaStateOpen)
	return nil
}

// Close releases the port. Pending reads and writes on other goroutines
// fail with ErrClosed. Calling Close again returns ErrClosed.
//
// Send the controller a "COMM 00000" command before closing if it should
// answer at the default settings the next time the port is opened.
func (s *NDISerial) Close() error {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateClosed
	dev := s.dev
	s.mu.Unlock()

	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.closing_connection", s.name))
	s.statef(gxcommon.MediaStateClosing)
	dev.interrupt()

	s.io.Lock()
	err := dev.close()
	s.pending.Clear()
	s.io.Unlock()

	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.connection_closed", s.name))
	s.statef(gxcommon.MediaStateClosed)
	if err != nil {
		return &IOError{Op: "close", Device: s.name, Err: err}
	}
	return nil
}

// IsOpen reports whether the port is open.
func (s *NDISerial) IsOpen() bool {
	return s.getState() == stateOpen
}

// Device returns the device name.
func (s *NDISerial) Device() string {
	return s.name
}

// String implements fmt.Stringer.
func (s *NDISerial) String() string {
	return fmt.Sprintf("%s %s", s.name, s.Settings())
}

// Settings returns the active communication parameters.
func (s *NDISerial) Settings() CommSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Timeout returns the timeout used by Read and Write.
func (s *NDISerial) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// SetTimeout changes the timeout of subsequent reads and writes. A read
// that is already waiting keeps its old deadline.
func (s *NDISerial) SetTimeout(value time.Duration) error {
	if value <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %v", gxcommon.ErrInvalidArgument, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return ErrClosed
	}
	s.timeout = value
	return nil
}

// Configure changes the baud rate, the mode ("8N1", "7O2", ...) and the
// hardware handshake. The baud rate must be 9600, 14400, 19200, 38400,
// 57600 or 115200.
//
// The controller must already have acknowledged a COMM command with the
// same parameters. After SendBreak call Configure(9600, "8N1", false).
func (s *NDISerial) Configure(baudRate gxcommon.BaudRate, mode string, handshake bool) error {
	settings, err := NewCommSettings(baudRate, mode, handshake)
	if err != nil {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.configure_failed", s.name, err))
		return err
	}
	return s.ConfigureSettings(settings)
}

// ConfigureSettings applies the settings as one operation. If they are
// rejected the previous settings stay in effect.
func (s *NDISerial) ConfigureSettings(settings CommSettings) error {
	if err := settings.Validate(); err != nil {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.configure_failed", s.name, err))
		return err
	}
	s.io.Lock()
	defer s.io.Unlock()
	dev, err := s.openDevice()
	if err != nil {
		return s.ioError("configure", err)
	}
	if err := dev.configure(settings); err != nil {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.configure_failed", s.name, err))
		if errors.Is(err, ErrUnsupportedParameters) {
			return err
		}
		return s.ioError("configure", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.configured", s.name, settings.String()))
	return nil
}

// Flush discards unread input, unsent output or both.
func (s *NDISerial) Flush(dir FlushDirection) error {
	if dir != FlushInput && dir != FlushOutput && dir != FlushBoth {
		return fmt.Errorf("%w: flush direction %d", gxcommon.ErrInvalidArgument, int(dir))
	}
	s.io.Lock()
	defer s.io.Unlock()
	return s.flush(dir)
}

func (s *NDISerial) flush(dir FlushDirection) error {
	dev, err := s.openDevice()
	if err != nil {
		return s.ioError("flush", err)
	}
	if dir.input() {
		s.pending.Clear()
	}
	if err := dev.flush(dir); err != nil {
		return s.ioError("flush", err)
	}
	return nil
}

// SendBreak holds the line in the break state for BreakDuration, which
// resets the controller. The controller then answers at 9600 8N1 with
// ResetBanner; Configure the port back to the defaults before reading it.
func (s *NDISerial) SendBreak() error {
	s.io.Lock()
	defer s.io.Unlock()
	dev, err := s.openDevice()
	if err != nil {
		return s.ioError("break", err)
	}
	s.trace(gxcommon.TraceTypesInfo, s.printer().Sprintf("msg.sending_break", s.name))
	s.pending.Clear()
	if err := dev.setBreak(true); err != nil {
		return s.ioError("break", err)
	}
	time.Sleep(BreakDuration)
	if err := dev.setBreak(false); err != nil {
		return s.ioError("break", err)
	}
	return nil
}

// CheckDSR reports whether the data set ready signal is asserted. False
// means the controller is unplugged or switched off.
func (s *NDISerial) CheckDSR() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOpen {
		return false
	}
	ret, err := s.dev.dsr()
	return err == nil && ret
}

// BytesToRead returns the number of received bytes that Read can return
// without waiting.
func (s *NDISerial) BytesToRead() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOpen {
		return 0, ErrClosed
	}
	n, err := s.dev.bytesToRead()
	if err != nil {
		return 0, &IOError{Op: "bytes to read", Device: s.name, Err: err}
	}
	return n + s.pending.Len(), nil
}

// Write discards unread input and sends p. Commands must already end with
// a carriage return. A short count is returned with ErrTimeout when the
// port did not accept all bytes within the timeout.
func (s *NDISerial) Write(p []byte) (int, error) {
	s.io.Lock()
	defer s.io.Unlock()
	dev, err := s.openDevice()
	if err != nil {
		return 0, s.ioError("write", err)
	}
	// Stale input belongs to an earlier failed exchange.
	s.pending.Clear()
	if err := dev.flush(FlushInput); err != nil {
		return 0, s.ioError("write", err)
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.tracef(gxcommon.TraceTypesSent, "TX: %s", traceString(p))
	n, err := dev.write(p, s.Timeout())
	s.bytesSent.Add(uint64(n))
	if err != nil {
		return n, s.ioError("write", err)
	}
	if n < len(p) {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.write_timeout", s.name, n, len(p)))
		return n, ErrTimeout
	}
	return n, nil
}

// Read reads until a carriage return, until p is full or until the timeout
// elapses. The carriage return is included in the returned count.
//
//   - n == 0 and ErrTimeout: nothing was received.
//   - 0 < n < len(p) and ErrTimeout: the reply was cut short.
//   - n == len(p), nil error and p[n-1] != '\r': p is full and more bytes
//     are waiting; Read again to get them.
//   - p[n-1] == '\r' and nil error: a complete reply.
//
// Any other error is an *IOError and the contents of p are undefined.
func (s *NDISerial) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.io.Lock()
	defer s.io.Unlock()
	dev, err := s.openDevice()
	if err != nil {
		return 0, s.ioError("read", err)
	}
	deadline := time.Now().Add(s.Timeout())
	n, found := s.pending.Take(p, Terminator)
	for !found && n < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if n != 0 {
				s.tracef(gxcommon.TraceTypesReceived, "RX: %s", traceString(p[:n]))
			}
			s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.read_timeout", s.name, n))
			return n, ErrTimeout
		}
		m, err := dev.read(p[n:], remaining)
		if m > 0 {
			s.bytesReceived.Add(uint64(m))
			chunk := p[n : n+m]
			if i := bytes.IndexByte(chunk, Terminator); i >= 0 {
				// The rest belongs to the next reply.
				s.pending.Append(chunk[i+1:])
				m = i + 1
				found = true
			}
			n += m
		}
		if err != nil {
			return n, s.ioError("read", err)
		}
	}
	s.tracef(gxcommon.TraceTypesReceived, "RX: %s", traceString(p[:n]))
	return n, nil
}

// Sleep blocks for at least d. It paces the protocol between commands.
func (s *NDISerial) Sleep(d time.Duration) {
	time.Sleep(d)
}

// GetBytesSent returns the number of bytes written to the port.
func (s *NDISerial) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// GetBytesReceived returns the number of bytes read from the port.
func (s *NDISerial) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// ResetByteCounters resets the sent and received byte counters.
func (s *NDISerial) ResetByteCounters() {
	s.bytesSent.Store(0)
	s.bytesReceived.Store(0)
}

// GetTrace returns the trace level.
func (s *NDISerial) GetTrace() gxcommon.TraceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.traceLevel
}

// SetTrace sets the trace level.
func (s *NDISerial) SetTrace(traceLevel gxcommon.TraceLevel) {
	s.mu.Lock()
	s.traceLevel = traceLevel
	s.mu.Unlock()
}

// SetOnTrace sets the trace handler.
func (s *NDISerial) SetOnTrace(value TraceEventHandler) {
	s.mu.Lock()
	s.onTrace = value
	s.mu.Unlock()
}

// SetOnMediaStateChange sets the state change handler.
func (s *NDISerial) SetOnMediaStateChange(value MediaStateHandler) {
	s.mu.Lock()
	s.onState = value
	s.mu.Unlock()
}

// SetOnError sets the I/O error handler.
func (s *NDISerial) SetOnError(value ErrorEventHandler) {
	s.mu.Lock()
	s.onErr = value
	s.mu.Unlock()
}

func (s *NDISerial) getState() portState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// openDevice returns the device if the port is open. Callers hold s.io.
func (s *NDISerial) openDevice() (device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateOpen {
		return nil, ErrClosed
	}
	return s.dev, nil
}

func (s *NDISerial) ioError(op string, err error) error {
	ret := &IOError{Op: op, Device: s.name, Err: err}
	if !errors.Is(err, ErrClosed) {
		s.trace(gxcommon.TraceTypesError, s.printer().Sprintf("msg.io_failed", op, s.name, err))
		s.errorf(ret)
	}
	return ret
}

func traceString(data []byte) string {
	str, err := gxcommon.ToString(data)
	if err != nil {
		return fmt.Sprintf("%q", data)
	}
	return str
}

func (s *NDISerial) printer() *message.Printer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *NDISerial) errorf(err error) {
	s.mu.RLock()
	cb := s.onErr
	s.mu.RUnlock()
	if cb != nil {
		cb(s, err)
	}
}

func (s *NDISerial) tracef(traceType gxcommon.TraceTypes, fmtStr string, a ...any) {
	s.mu.RLock()
	trace := !(int(s.traceLevel) < int(traceType))
	cb := s.onTrace
	s.mu.RUnlock()
	if cb != nil && trace {
		cb(s, traceType, fmt.Sprintf(fmtStr, a...))
	}
}

func (s *NDISerial) trace(traceType gxcommon.TraceTypes, message string) {
	s.mu.RLock()
	trace := !(int(s.traceLevel) < int(traceType))
	cb := s.onTrace
	s.mu.RUnlock()
	if cb != nil && trace {
		cb(s, traceType, message)
	}
}

func (s *NDISerial) statef(state gxcommon.MediaState) {
	s.mu.RLock()
	cb := s.onState
	s.mu.RUnlock()
	if cb != nil {
		cb(s, state)
	}
}

//nolint:errcheck
func init() {
	// --- English (default) ---
	message.SetString(language.AmericanEnglish, "msg.closing_connection", "Closing connection to %s")
	message.SetString(language.AmericanEnglish, "msg.connection_closed", "Connection closed to %s")
	message.SetString(language.AmericanEnglish, "msg.connected_to", "Connected to %s")
	message.SetString(language.AmericanEnglish, "msg.connect_failed", "connect to %s failed: %v")
	message.SetString(language.AmericanEnglish, "msg.connecting_to", "Connecting to %s")
	message.SetString(language.AmericanEnglish, "msg.configured", "%s configured to %s")
	message.SetString(language.AmericanEnglish, "msg.configure_failed", "configure %s failed: %v")
	message.SetString(language.AmericanEnglish, "msg.sending_break", "Sending break to %s")
	message.SetString(language.AmericanEnglish, "msg.read_timeout", "%s read timeout after %d bytes")
	message.SetString(language.AmericanEnglish, "msg.write_timeout", "%s write timeout, %d of %d bytes sent")
	message.SetString(language.AmericanEnglish, "msg.io_failed", "%s %s failed: %v")
	message.SetString(language.AmericanEnglish, "msg.no_serial_port_selected", "No serial port selected. Please select a serial port.")

	// --- German (de) ---
	message.SetString(language.German, "msg.closing_connection", "Verbindung zu %s wird geschlossen")
	message.SetString(language.German, "msg.connection_closed", "Verbindung zu %s wurde geschlossen")
	message.SetString(language.German, "msg.connected_to", "Verbunden mit %s")
	message.SetString(language.German, "msg.connect_failed", "Verbindung zu %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.connecting_to", "Verbindung zu %s wird hergestellt")
	message.SetString(language.German, "msg.configured", "%s konfiguriert auf %s")
	message.SetString(language.German, "msg.configure_failed", "Konfiguration von %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.sending_break", "Break wird an %s gesendet")
	message.SetString(language.German, "msg.read_timeout", "%s Lese-Timeout nach %d Bytes")
	message.SetString(language.German, "msg.write_timeout", "%s Schreib-Timeout, %d von %d Bytes gesendet")
	message.SetString(language.German, "msg.io_failed", "%s %s fehlgeschlagen: %v")
	message.SetString(language.German, "msg.no_serial_port_selected", "Kein serieller Port ausgewählt. Bitte wählen Sie einen seriellen Port aus.")

	// --- Finnish (fi) ---
	message.SetString(language.Finnish, "msg.closing_connection", "Suljetaan yhteys kohteeseen %s")
	message.SetString(language.Finnish, "msg.connection_closed", "Yhteys suljettu kohteeseen %s")
	message.SetString(language.Finnish, "msg.connected_to", "Yhdistetty kohteeseen %s")
	message.SetString(language.Finnish, "msg.connect_failed", "Yhteyden muodostus kohteeseen %s epäonnistui: %v")
	message.SetString(language.Finnish, "msg.connecting_to", "Yhdistetään kohteeseen %s")
	message.SetString(language.Finnish, "msg.configured", "%s asetukset: %s")
	message.SetString(language.Finnish, "msg.configure_failed", "%s asetusten muutos epäonnistui: %v")
	message.SetString(language.Finnish, "msg.sending_break", "Lähetetään break kohteeseen %s")
	message.SetString(language.Finnish, "msg.read_timeout", "%s lukemisen aikakatkaisu %d tavun jälkeen")
	message.SetString(language.Finnish, "msg.write_timeout", "%s kirjoituksen aikakatkaisu, %d/%d tavua lähetetty")
	message.SetString(language.Finnish, "msg.io_failed", "%s %s epäonnistui: %v")
	message.SetString(language.Finnish, "msg.no_serial_port_selected", "Sarjaporttia ei ole valittu. Valitse sarjaportti.")
}

// Localize messages for the specified language.
// No errors is returned if language is not supported.
func (s *NDISerial) Localize(language language.Tag) {
	s.mu.Lock()
	s.p = message.NewPrinter(language)
	s.mu.Unlock()
}
