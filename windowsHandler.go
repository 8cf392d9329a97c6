//go:build windows

package ndiserial

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

type port struct {
	h       windows.Handle
	ovRead  windows.Overlapped
	ovWrite windows.Overlapped
	closing windows.Handle
	// Timeout in milliseconds last given to SetCommTimeouts.
	timeout uint32
}

func (p *port) isOpen() bool {
	return p != nil && p.h != 0 && p.h != windows.InvalidHandle
}

func defaultDevices() DeviceTable {
	return DeviceTable{
		0: "COM1",
		1: "COM2",
		2: "COM3",
		3: "COM4",
	}
}

// getPortNames retrieves the list of available serial port names on a Windows system by querying the registry.
func getPortNames() ([]string, error) {
	const path = `HARDWARE\DEVICEMAP\SERIALCOMM`

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return []string{}, nil
		}
		return nil, err
	}
	defer func() {
		_ = key.Close()
	}()

	valueNames, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, name := range valueNames {
		port, _, err := key.GetStringValue(name)
		if err == nil {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

const (
	dcbFBinary         = 1 << 0
	dcbFParity         = 1 << 1
	dcbFOutxCtsFlow    = 1 << 2
	dcbFOutxDsrFlow    = 1 << 3
	dcbFDsrSensitivity = 1 << 6
	dcbFOutX           = 1 << 8
	dcbFInX            = 1 << 9
	dcbFErrorChar      = 1 << 10
	dcbFNull           = 1 << 11
	dcbFAbortOnError   = 1 << 14
	dcbFDtrControlMask = 0x3 << 4  // bits 4-5
	dcbFRtsControlMask = 0x3 << 12 // bits 12-13
)

const (
	msDSROn     = 0x0020
	maxDWORD    = 0xFFFFFFFF
	waitTimeout = 0x00000102
)

// DCB parity and stop bit values.
const (
	noParity    byte = 0
	oddParity   byte = 1
	evenParity  byte = 2
	oneStopBit  byte = 0
	twoStopBits byte = 2
)

// RTS/DTR control values (DCB 2-bit fields)
const (
	rtsControlEnable    uint32 = 1
	rtsControlHandshake uint32 = 2
	dtrControlEnable    uint32 = 1
)

func setFlag(d *windows.DCB, flag uint32, on bool) {
	if on {
		d.Flags |= flag
	} else {
		d.Flags &^= flag
	}
}

func setRtsControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFRtsControlMask
	d.Flags |= (val & 0x3) << 12
}

func setDtrControl(d *windows.DCB, val uint32) {
	d.Flags &^= dcbFDtrControlMask
	d.Flags |= (val & 0x3) << 4
}

func (p *port) getCommState() (*windows.DCB, error) {
	if !p.isOpen() {
		return nil, ErrClosed
	}
	var d windows.DCB
	d.DCBlength = uint32(unsafe.Sizeof(d))
	if err := windows.GetCommState(p.h, &d); err != nil {
		return nil, fmt.Errorf("GetCommState failed: %w", err)
	}
	return &d, nil
}

func (p *port) setCommState(d *windows.DCB) error {
	if !p.isOpen() {
		return ErrClosed
	}
	if err := windows.SetCommState(p.h, d); err != nil {
		return fmt.Errorf("SetCommState failed: %w", err)
	}
	return nil
}

func (p *port) configure(s CommSettings) error {
	old, err := p.getCommState()
	if err != nil {
		return err
	}
	d := *old
	d.BaudRate = uint32(s.BaudRate)
	d.ByteSize = byte(s.DataBits)
	switch s.Parity {
	case gxcommon.ParityNone:
		d.Parity = noParity
	case gxcommon.ParityOdd:
		d.Parity = oddParity
	case gxcommon.ParityEven:
		d.Parity = evenParity
	default:
		return fmt.Errorf("%w: parity %d", ErrUnsupportedParameters, int(s.Parity))
	}
	switch s.StopBits {
	case gxcommon.StopBitsOne:
		d.StopBits = oneStopBit
	case gxcommon.StopBitsTwo:
		d.StopBits = twoStopBits
	default:
		return fmt.Errorf("%w: stop bits %d", ErrUnsupportedParameters, int(s.StopBits))
	}
	setFlag(&d, dcbFParity, d.Parity != noParity)
	setFlag(&d, dcbFBinary, true)
	setFlag(&d, dcbFNull, false)
	setFlag(&d, dcbFErrorChar, false)
	setFlag(&d, dcbFAbortOnError, false)
	setFlag(&d, dcbFOutX|dcbFInX|dcbFOutxDsrFlow|dcbFDsrSensitivity, false)
	setFlag(&d, dcbFOutxCtsFlow, s.Handshake)
	if s.Handshake {
		setRtsControl(&d, rtsControlHandshake)
	} else {
		setRtsControl(&d, rtsControlEnable)
	}
	setDtrControl(&d, dtrControlEnable)
	if err := p.setCommState(&d); err != nil {
		// Partially applied settings are rolled back.
		_ = p.setCommState(old)
		if errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
			return fmt.Errorf("%w: %s", ErrUnsupportedParameters, err.Error())
		}
		return err
	}
	return nil
}

func openDevice(name string) (device, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("invalid serial port name")
	}
	p := &port{}

	closing, err := windows.CreateEvent(nil, 1, 0, nil) // manual-reset=TRUE, initial=FALSE
	if err != nil {
		return nil, fmt.Errorf("CreateEvent(closing) failed: %w", err)
	}
	p.closing = closing

	path := strings.TrimSuffix(name, ":")
	if !strings.HasPrefix(path, `\\.\`) {
		path = `\\.\` + path
	}
	// Share mode 0 gives exclusive access.
	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(path),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		_ = p.close()
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_SHARING_VIOLATION) {
			return nil, fmt.Errorf("%w: %w", ErrPortBusy, err)
		}
		return nil, fmt.Errorf("failed to open port %q: %w", name, err)
	}
	p.h = h

	er, err := windows.CreateEvent(nil, 0, 0, nil) // auto-reset
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("CreateEvent(read) failed: %w", err)
	}
	p.ovRead.HEvent = er

	ew, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("CreateEvent(write) failed: %w", err)
	}
	p.ovWrite.HEvent = ew

	if err := p.setTimeouts(DefaultTimeout); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func toMilliseconds(d time.Duration) uint32 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		ms = 1
	}
	if ms >= maxDWORD {
		ms = maxDWORD - 1
	}
	return uint32(ms)
}

// setTimeouts makes ReadFile return as soon as any byte is available and
// bounds both reads and writes with timeout.
func (p *port) setTimeouts(timeout time.Duration) error {
	ms := toMilliseconds(timeout)
	if ms == p.timeout {
		return nil
	}
	t := windows.CommTimeouts{
		ReadIntervalTimeout:         maxDWORD,
		ReadTotalTimeoutMultiplier:  maxDWORD,
		ReadTotalTimeoutConstant:    ms,
		WriteTotalTimeoutMultiplier: 0,
		WriteTotalTimeoutConstant:   ms,
	}
	if err := windows.SetCommTimeouts(p.h, &t); err != nil {
		return fmt.Errorf("SetCommTimeouts failed: %w", err)
	}
	p.timeout = ms
	return nil
}

func (p *port) flush(dir FlushDirection) error {
	if !p.isOpen() {
		return ErrClosed
	}
	var flags uint32
	if dir.input() {
		flags |= windows.PURGE_RXCLEAR
	}
	if dir.output() {
		flags |= windows.PURGE_TXCLEAR
	}
	if err := windows.PurgeComm(p.h, flags); err != nil {
		return fmt.Errorf("PurgeComm failed: %w", err)
	}
	return nil
}

// ClearCommError + COMSTAT.cbInQue
func (p *port) bytesToRead() (int, error) {
	if !p.isOpen() {
		return 0, ErrClosed
	}
	var flags uint32
	var st windows.ComStat
	if err := windows.ClearCommError(p.h, &flags, &st); err != nil {
		return 0, fmt.Errorf("getBytesToRead failed: %w", err)
	}
	return int(st.CBInQue), nil
}

func (p *port) isClosing() bool {
	r, err := windows.WaitForSingleObject(p.closing, 0)
	return err == nil && r == windows.WAIT_OBJECT_0
}

// wait waits for an overlapped operation. It returns the number of
// transferred bytes; a cancelled operation returns the bytes transferred
// before the cancel.
func (p *port) wait(ov *windows.Overlapped, timeout uint32) (int, error) {
	var n uint32
	handles := []windows.Handle{p.closing, ov.HEvent}
	idx, werr := windows.WaitForMultipleObjects(handles, false, timeout)
	if werr != nil {
		_ = windows.CancelIoEx(p.h, ov)
		_ = windows.GetOverlappedResult(p.h, ov, &n, true)
		return int(n), fmt.Errorf("wait failed: %w", werr)
	}
	if idx == windows.WAIT_OBJECT_0 || idx == waitTimeout {
		_ = windows.CancelIoEx(p.h, ov)
		_ = windows.GetOverlappedResult(p.h, ov, &n, true)
		if idx == windows.WAIT_OBJECT_0 {
			return int(n), ErrClosed
		}
		return int(n), nil
	}
	if err := windows.GetOverlappedResult(p.h, ov, &n, true); err != nil {
		if errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
			return int(n), nil
		}
		return int(n), err
	}
	return int(n), nil
}

func (p *port) read(buf []byte, timeout time.Duration) (int, error) {
	if !p.isOpen() || p.isClosing() {
		return 0, ErrClosed
	}
	if err := p.setTimeouts(timeout); err != nil {
		return 0, err
	}
	var n uint32
	_ = windows.ResetEvent(p.ovRead.HEvent)
	err := windows.ReadFile(p.h, buf, &n, &p.ovRead)
	if err == nil {
		return int(n), nil
	}
	if !errors.Is(err, windows.ERROR_IO_PENDING) {
		if p.isClosing() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("read failed: %w", err)
	}
	// The comm timeout completes the read; the wait has some slack.
	ret, err := p.wait(&p.ovRead, toMilliseconds(timeout)+100)
	if err != nil && !errors.Is(err, ErrClosed) {
		return ret, fmt.Errorf("read failed: %w", err)
	}
	return ret, err
}

func (p *port) write(data []byte, timeout time.Duration) (int, error) {
	if !p.isOpen() || p.isClosing() {
		return 0, ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := p.setTimeouts(timeout); err != nil {
		return 0, err
	}
	var n uint32
	_ = windows.ResetEvent(p.ovWrite.HEvent)
	err := windows.WriteFile(p.h, data, &n, &p.ovWrite)
	if err == nil {
		return int(n), nil
	}
	if !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	ret, err := p.wait(&p.ovWrite, toMilliseconds(timeout)+100)
	if err != nil && !errors.Is(err, ErrClosed) {
		return ret, fmt.Errorf("write failed: %w", err)
	}
	return ret, err
}

func (p *port) setBreak(on bool) error {
	if !p.isOpen() {
		return ErrClosed
	}
	var err error
	if on {
		err = windows.SetCommBreak(p.h)
	} else {
		err = windows.ClearCommBreak(p.h)
	}
	if err != nil {
		return fmt.Errorf("set break failed: %w", err)
	}
	return nil
}

func (p *port) dsr() (bool, error) {
	if !p.isOpen() {
		return false, ErrClosed
	}
	var status uint32
	if err := windows.GetCommModemStatus(p.h, &status); err != nil {
		return false, fmt.Errorf("GetCommModemStatus failed: %w", err)
	}
	return status&msDSROn != 0, nil
}

func (p *port) interrupt() {
	if p.closing != 0 {
		_ = windows.SetEvent(p.closing)
	}
}

func (p *port) close() error {
	if p == nil {
		return nil
	}
	if p.closing != 0 {
		_ = windows.SetEvent(p.closing)
	}
	if p.h != 0 && p.h != windows.InvalidHandle {
		_ = windows.CancelIoEx(p.h, nil)
	}

	if p.ovRead.HEvent != 0 {
		_ = windows.CloseHandle(p.ovRead.HEvent)
		p.ovRead.HEvent = 0
	}
	if p.ovWrite.HEvent != 0 {
		_ = windows.CloseHandle(p.ovWrite.HEvent)
		p.ovWrite.HEvent = 0
	}
	var err error
	if p.h != 0 && p.h != windows.InvalidHandle {
		err = windows.CloseHandle(p.h)
		p.h = 0
	}
	if p.closing != 0 {
		_ = windows.CloseHandle(p.closing)
		p.closing = 0
	}
	return err
}
