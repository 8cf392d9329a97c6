//go:build linux || darwin

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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Gurux/gxcommon-go"
	"golang.org/x/sys/unix"
)

type port struct {
	fd int
	// Self-pipe that wakes up poll when the port is closed.
	r   *os.File
	w   *os.File
	rfd int
}

func openDevice(name string) (device, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return nil, fmt.Errorf("%w: %w", ErrPortBusy, err)
		}
		return nil, err
	}
	// TIOCEXCL does not stop privileged processes, the lock does.
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %w", ErrPortBusy, err)
		}
		return nil, fmt.Errorf("lock failed: %w", err)
	}
	p := &port{fd: fd, rfd: -1}
	// Other processes can't open the device while we own it.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("exclusive access failed: %w", err)
	}
	t, err := p.getTermios()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	// Raw mode.
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err := p.setTermios(t); err != nil {
		_ = p.close()
		return nil, err
	}
	p.r, p.w, err = os.Pipe()
	if err != nil {
		_ = p.close()
		return nil, err
	}
	p.rfd = int(p.r.Fd())
	_ = unix.SetNonblock(p.rfd, true)
	return p, nil
}

func (p *port) close() error {
	if p == nil {
		return nil
	}
	if p.r != nil {
		_ = p.r.Close()
		p.r = nil
		p.rfd = -1
	}
	if p.w != nil {
		_ = p.w.Close()
		p.w = nil
	}
	if p.fd >= 0 {
		_ = unix.IoctlSetInt(p.fd, unix.TIOCNXCL, 0)
		fd := p.fd
		p.fd = -1
		return unix.Close(fd)
	}
	return nil
}

func (p *port) interrupt() {
	if p.w != nil {
		_, _ = p.w.Write([]byte{1})
	}
}

func (p *port) getTermios() (*unix.Termios, error) {
	t, err := unix.IoctlGetTermios(p.fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("tcgetattr failed: %w", err)
	}
	return t, nil
}

func (p *port) setTermios(value *unix.Termios) error {
	if err := unix.IoctlSetTermios(p.fd, ioctlSetTermios, value); err != nil {
		return fmt.Errorf("tcsetattr failed: %w", err)
	}
	return nil
}

func (p *port) configure(s CommSettings) error {
	old, err := p.getTermios()
	if err != nil {
		return err
	}
	t := *old
	if err := setSpeed(&t, int(s.BaudRate)); err != nil {
		return err
	}
	t.Cflag &^= unix.CSIZE
	switch s.DataBits {
	case 7:
		t.Cflag |= unix.CS7
	case 8:
		t.Cflag |= unix.CS8
	default:
		return fmt.Errorf("%w: data bits %d", ErrUnsupportedParameters, s.DataBits)
	}
	switch s.StopBits {
	case gxcommon.StopBitsOne:
		t.Cflag &^= unix.CSTOPB
	case gxcommon.StopBitsTwo:
		t.Cflag |= unix.CSTOPB
	default:
		return fmt.Errorf("%w: stop bits %d", ErrUnsupportedParameters, int(s.StopBits))
	}
	t.Cflag &^= unix.PARENB | unix.PARODD
	t.Iflag &^= unix.INPCK
	switch s.Parity {
	case gxcommon.ParityNone:
	case gxcommon.ParityEven:
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK
	case gxcommon.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	default:
		return fmt.Errorf("%w: parity %d", ErrUnsupportedParameters, int(s.Parity))
	}
	if s.Handshake {
		t.Cflag |= unix.CRTSCTS
	} else {
		t.Cflag &^= unix.CRTSCTS
	}
	if err := p.setTermios(&t); err != nil {
		// Partially applied settings are rolled back.
		_ = p.setTermios(old)
		return err
	}
	return nil
}

func (p *port) flush(dir FlushDirection) error {
	var which int
	switch dir {
	case FlushInput:
		which = unix.TCIFLUSH
	case FlushOutput:
		which = unix.TCOFLUSH
	default:
		which = unix.TCIOFLUSH
	}
	if err := flushQueue(p.fd, which); err != nil {
		return fmt.Errorf("tcflush failed: %w", err)
	}
	return nil
}

// pollTimeout converts d to poll milliseconds, rounding up so that poll
// never returns before d has elapsed.
func pollTimeout(d time.Duration) int {
	if maxPollWait > 0 && d > maxPollWait {
		d = maxPollWait
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

func (p *port) read(buf []byte, timeout time.Duration) (int, error) {
	if p.rfd < 0 {
		return 0, ErrClosed
	}
	pfds := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.rfd), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if (pfds[1].Revents & unix.POLLIN) != 0 {
		return 0, ErrClosed
	}
	if n == 0 {
		return 0, nil
	}
	if (pfds[0].Revents & unix.POLLNVAL) != 0 {
		return 0, unix.EBADF
	}
	ret, err := unix.Read(p.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if ret == 0 {
		// Readable without data means hang up.
		return 0, io.EOF
	}
	return ret, nil
}

func (p *port) write(data []byte, timeout time.Duration) (int, error) {
	if p.rfd < 0 {
		return 0, ErrClosed
	}
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(data) {
		ret, err := unix.Write(p.fd, data[n:])
		if ret > 0 {
			n += ret
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return n, err
		}
		if n == len(data) {
			break
		}
		if err == nil && ret > 0 {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n, nil
		}
		pfds := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLOUT},
			{Fd: int32(p.rfd), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfds, pollTimeout(remaining)); err != nil && !errors.Is(err, unix.EINTR) {
			return n, err
		}
		if (pfds[1].Revents & unix.POLLIN) != 0 {
			return n, ErrClosed
		}
	}
	return n, nil
}

func (p *port) setBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = uint(unix.TIOCSBRK)
	}
	if err := unix.IoctlSetInt(p.fd, req, 0); err != nil {
		return fmt.Errorf("set break failed: %w", err)
	}
	return nil
}

func (p *port) dsr() (bool, error) {
	status, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		return false, fmt.Errorf("get modem status failed: %w", err)
	}
	return (status & unix.TIOCM_DSR) != 0, nil
}

func (p *port) bytesToRead() (int, error) {
	n, err := unix.IoctlGetInt(p.fd, ioctlInQueue)
	if err != nil {
		return 0, fmt.Errorf("getBytesToRead failed: %w", err)
	}
	return n, nil
}
