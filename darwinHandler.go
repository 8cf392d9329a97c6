//go:build darwin

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
	"fmt"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	// FIONREAD, _IOR('f', 127, int). The unix package does not export it
	// for darwin.
	ioctlInQueue = 0x4004667f
	// For some reasons close might hang sometimes if poll waits long.
	maxPollWait = 100 * time.Millisecond
)

// toUnixBaudrate maps a baud rate to the corresponding constant in the mac package.
var toUnixBaudrate = map[int]uint64{
	9600:   unix.B9600,
	14400:  unix.B14400,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// USB serial adapters get unpredictable names on macOS.
func defaultDevices() DeviceTable {
	return DeviceTable{}
}

// getPortNames returns a list of available serial port device paths on macOS.
func getPortNames() ([]string, error) {
	patterns := []string{
		"/dev/tty.*",
		"/dev/cu.*",
	}

	var devices []string
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			if _, ok := seen[device]; !ok {
				seen[device] = struct{}{}
				devices = append(devices, device)
			}
		}
	}
	return devices, nil
}

func setSpeed(t *unix.Termios, baudRate int) error {
	speed, ok := toUnixBaudrate[baudRate]
	if !ok {
		return fmt.Errorf("%w: baud rate %d is not available on this system", ErrUnsupportedParameters, baudRate)
	}
	t.Ispeed = speed
	t.Ospeed = speed
	return nil
}

// flushQueue flushes with TIOCFLUSH, which takes a pointer to FREAD/FWRITE.
// TCIFLUSH and TCOFLUSH have the same values.
func flushQueue(fd int, which int) error {
	v := int32(which)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TIOCFLUSH), uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return errno
	}
	return nil
}
