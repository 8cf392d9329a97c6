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
)

var (
	// ErrTimeout is returned when the timeout elapses before a read found a
	// terminator or before a write was accepted. It is recoverable: the
	// returned count tells how many bytes were transferred.
	ErrTimeout = errors.New("serial timeout")
	// ErrUnsupportedParameters is returned when the requested communication
	// parameters are not available.
	ErrUnsupportedParameters = errors.New("unsupported communication parameters")
	// ErrPortBusy is returned by Open when another owner holds the device.
	ErrPortBusy = errors.New("serial port is in use")
	// ErrClosed is returned when the port is used after Close.
	ErrClosed = errors.New("serial port closed")
	// ErrUnsupportedPlatform is returned by Open on platforms without a
	// serial port implementation.
	ErrUnsupportedPlatform = errors.New("serial ports are not supported on this platform")
)

// OpenError is returned when the device cannot be opened.
type OpenError struct {
	Device string
	Err    error
}

func (e *OpenError) Error() string {
	return "open " + e.Device + ": " + e.Err.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IOError is returned when an operation on an open port fails. The link
// should be treated as unusable.
type IOError struct {
	Op     string
	Device string
	Err    error
}

func (e *IOError) Error() string {
	return e.Op + " " + e.Device + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a recoverable timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
