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
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
)

const (
	// DefaultTimeout is the read and write timeout of a freshly opened port.
	DefaultTimeout = 5000 * time.Millisecond
	// BreakDuration is how long SendBreak holds the line in the break state.
	BreakDuration = 300 * time.Millisecond
	// ResetBanner is sent by the controller after a break reset.
	ResetBanner = "RESETBE6F\r"
	// Terminator ends every command and every reply.
	Terminator byte = '\r'
)

// supportedBaudRates lists the baud rates the controller understands.
var supportedBaudRates = []gxcommon.BaudRate{
	gxcommon.BaudRate(9600),
	gxcommon.BaudRate(14400),
	gxcommon.BaudRate(19200),
	gxcommon.BaudRate(38400),
	gxcommon.BaudRate(57600),
	gxcommon.BaudRate(115200),
}

// FlushDirection selects which buffers Flush discards.
type FlushDirection int

const (
	// FlushInput discards received but unread bytes.
	FlushInput FlushDirection = 1
	// FlushOutput discards written but unsent bytes.
	FlushOutput FlushDirection = 2
	// FlushBoth discards both.
	FlushBoth FlushDirection = FlushInput | FlushOutput
)

func (d FlushDirection) String() string {
	switch d {
	case FlushInput:
		return "input"
	case FlushOutput:
		return "output"
	case FlushBoth:
		return "both"
	}
	return fmt.Sprintf("FlushDirection(%d)", int(d))
}

func (d FlushDirection) input() bool {
	return d&FlushInput != 0
}

func (d FlushDirection) output() bool {
	return d&FlushOutput != 0
}

// CommSettings holds the communication parameters of the serial line.
type CommSettings struct {
	BaudRate  gxcommon.BaudRate
	DataBits  int
	Parity    gxcommon.Parity
	StopBits  gxcommon.StopBits
	Handshake bool
}

// DefaultSettings returns the power-on settings of the controller: 9600 8N1
// without hardware handshake.
func DefaultSettings() CommSettings {
	return CommSettings{
		BaudRate: gxcommon.BaudRate(9600),
		DataBits: 8,
		Parity:   gxcommon.ParityNone,
		StopBits: gxcommon.StopBitsOne,
	}
}

// ValidBaudRate reports whether the controller supports the baud rate.
func ValidBaudRate(value gxcommon.BaudRate) bool {
	for _, it := range supportedBaudRates {
		if it == value {
			return true
		}
	}
	return false
}

// ParseMode parses a three character mode string such as "8N1" or "7O2".
// The first character is the number of data bits (7 or 8), the second the
// parity (N, O or E) and the third the number of stop bits (1 or 2).
func ParseMode(mode string) (dataBits int, parity gxcommon.Parity, stopBits gxcommon.StopBits, err error) {
	if len(mode) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %w: mode %q must have three characters",
			ErrUnsupportedParameters, gxcommon.ErrInvalidArgument, mode)
	}
	switch mode[0] {
	case '7':
		dataBits = 7
	case '8':
		dataBits = 8
	default:
		return 0, 0, 0, fmt.Errorf("%w: %w: invalid data bits %q",
			ErrUnsupportedParameters, gxcommon.ErrInvalidArgument, mode[0])
	}
	switch strings.ToUpper(mode[1:2]) {
	case "N":
		parity = gxcommon.ParityNone
	case "O":
		parity = gxcommon.ParityOdd
	case "E":
		parity = gxcommon.ParityEven
	default:
		return 0, 0, 0, fmt.Errorf("%w: %w: invalid parity %q",
			ErrUnsupportedParameters, gxcommon.ErrInvalidArgument, mode[1])
	}
	switch mode[2] {
	case '1':
		stopBits = gxcommon.StopBitsOne
	case '2':
		stopBits = gxcommon.StopBitsTwo
	default:
		return 0, 0, 0, fmt.Errorf("%w: %w: invalid stop bits %q",
			ErrUnsupportedParameters, gxcommon.ErrInvalidArgument, mode[2])
	}
	return dataBits, parity, stopBits, nil
}

// NewCommSettings builds settings from a baud rate, a mode string and the
// handshake flag.
func NewCommSettings(baudRate gxcommon.BaudRate, mode string, handshake bool) (CommSettings, error) {
	dataBits, parity, stopBits, err := ParseMode(mode)
	if err != nil {
		return CommSettings{}, err
	}
	s := CommSettings{
		BaudRate:  baudRate,
		DataBits:  dataBits,
		Parity:    parity,
		StopBits:  stopBits,
		Handshake: handshake,
	}
	return s, s.Validate()
}

// Validate checks that the controller can use the settings.
func (s CommSettings) Validate() error {
	if !ValidBaudRate(s.BaudRate) {
		return fmt.Errorf("%w: baud rate %d", ErrUnsupportedParameters, int(s.BaudRate))
	}
	if s.DataBits != 7 && s.DataBits != 8 {
		return fmt.Errorf("%w: data bits %d", ErrUnsupportedParameters, s.DataBits)
	}
	switch s.Parity {
	case gxcommon.ParityNone, gxcommon.ParityOdd, gxcommon.ParityEven:
	default:
		return fmt.Errorf("%w: parity %d", ErrUnsupportedParameters, int(s.Parity))
	}
	switch s.StopBits {
	case gxcommon.StopBitsOne, gxcommon.StopBitsTwo:
	default:
		return fmt.Errorf("%w: stop bits %d", ErrUnsupportedParameters, int(s.StopBits))
	}
	return nil
}

// Mode returns the mode string of the settings, for example "8N1".
func (s CommSettings) Mode() string {
	var p byte
	switch s.Parity {
	case gxcommon.ParityOdd:
		p = 'O'
	case gxcommon.ParityEven:
		p = 'E'
	default:
		p = 'N'
	}
	stop := '1'
	if s.StopBits == gxcommon.StopBitsTwo {
		stop = '2'
	}
	return fmt.Sprintf("%d%c%c", s.DataBits, p, stop)
}

// String implements fmt.Stringer.
func (s CommSettings) String() string {
	if s.Handshake {
		return fmt.Sprintf("%d %s handshake", int(s.BaudRate), s.Mode())
	}
	return fmt.Sprintf("%d %s", int(s.BaudRate), s.Mode())
}
