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
	"sort"
)

// DeviceTable maps a small port index to a device name, for example
// 0 to "/dev/ttyS0" or "COM1".
type DeviceTable map[int]string

// DefaultDevices returns the usual names of the first serial ports of this
// platform. The table is empty where the names are not predictable; use
// GetPortNames there.
func DefaultDevices() DeviceTable {
	return defaultDevices()
}

// GetPortNames returns the serial ports that are present.
func GetPortNames() ([]string, error) {
	return getPortNames()
}

// Lookup returns the device name of the index.
func (t DeviceTable) Lookup(index int) (string, error) {
	name, ok := t[index]
	if !ok || name == "" {
		return "", fmt.Errorf("no serial device for index %d", index)
	}
	return name, nil
}

// Indexes returns the indexes of the table in ascending order.
func (t DeviceTable) Indexes() []int {
	ret := make([]int, 0, len(t))
	for k := range t {
		ret = append(ret, k)
	}
	sort.Ints(ret)
	return ret
}

// Open opens the device of the index.
func (t DeviceTable) Open(index int) (*NDISerial, error) {
	name, err := t.Lookup(index)
	if err != nil {
		return nil, &OpenError{Device: fmt.Sprintf("#%d", index), Err: err}
	}
	return Open(name)
}
