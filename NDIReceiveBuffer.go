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
	"sync"
)

// receiveBuffer holds bytes that arrived after a terminator. They belong to
// the next reply and are handed out before the port is read again.
type receiveBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *receiveBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
}

// Take copies buffered bytes to dst up to and including the first
// terminator. It returns the number of copied bytes and whether the
// terminator was among them.
func (b *receiveBuffer) Take(dst []byte, terminator byte) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 || len(dst) == 0 {
		return 0, false
	}
	count := len(b.buf)
	found := false
	if i := bytes.IndexByte(b.buf, terminator); i >= 0 && i < len(dst) {
		count = i + 1
		found = true
	}
	if count > len(dst) {
		count = len(dst)
	}
	copy(dst, b.buf[:count])
	//Remove copied bytes from the buffer.
	b.buf = append(b.buf[:0], b.buf[count:]...)
	return count, found
}

func (b *receiveBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *receiveBuffer) Clear() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}
