//go:build linux

package ndiserial

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlInQueue    = unix.TIOCINQ
	// Poll can wait for the whole timeout.
	maxPollWait time.Duration = 0
)

// toUnixBaudrate maps a baud rate to the corresponding constant in the unix package.
// Termios has no 14400 baud rate.
var toUnixBaudrate = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

func defaultDevices() DeviceTable {
	return DeviceTable{
		0: "/dev/ttyS0",
		1: "/dev/ttyS1",
		2: "/dev/ttyUSB0",
		3: "/dev/ttyUSB1",
	}
}

// getPortNames returns a list of available serial port device paths on Linux.
func getPortNames() ([]string, error) {
	patterns := []string{
		"/dev/ttyS*",
		"/dev/ttyUSB*",
		"/dev/ttyXRUSB*",
		"/dev/ttyACM*",
		"/dev/ttyAMA*",
		"/dev/rfcomm*",
		"/dev/ttyAP*",
	}

	var devices []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, device := range matches {
			name := filepath.Base(device)
			sysPath := filepath.Join("/sys/class/tty", name, "device")

			if _, err := os.Stat(sysPath); err == nil {
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
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
	return nil
}

func flushQueue(fd int, which int) error {
	return unix.IoctlSetInt(fd, unix.TCFLSH, which)
}
