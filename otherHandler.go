//go:build !linux && !darwin && !windows

package ndiserial

func defaultDevices() DeviceTable {
	return DeviceTable{}
}

func getPortNames() ([]string, error) {
	return nil, ErrUnsupportedPlatform
}

func openDevice(name string) (device, error) {
	return nil, ErrUnsupportedPlatform
}
