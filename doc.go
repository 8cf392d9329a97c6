// Package ndiserial provides the serial port link to NDI tracking device
// controllers. The controller talks a half-duplex, carriage return
// terminated protocol: every command ends with '\r' and every reply ends
// with '\r'. This package handles the port; formatting commands and
// parsing replies is left to the protocol layer.
//
// Features
//
//   - Linux, macOS and Windows ports behind one type, NDISerial.
//   - 9600, 14400, 19200, 38400, 57600 and 115200 baud, "8N1" style modes
//     and hardware handshake, applied as one operation.
//   - Reads that stop at the carriage return, when the buffer is full or
//     when the timeout elapses (5 s by default).
//   - Writes discard stale input before sending.
//   - Break reset, DSR check and buffer flushing.
//   - Tracing: configurable trace level for sent/received/error/info.
//
// # Construction
//
// Open the device with Open, or with NewNDISerial and Open when trace and
// state handlers must be set first.
//
// Example
//
//	s, err := ndiserial.Open("/dev/ttyUSB0")
//	if err != nil {
//	    // handle open error
//	}
//	defer s.Close()
//
//	// Reset the controller and read the banner.
//	if err := s.SendBreak(); err != nil {
//	    return err
//	}
//	if err := s.Configure(9600, "8N1", false); err != nil {
//	    return err
//	}
//	reply := make([]byte, 2048)
//	n, err := s.Read(reply) // "RESETBE6F\r"
//
// # Reads and timeouts
//
// Read returns ErrTimeout when nothing, or only a part of a reply, arrived
// in time. A full buffer without a carriage return is not an error; read
// again to get the rest of the reply. Write returns ErrTimeout with a short
// count when the port did not accept all bytes in time. Other failures are
// returned as *IOError and mean the link is unusable. The package never
// retries; that decision belongs to the protocol layer.
//
// # Concurrency
//
// A port is used by one goroutine at a time. Close can be called from
// another goroutine; a blocked Read or Write then returns ErrClosed.
package ndiserial
