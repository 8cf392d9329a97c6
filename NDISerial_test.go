package ndiserial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestOpen_Defaults(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)

	require.True(t, s.IsOpen())
	assert.Equal(t, DefaultSettings(), s.Settings())
	assert.Equal(t, 5000*time.Millisecond, s.Timeout())
	assert.Equal(t, "8N1", s.Settings().Mode())
	assert.False(t, s.Settings().Handshake)
	require.Len(t, f.settings, 1)
	assert.Equal(t, DefaultSettings(), f.settings[0])
	assert.Equal(t, []FlushDirection{FlushBoth}, f.flushes)
}

func TestOpen_Failure(t *testing.T) {
	s := NewNDISerial("missing")
	err := s.openWith(func(string) (device, error) { return nil, errors.New("no such device") })
	require.Error(t, err)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "missing", openErr.Device)
	assert.False(t, s.IsOpen())
}

func TestOpen_DefaultSettingsRejected(t *testing.T) {
	f := newFakeDevice()
	f.reject = func(CommSettings) error { return errors.New("tcsetattr failed") }
	s := NewNDISerial("fake0")
	err := s.openWith(func(string) (device, error) { return f, nil })
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	// The device is released on the error path.
	assert.True(t, f.closed)
}

func TestOpen_NoDeviceName(t *testing.T) {
	_, err := Open("")
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
}

func TestOpenClose_Repeated(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFakeDevice()
		s := NewNDISerial("fake0")
		require.NoError(t, s.openWith(func(string) (device, error) { return f, nil }))
		require.NoError(t, s.Close())
		require.True(t, f.closed)
	}
}

func TestClose_Twice(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), ErrClosed)
	assert.False(t, s.IsOpen())

	_, err := s.Read(make([]byte, 10))
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Write([]byte("INIT \r"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Flush(FlushBoth), ErrClosed)
	require.ErrorIs(t, s.SendBreak(), ErrClosed)
	require.ErrorIs(t, s.Configure(9600, "8N1", false), ErrClosed)
	assert.False(t, s.CheckDSR())

	// A closed port can't be opened again.
	err = s.openWith(func(string) (device, error) { return newFakeDevice(), nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestWrite_DiscardsStaleInput(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.respond = func([]byte) []byte { return []byte("OKAYA896\r") }
	f.feed("ERROR0C1A2\r")

	n, err := s.Write([]byte("INIT \r"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	assert.Equal(t, "INIT \r", f.writtenString())
	assert.Equal(t, FlushInput, f.flushes[len(f.flushes)-1])

	buf := make([]byte, 64)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OKAYA896\r", string(buf[:n]))
}

func TestWrite_DiscardsBufferedReply(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.feed("FIRST\rSECOND\r")

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "FIRST\r", string(buf[:n]))

	f.respond = func([]byte) []byte { return []byte("OKAY\r") }
	_, err = s.Write([]byte("BEEP 1\r"))
	require.NoError(t, err)
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OKAY\r", string(buf[:n]))
}

func TestWrite_Short(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.writeLimit = 2

	n, err := s.Write([]byte("TSTART \r"))
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(2), s.GetBytesSent())
}

func TestWrite_NoTerminatorAdded(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	_, err := s.Write([]byte("VER 4"))
	require.NoError(t, err)
	assert.Equal(t, "VER 4", f.writtenString())
}

func TestRead_ExactCapacity(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.feed("OKAY\r")

	buf := make([]byte, 5)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, byte('\r'), buf[n-1])
}

func TestRead_StopsAtTerminator(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.feed("AB\rCDE\r")

	buf := make([]byte, 10)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	assert.Equal(t, "AB\r", string(buf[:n]))

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "CDE\r", string(buf[:n]))
}

func TestRead_BufferFull(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.feed("ABCDEFG\r")

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.NotEqual(t, byte('\r'), buf[n-1])
	assert.Equal(t, "ABCD", string(buf[:n]))

	rest := make([]byte, 10)
	n, err = s.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "EFG\r", string(rest[:n]))
}

func TestRead_Chunked(t *testing.T) {
	f := newFakeDevice()
	f.chunk = 1
	s := openFake(t, f)
	f.feed("RESETBE6F\r")

	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, ResetBanner, string(buf[:n]))
	assert.Equal(t, uint64(len(ResetBanner)), s.GetBytesReceived())
}

func TestRead_Timeout(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.SetTimeout(50*time.Millisecond))

	start := time.Now()
	n, err := s.Read(make([]byte, 16))
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestRead_PartialTimeout(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.SetTimeout(50*time.Millisecond))
	f.feed("ABC")

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "ABC", string(buf[:n]))
}

func TestRead_EmptyBuffer(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	n, err := s.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRead_CloseUnblocks(t *testing.T) {
	f := newFakeDevice()
	s := NewNDISerial("fake0")
	require.NoError(t, s.openWith(func(string) (device, error) { return f, nil }))
	require.NoError(t, s.SetTimeout(10*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 16))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by close")
	}
}

func TestRoundTrip_Echo(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.respond = func(cmd []byte) []byte { return cmd }

	cmd := []byte("TX 0001\r")
	_, err := s.Write(cmd)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, cmd, buf[:n])
}

func TestConfigure_Applies(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)

	require.NoError(t, s.Configure(115200, "8N1", true))
	want := CommSettings{
		BaudRate:  115200,
		DataBits:  8,
		Parity:    gxcommon.ParityNone,
		StopBits:  gxcommon.StopBitsOne,
		Handshake: true,
	}
	assert.Equal(t, want, s.Settings())
	assert.Equal(t, want, f.settings[len(f.settings)-1])

	require.NoError(t, s.Configure(19200, "7E2", false))
	assert.Equal(t, "7E2", s.Settings().Mode())
}

func TestConfigure_RejectsUnsupported(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.Configure(57600, "8N1", false))
	before := s.Settings()

	err := s.Configure(4800, "8N1", false)
	require.ErrorIs(t, err, ErrUnsupportedParameters)
	err = s.Configure(9600, "9N1", false)
	require.ErrorIs(t, err, ErrUnsupportedParameters)
	require.ErrorIs(t, err, gxcommon.ErrInvalidArgument)
	err = s.Configure(9600, "8X1", false)
	require.ErrorIs(t, err, ErrUnsupportedParameters)

	assert.Equal(t, before, s.Settings())
	// Rejected settings never reach the device.
	assert.Len(t, f.settings, 2)
}

func TestConfigure_DeviceRejects(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	before := s.Settings()

	f.reject = func(c CommSettings) error {
		if c.BaudRate == 14400 {
			return ErrUnsupportedParameters
		}
		return errors.New("tcsetattr failed")
	}
	err := s.Configure(14400, "8N1", false)
	require.ErrorIs(t, err, ErrUnsupportedParameters)
	assert.Equal(t, before, s.Settings())

	err = s.Configure(38400, "8N1", false)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "configure", ioErr.Op)
	assert.Equal(t, before, s.Settings())
}

func TestSendBreak_Banner(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.Configure(115200, "8N1", true))

	start := time.Now()
	require.NoError(t, s.SendBreak())
	assert.GreaterOrEqual(t, time.Since(start), BreakDuration)
	assert.Equal(t, []bool{true, false}, f.breaks)
	// The break does not touch the local settings.
	assert.Equal(t, 115200, int(s.Settings().BaudRate))

	require.NoError(t, s.Configure(9600, "8N1", false))
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, ResetBanner, string(buf[:n]))
}

func TestCheckDSR(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	assert.True(t, s.CheckDSR())
	f.mu.Lock()
	f.dsrOn = false
	f.mu.Unlock()
	assert.False(t, s.CheckDSR())
}

func TestFlush(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.feed("A\rB\r")
	buf := make([]byte, 8)
	_, err := s.Read(buf)
	require.NoError(t, err)

	n, err := s.BytesToRead()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Flush(FlushOutput))
	n, err = s.BytesToRead()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Flush(FlushInput))
	n, err = s.BytesToRead()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.ErrorIs(t, s.Flush(FlushDirection(7)), gxcommon.ErrInvalidArgument)
}

func TestSetTimeout(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	require.NoError(t, s.SetTimeout(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, s.Timeout())
	require.ErrorIs(t, s.SetTimeout(0), gxcommon.ErrInvalidArgument)
	require.ErrorIs(t, s.SetTimeout(-time.Second), gxcommon.ErrInvalidArgument)
	assert.Equal(t, 250*time.Millisecond, s.Timeout())
}

func TestSleep(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	start := time.Now()
	s.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestByteCounters(t *testing.T) {
	f := newFakeDevice()
	s := openFake(t, f)
	f.respond = func([]byte) []byte { return []byte("OKAY\r") }
	_, err := s.Write([]byte("BEEP 1\r"))
	require.NoError(t, err)
	_, err = s.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.GetBytesSent())
	assert.Equal(t, uint64(5), s.GetBytesReceived())
	s.ResetByteCounters()
	assert.Zero(t, s.GetBytesSent())
	assert.Zero(t, s.GetBytesReceived())
}

func TestEvents(t *testing.T) {
	f := newFakeDevice()
	s := NewNDISerial("fake0")

	var mu sync.Mutex
	var states []gxcommon.MediaState
	var traces []gxcommon.TraceTypes
	var errs []error
	s.SetTrace(gxcommon.TraceLevel(100))
	s.SetOnMediaStateChange(func(_ *NDISerial, state gxcommon.MediaState) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})
	s.SetOnTrace(func(_ *NDISerial, traceType gxcommon.TraceTypes, message string) {
		mu.Lock()
		traces = append(traces, traceType)
		mu.Unlock()
	})
	s.SetOnError(func(_ *NDISerial, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	require.NoError(t, s.openWith(func(string) (device, error) { return f, nil }))
	f.respond = func(cmd []byte) []byte { return cmd }
	_, err := s.Write([]byte("ECHO\r"))
	require.NoError(t, err)
	_, err = s.Read(make([]byte, 16))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []gxcommon.MediaState{
		gxcommon.MediaStateOpening,
		gxcommon.MediaStateOpen,
		gxcommon.MediaStateClosing,
		gxcommon.MediaStateClosed,
	}, states)
	assert.Contains(t, traces, gxcommon.TraceTypesSent)
	assert.Contains(t, traces, gxcommon.TraceTypesReceived)
	assert.Contains(t, traces, gxcommon.TraceTypesInfo)
	assert.Empty(t, errs)
}

func TestLocalize(t *testing.T) {
	f := newFakeDevice()
	s := NewNDISerial("fake0")
	s.Localize(language.German)
	s.SetTrace(gxcommon.TraceLevel(100))
	var mu sync.Mutex
	var messages []string
	s.SetOnTrace(func(_ *NDISerial, _ gxcommon.TraceTypes, message string) {
		mu.Lock()
		messages = append(messages, message)
		mu.Unlock()
	})
	require.NoError(t, s.openWith(func(string) (device, error) { return f, nil }))
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, messages, "Verbunden mit fake0")
}

func TestLocalize_WhileInUse(t *testing.T) {
	f := newFakeDevice()
	f.respond = func(cmd []byte) []byte { return cmd }
	s := openFake(t, f)
	s.SetTrace(gxcommon.TraceLevel(100))
	s.SetOnTrace(func(*NDISerial, gxcommon.TraceTypes, string) {})

	done := make(chan struct{})
	go func() {
		defer close(done)
		tags := []language.Tag{language.German, language.Finnish, language.AmericanEnglish}
		for i := 0; i < 100; i++ {
			s.Localize(tags[i%len(tags)])
		}
	}()
	buf := make([]byte, 16)
	for i := 0; i < 20; i++ {
		_, err := s.Write([]byte("ECHO\r"))
		require.NoError(t, err)
		n, err := s.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ECHO\r", string(buf[:n]))
		require.NoError(t, s.Configure(19200, "8N1", false))
	}
	<-done
}
