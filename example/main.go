package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gurux/gxcommon-go"
	"github.com/ndicapi/ndiserial-go"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

var (
	configFile = flag.String("config", "", "Config file (yaml, toml or json)")
	port       = flag.String("S", "", "Port name. Overrides the device index.")
	index      = flag.Int("i", -1, "Device index in the device table")
	baudRate   = flag.Int("b", 0, "Baud rate (9600, 14400, 19200, 38400, 57600, 115200)")
	mode       = flag.String("mode", "", "Data bits, parity and stop bits, e.g. 8N1")
	handshake  = flag.Bool("hs", false, "Use RTS/CTS handshake")
	message    = flag.String("m", "", "Command to send")
	t          = flag.String("t", "", "Trace level.")
	w          = flag.Duration("w", 0, "Reply timeout")
	reset      = flag.Bool("reset", false, "Reset the controller with a serial break first")
	list       = flag.Bool("list", false, "List serial ports and exit")
	lang       = flag.String("lang", "", "Used language.")
)

// config is the example's settings after the config file and flags are
// merged.
type config struct {
	Devices   map[string]string `mapstructure:"devices"`
	Device    int               `mapstructure:"device"`
	Port      string            `mapstructure:"port"`
	BaudRate  int               `mapstructure:"baud_rate"`
	Mode      string            `mapstructure:"mode"`
	Handshake bool              `mapstructure:"handshake"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Reset     bool              `mapstructure:"reset"`
	Trace     string            `mapstructure:"trace"`
	LogLevel  string            `mapstructure:"log_level"`
	Language  string            `mapstructure:"language"`
}

func loadConfig() (*config, error) {
	v := viper.New()
	v.SetDefault("device", 0)
	v.SetDefault("baud_rate", 9600)
	v.SetDefault("mode", "8N1")
	v.SetDefault("handshake", false)
	v.SetDefault("timeout", ndiserial.DefaultTimeout)
	v.SetDefault("trace", "Error")
	v.SetDefault("log_level", "info")
	v.SetEnvPrefix("NDISERIAL")
	v.AutomaticEnv()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", *configFile, err)
		}
	}
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Flags given on the command line win.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "S":
			cfg.Port = *port
		case "i":
			cfg.Device = *index
		case "b":
			cfg.BaudRate = *baudRate
		case "mode":
			cfg.Mode = *mode
		case "hs":
			cfg.Handshake = *handshake
		case "w":
			cfg.Timeout = *w
		case "reset":
			cfg.Reset = *reset
		case "t":
			cfg.Trace = *t
		case "lang":
			cfg.Language = *lang
		}
	})
	return &cfg, nil
}

// deviceTable returns the configured device table, or the platform
// default when the config has none.
func (c *config) deviceTable() (ndiserial.DeviceTable, error) {
	if len(c.Devices) == 0 {
		return ndiserial.DefaultDevices(), nil
	}
	table := ndiserial.DeviceTable{}
	for k, v := range c.Devices {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("device index %q: %w", k, err)
		}
		table[i] = v
	}
	return table, nil
}

func (c *config) portName() (string, error) {
	if c.Port != "" {
		return c.Port, nil
	}
	table, err := c.deviceTable()
	if err != nil {
		return "", err
	}
	return table.Lookup(c.Device)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}

// attachLogger routes the port's trace, state and error events to log.
func attachLogger(s *ndiserial.NDISerial, log *zap.Logger) {
	s.SetOnTrace(func(s *ndiserial.NDISerial, traceType gxcommon.TraceTypes, message string) {
		fields := []zap.Field{zap.String("port", s.Device())}
		switch traceType {
		case gxcommon.TraceTypesError:
			log.Error(message, fields...)
		case gxcommon.TraceTypesSent, gxcommon.TraceTypesReceived:
			log.Debug(message, fields...)
		default:
			log.Info(message, fields...)
		}
	})
	s.SetOnMediaStateChange(func(s *ndiserial.NDISerial, state gxcommon.MediaState) {
		log.Info("media state", zap.String("port", s.Device()), zap.String("state", state.String()))
	})
	s.SetOnError(func(s *ndiserial.NDISerial, err error) {
		log.Error("port error", zap.String("port", s.Device()), zap.Error(err))
	})
}

// baudCodes maps baud rates to the digit the controller's COMM command
// expects.
var baudCodes = map[gxcommon.BaudRate]byte{
	9600:   '0',
	14400:  '1',
	19200:  '2',
	38400:  '3',
	57600:  '4',
	115200: '5',
}

// commCommand builds the COMM command that switches the controller to
// settings.
func commCommand(settings ndiserial.CommSettings) (string, error) {
	b, ok := baudCodes[settings.BaudRate]
	if !ok {
		return "", fmt.Errorf("%w: baud rate %d", ndiserial.ErrUnsupportedParameters, settings.BaudRate)
	}
	cmd := []byte{'C', 'O', 'M', 'M', ' ', b, '0', '0', '0', '0'}
	if settings.DataBits == 7 {
		cmd[6] = '1'
	}
	switch settings.Parity {
	case gxcommon.ParityOdd:
		cmd[7] = '1'
	case gxcommon.ParityEven:
		cmd[7] = '2'
	}
	if settings.StopBits == gxcommon.StopBitsTwo {
		cmd[8] = '1'
	}
	if settings.Handshake {
		cmd[9] = '1'
	}
	return string(cmd), nil
}

// readReply reads one carriage return terminated reply.
func readReply(s *ndiserial.NDISerial) (string, error) {
	var reply bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := s.Read(buf)
		reply.Write(buf[:n])
		if err != nil {
			return reply.String(), err
		}
		if n > 0 && buf[n-1] == ndiserial.Terminator {
			return reply.String(), nil
		}
	}
}

// exchange sends command and returns the reply without the terminator.
func exchange(s *ndiserial.NDISerial, command string) (string, error) {
	if !strings.HasSuffix(command, string(ndiserial.Terminator)) {
		command += string(ndiserial.Terminator)
	}
	if _, err := s.Write([]byte(command)); err != nil {
		return "", err
	}
	reply, err := readReply(s)
	return strings.TrimSuffix(reply, string(ndiserial.Terminator)), err
}

// resetController sends a break and waits for the reset banner at the
// default settings.
func resetController(s *ndiserial.NDISerial, log *zap.Logger) error {
	if err := s.SendBreak(); err != nil {
		return err
	}
	if err := s.ConfigureSettings(ndiserial.DefaultSettings()); err != nil {
		return err
	}
	banner, err := readReply(s)
	if err != nil {
		return fmt.Errorf("waiting for reset banner: %w", err)
	}
	if banner != ndiserial.ResetBanner {
		return fmt.Errorf("unexpected reset reply %q", banner)
	}
	log.Info("controller reset", zap.String("port", s.Device()))
	return nil
}

// switchSettings moves both the controller and the port to target.
func switchSettings(s *ndiserial.NDISerial, target ndiserial.CommSettings, log *zap.Logger) error {
	if target == s.Settings() {
		return nil
	}
	cmd, err := commCommand(target)
	if err != nil {
		return err
	}
	reply, err := exchange(s, cmd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "OKAY") {
		return fmt.Errorf("%s: controller replied %q", cmd, reply)
	}
	// Give the controller time to switch before the port follows.
	s.Sleep(100 * time.Millisecond)
	if err := s.ConfigureSettings(target); err != nil {
		return err
	}
	log.Info("settings changed", zap.String("port", s.Device()), zap.Stringer("settings", target))
	return nil
}

func listPorts() {
	ports, err := ndiserial.GetPortNames()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to get available serial ports:", err)
		return
	}
	fmt.Println("Available serial ports: " + strings.Join(ports, ","))
	table := ndiserial.DefaultDevices()
	for _, i := range table.Indexes() {
		fmt.Printf("  %d: %s\n", i, table[i])
	}
}

func main() {
	flag.Parse()
	if *list {
		listPorts()
		return
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if *message == "" && !cfg.Reset {
		flag.PrintDefaults()
		return
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	defer func() {
		_ = log.Sync()
	}()
	if err := run(cfg, log); err != nil {
		log.Error("failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config, log *zap.Logger) error {
	name, err := cfg.portName()
	if err != nil {
		return err
	}
	target, err := ndiserial.NewCommSettings(gxcommon.BaudRate(cfg.BaudRate), cfg.Mode, cfg.Handshake)
	if err != nil {
		return err
	}
	tl, err := gxcommon.TraceLevelParse(cfg.Trace)
	if err != nil {
		return err
	}

	s := ndiserial.NewNDISerial(name)
	if cfg.Language != "" {
		tag, err := language.Parse(cfg.Language)
		if err != nil {
			return err
		}
		s.Localize(tag)
	}
	s.SetTrace(tl)
	attachLogger(s, log)

	if err := s.Open(); err != nil {
		var oe *ndiserial.OpenError
		if errors.As(err, &oe) {
			if ports, perr := ndiserial.GetPortNames(); perr == nil {
				sort.Strings(ports)
				log.Info("available serial ports", zap.Strings("ports", ports))
			}
		}
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()
	if err := s.SetTimeout(cfg.Timeout); err != nil {
		return err
	}
	if !s.CheckDSR() {
		log.Warn("DSR not asserted, is the controller connected and switched on?", zap.String("port", name))
	}
	if cfg.Reset {
		if err := resetController(s, log); err != nil {
			return err
		}
	}
	if err := switchSettings(s, target, log); err != nil {
		return err
	}
	// Return the controller to the defaults so the next session finds it
	// where a reset would leave it.
	defer func() {
		if err := switchSettings(s, ndiserial.DefaultSettings(), log); err != nil {
			log.Warn("restoring default settings failed", zap.Error(err))
		}
	}()
	if *message == "" {
		return nil
	}
	reply, err := exchange(s, *message)
	if err != nil {
		if ndiserial.IsTimeout(err) {
			log.Warn("no complete reply", zap.String("partial", reply))
		}
		return err
	}
	fmt.Println(reply)
	log.Debug("exchange done",
		zap.Uint64("sent", s.GetBytesSent()),
		zap.Uint64("received", s.GetBytesReceived()))
	return nil
}
