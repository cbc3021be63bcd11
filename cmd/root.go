/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	serialtest "github.com/allbin/serial-test"
	"github.com/allbin/serial-test/internal/publish"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SERIAL_TEST"

var (
	cfgFile  string
	exitCode int
)

// rootCmd runs the exerciser
var rootCmd = &cobra.Command{
	Use:   "serial-test [port]",
	Short: "Exercise a serial port with a duplex self-test",
	Long: `Exercise a UART backed serial port by transmitting an incrementing byte
sequence and verifying the sequence received on the same or a connected port.

The port is opened with an exclusive lock and configured raw 8 bit. Standard
baud rates use the termios constants; other rates are set with an arbitrary
speed request, falling back to a custom clock divisor within 2% of the
requested rate.

The exit status is 0 on a clean run, the number of errors (capped at 125) when
bytes were lost or corrupted, 126 when the measured baud rate is off by 1% or
more, and a negated errno when the port could not be set up.

Every flag can also be set from the environment as SERIAL_TEST_<FLAG> (dashes
become underscores) or from a config file passed with --config.

Example usage:
  serial-test /dev/ttyS0 --baud 115200 --loopback --tx-time 10000 --rx-time 10000
  serial-test -p /dev/ttyUSB0 -b 250000 --stats
  serial-test /dev/ttyUSB0 --no-tx --rx-dump --ascii`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newViper(cmd)
		if err != nil {
			return err
		}
		setupLogging(v)

		config, err := configFromViper(v, args)
		if err != nil {
			return err
		}

		exitCode = runTest(cmd.Context(), v, config)
		return nil
	},
}

// Execute runs the command line and returns the process exit status
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("serial-test failed")
		return serialtest.ExitCode(err)
	}
	return exitCode
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	f.StringP("port", "p", "", "serial device, e.g. /dev/ttyS0 (or first argument)")
	f.IntP("baud", "b", 0, "baud rate, standard or custom (0 means 115200, or the divisor's rate)")
	f.IntP("divisor", "d", 0, "explicit UART clock divisor for custom rates")
	f.Int("stop-bits", 1, "stop bits: 1 or 2")
	f.String("parity", "none", "parity: none, odd, even, mark, space")
	f.String("flow-control", "none", "flow control: none, rtscts")

	f.Bool("rs485", false, "enable RS-485 direction control")
	f.Int("rs485-delay-before", 0, "RTS delay before send, in bit times")
	f.Int("rs485-delay-after", 0, "RTS delay after send, in bit times")
	f.Bool("rs485-rts-after-send", false, "assert RTS after send instead of on send")

	f.BoolP("loopback", "k", false, "enable the UART internal loopback")
	f.Bool("no-modem-control", false, "leave modem control lines untouched")
	f.Bool("quick-close", false, "suppress the driver closing wait while open")

	f.Bool("no-rx", false, "do not receive")
	f.Bool("no-tx", false, "do not transmit")
	f.Int("rx-delay", 0, "minimum ms between receive attempts")
	f.Int("tx-delay", 0, "minimum ms between transmit attempts")
	f.Int("tx-wait", 0, "ms to wait before transmitting")
	f.Int("tx-time", 0, "stop transmitting after ms (0 runs until interrupted)")
	f.Int("rx-time", 0, "stop receiving after ms (0 runs until interrupted)")
	f.Int("rx-timeout", 10000, "warn when nothing is received for ms (0 disables)")
	f.Int("tx-timeout", 10000, "warn when nothing is written for ms (0 disables)")
	f.Bool("error-on-timeout", false, "treat idle timeouts as fatal")
	f.Bool("stop-on-error", false, "stop at the first sequence error")

	f.BoolP("ascii", "y", false, "send printable ASCII 32..126 instead of 0..255")
	f.BoolP("write-follows-read", "f", false, "only write as many bytes as were read")
	f.Int("tx-bytes", 0, "bytes per write (0 writes until the driver is full)")

	f.BoolP("rx-dump", "R", false, "hex dump received data")
	f.BoolP("detailed-tx", "T", false, "print bytes written per cycle")
	f.BoolP("stats", "s", false, "print statistics every 5 seconds")
	f.Bool("no-icount", false, "do not query driver interrupt counters")

	f.BoolP("verbose", "v", false, "debug logging")
	f.BoolP("quiet", "q", false, "only log errors")
	f.Bool("tui", false, "show a live dashboard instead of plain reports")
	f.String("mqtt-broker", "", "publish statistics to this MQTT broker, e.g. tcp://localhost:1883")
	f.String("mqtt-topic", "serial-test", "MQTT topic for statistics")
}

// newViper binds the command's flags, the environment and the optional
// config file into one view
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", serialtest.ErrInvalidConfig, cfgFile, err)
		}
		log.WithField("file", v.ConfigFileUsed()).Debug("using config file")
	}
	return v, nil
}

func setupLogging(v *viper.Viper) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case v.GetBool("verbose"):
		log.SetLevel(log.DebugLevel)
	case v.GetBool("quiet"):
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}

// configFromViper converts flags into a validated session configuration
func configFromViper(v *viper.Viper, args []string) (serialtest.Config, error) {
	port := v.GetString("port")
	if len(args) == 1 {
		port = args[0]
	}

	parity, err := serialtest.ParseParity(v.GetString("parity"))
	if err != nil {
		return serialtest.Config{}, err
	}

	var flow serialtest.FlowControl
	switch strings.ToLower(v.GetString("flow-control")) {
	case "", "none":
		flow = serialtest.FlowControlNone
	case "rtscts", "hw", "hardware":
		flow = serialtest.FlowControlRTSCTS
	default:
		return serialtest.Config{}, fmt.Errorf("%w: unknown flow control %q",
			serialtest.ErrInvalidConfig, v.GetString("flow-control"))
	}

	opts := []serialtest.Option{
		serialtest.WithBaudRate(v.GetInt("baud")),
		serialtest.WithDivisor(v.GetInt("divisor")),
		serialtest.WithStopBits(v.GetInt("stop-bits")),
		serialtest.WithParity(parity),
		serialtest.WithFlowControl(flow),
		serialtest.WithDirections(!v.GetBool("no-rx"), !v.GetBool("no-tx")),
		serialtest.WithRxDelay(millis(v, "rx-delay")),
		serialtest.WithTxDelay(millis(v, "tx-delay")),
		serialtest.WithTxWait(millis(v, "tx-wait")),
		serialtest.WithTxTime(millis(v, "tx-time")),
		serialtest.WithRxTime(millis(v, "rx-time")),
		serialtest.WithRxTimeout(millis(v, "rx-timeout")),
		serialtest.WithTxTimeout(millis(v, "tx-timeout")),
		serialtest.WithTxChunk(v.GetInt("tx-bytes")),
	}

	flags := []struct {
		key string
		opt serialtest.Option
	}{
		{"loopback", serialtest.WithLoopback()},
		{"no-modem-control", serialtest.WithoutModemControl()},
		{"quick-close", serialtest.WithQuickClose()},
		{"error-on-timeout", serialtest.WithErrorOnTimeout()},
		{"stop-on-error", serialtest.WithStopOnError()},
		{"ascii", serialtest.WithASCII()},
		{"write-follows-read", serialtest.WithWriteFollowsRead()},
		{"rx-dump", serialtest.WithRxDump()},
		{"detailed-tx", serialtest.WithDetailedTx()},
		{"stats", serialtest.WithStats()},
		{"no-icount", serialtest.WithoutICount()},
	}
	for _, f := range flags {
		if v.GetBool(f.key) {
			opts = append(opts, f.opt)
		}
	}

	if v.GetBool("rs485") {
		opts = append(opts, serialtest.WithRS485(
			v.GetInt("rs485-delay-before"),
			v.GetInt("rs485-delay-after"),
			v.GetBool("rs485-rts-after-send"),
		))
	}

	return serialtest.NewConfig(port, opts...)
}

// runTest wires reporting, telemetry and the optional dashboard around a run
func runTest(ctx context.Context, v *viper.Viper, config serialtest.Config) int {
	interrupt := serialtest.NewInterrupt(serialtest.DefaultInterruptLimit)
	stop := interrupt.Watch()
	defer stop()

	opts := []serialtest.RunOption{
		serialtest.WithRunInterrupt(interrupt),
	}

	if broker := v.GetString("mqtt-broker"); broker != "" {
		pub, err := publish.Connect(broker, v.GetString("mqtt-topic"), config.Port)
		if err != nil {
			log.WithError(err).Warn("telemetry disabled")
		} else {
			defer pub.Close()
			opts = append(opts,
				serialtest.WithEngineOptions(serialtest.WithStatsHook(pub.Snapshot)),
				serialtest.WithResultHook(pub.Result),
			)
		}
	}

	if v.GetBool("tui") {
		return runDashboard(ctx, config, interrupt, opts...)
	}

	_, code := serialtest.Run(ctx, config, opts...)
	return code
}
