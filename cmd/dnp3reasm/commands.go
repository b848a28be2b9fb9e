package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkolkebeck/bro/internal/logger"
	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/channel"
	"github.com/mkolkebeck/bro/pkg/transport"
)

const envPrefix = "DNP3REASM"

// Set with -ldflags "-X main.version=..."
var version = "dev"

var cfg = viper.New()

var appLog logger.Logger = logger.NewNoOpLogger()

func Commands() *cobra.Command {
	root := &cobra.Command{
		Use:          "dnp3reasm",
		Short:        "dnp3reasm reconstructs DNP3 application messages from link traffic",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, toml or json)")
	pf.StringP("loglevel", "l", "info", "log level to use")
	pf.Bool("validate-seq", false, "drop messages whose transport sequence numbers are not consecutive")
	pf.Int("max-message-size", transport.MaxMessageSize, "largest reconstructed message, link header included")
	pf.Bool("json", false, "print messages as JSON lines")
	pf.Bool("data", false, "include message bytes as hex")

	root.AddCommand(versionCmd())
	root.AddCommand(pcapCmd())
	root.AddCommand(tapCmd())
	root.AddCommand(collectCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Display the dnp3reasm version",
		Example: "  dnp3reasm version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dnp3reasm %s\n", version)
		},
	}
}

// initConfig layers flags over DNP3REASM_* environment variables over the
// optional config file, then sets up logging.
func initConfig(cmd *cobra.Command) error {
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cfg.AutomaticEnv()

	if err := cfg.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "binding flags")
	}

	if file := cfg.GetString("config"); file != "" {
		cfg.SetConfigFile(file)
		if err := cfg.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config %s", file)
		}
	}

	level, err := logger.ParseLevel(cfg.GetString("loglevel"))
	if err != nil {
		return err
	}
	appLog = logger.NewLoggerTo(cmd.ErrOrStderr(), level)

	return nil
}

func transportConfig() transport.Config {
	c := transport.DefaultConfig()
	c.ValidateSequence = cfg.GetBool("validate-seq")
	c.MaxMessageSize = cfg.GetInt("max-message-size")
	return c
}

// outputs receives every reconstructed message: printed, and relayed when
// a collector is configured
type outputs struct {
	printer *printer
	relayCh channel.PhysicalChannel
	relay   *channel.Relay
}

func newOutputs(cmd *cobra.Command) (*outputs, error) {
	o := &outputs{
		printer: newPrinter(cmd.OutOrStdout(), cfg.GetBool("json"), cfg.GetBool("data")),
	}

	if target := cfg.GetString("relay"); target != "" {
		ch, err := dialRelay(target)
		if err != nil {
			return nil, err
		}
		o.relayCh = ch
		o.relay = channel.NewRelay(ch, 0, appLog)
	}
	return o, nil
}

func (o *outputs) factory(id string) (analyzer.PassThrough, analyzer.Parser) {
	return nil, o.parser(id)
}

func (o *outputs) parser(id string) analyzer.Parser {
	if o.relay == nil {
		return o.printer.Parser(id)
	}
	return fanout{o.printer.Parser(id), o.relay.Parser(id)}
}

func (o *outputs) Close() {
	if o.relayCh == nil {
		return
	}
	appLog.Info("Relay: %d messages sent, %d failed", o.relay.Sent(), o.relay.Failed())
	o.relayCh.Close()
}

// dialRelay connects to a collector at quic://host:port or tcp://host:port
func dialRelay(target string) (channel.PhysicalChannel, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "bad relay address %q", target)
	}
	if u.Host == "" {
		return nil, errors.Errorf("bad relay address %q: want quic://host:port or tcp://host:port", target)
	}

	var ch channel.PhysicalChannel
	switch u.Scheme {
	case "quic":
		ch, err = channel.NewQUICChannel(channel.QUICChannelConfig{
			Address:      u.Host,
			Framing:      channel.FramingRelay,
			WriteTimeout: 10 * time.Second,
		})
	case "tcp":
		ch, err = channel.NewTCPChannel(channel.TCPChannelConfig{
			Address:      u.Host,
			Framing:      channel.FramingRelay,
			WriteTimeout: 10 * time.Second,
		})
	default:
		return nil, errors.Errorf("unknown relay scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, errors.Wrap(err, "relay")
	}
	return ch, nil
}

func reportStats(stats *transport.Statistics) {
	appLog.Info("Reassembly: %d segments, %d messages, %d passed through, %d without user data",
		stats.GetRxSegments(), stats.GetRxMessages(), stats.GetPassedThrough(), stats.GetUnsupported())
	if last := stats.GetLastRxTime(); !last.IsZero() {
		appLog.Info("Last message reassembled at %s", last.Format(time.RFC3339Nano))
	}
	if n := stats.GetAnomalies(); n > 0 {
		appLog.Warn("Reassembly anomalies: %d (malformed=%d missing-first=%d incomplete=%d too-large=%d sequence=%d gap=%d eof=%d)",
			n, stats.GetMalformedLengths(), stats.GetMissingFirst(), stats.GetIncomplete(),
			stats.GetTooLarge(), stats.GetSequenceErrors(), stats.GetDiscardedOnGap(), stats.GetDiscardedOnEOF())
	}
}

// interrupted reports whether err only says the command was cancelled
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
