package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/channel"
)

func tapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Reconstruct messages live from a TCP, UDP or serial tap",
		Long: "Reads link frames from a tap that mirrors both directions of a DNP3\n" +
			"line, such as a serial-over-TCP terminal server or a serial port on a\n" +
			"passive splitter. Frames are routed by their direction bit.",
		Example: "  dnp3reasm tap --tcp 10.1.1.5:4001\n" +
			"  dnp3reasm tap --serial /dev/ttyUSB0 --baud 19200 --parity even\n" +
			"  dnp3reasm tap --udp :20000",
		Args: cobra.NoArgs,
		RunE: runTap,
	}

	f := cmd.Flags()
	f.String("tcp", "", "TCP address of the tap")
	f.Bool("accept", false, "accept a connection on the --tcp address instead of dialing it")
	f.String("udp", "", "UDP address to receive frames on")
	f.String("serial", "", "serial device of the tap")
	f.Int("baud", 9600, "serial baud rate")
	f.Int("databits", 8, "serial data bits")
	f.String("parity", "none", "serial parity: none, odd, even, mark or space")
	f.String("stopbits", "1", "serial stop bits: 1, 1.5 or 2")
	f.String("relay", "", "also forward messages to a collector at quic://host:port or tcp://host:port")

	return cmd
}

// openTap opens the single tap channel selected by flags and returns it
// with the connection id to analyze it under
func openTap() (channel.PhysicalChannel, string, error) {
	tcpAddr, udpAddr, dev := cfg.GetString("tcp"), cfg.GetString("udp"), cfg.GetString("serial")

	n := 0
	for _, s := range []string{tcpAddr, udpAddr, dev} {
		if s != "" {
			n++
		}
	}
	if n != 1 {
		return nil, "", errors.New("exactly one of --tcp, --udp or --serial is required")
	}

	switch {
	case tcpAddr != "":
		ch, err := channel.NewTCPChannel(channel.TCPChannelConfig{
			Address:  tcpAddr,
			IsServer: cfg.GetBool("accept"),
			Framing:  channel.FramingLink,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, "tcp:" + tcpAddr, nil

	case udpAddr != "":
		ch, err := channel.NewUDPChannel(channel.UDPChannelConfig{
			Address:  udpAddr,
			IsServer: true,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, "udp:" + udpAddr, nil

	default:
		parity, err := channel.ParseParity(cfg.GetString("parity"))
		if err != nil {
			return nil, "", err
		}
		stop, err := channel.ParseStopBits(cfg.GetString("stopbits"))
		if err != nil {
			return nil, "", err
		}
		ch, err := channel.NewSerialChannel(channel.SerialChannelConfig{
			Port:     dev,
			BaudRate: cfg.GetInt("baud"),
			DataBits: cfg.GetInt("databits"),
			Parity:   parity,
			StopBits: stop,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, "serial:" + dev, nil
	}
}

func runTap(cmd *cobra.Command, args []string) error {
	ch, id, err := openTap()
	if err != nil {
		return err
	}
	defer ch.Close()

	out, err := newOutputs(cmd)
	if err != nil {
		return err
	}
	defer out.Close()

	a := analyzer.New(id, transportConfig(), nil, nil, out.parser(id), appLog)
	appLog.Info("Tap: reading %s", id)

	err = channel.Feed(cmd.Context(), ch, a)

	st := ch.Statistics()
	appLog.Info("Tap: %d bytes received, %d skipped, %d read errors", st.BytesReceived, st.SkippedBytes, st.ReadErrors)
	reportStats(a.Stats())

	if err != nil && !interrupted(err) {
		return err
	}
	return nil
}
