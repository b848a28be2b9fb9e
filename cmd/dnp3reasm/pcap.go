package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mkolkebeck/bro/pkg/analyzer"
	"github.com/mkolkebeck/bro/pkg/capture"
)

func pcapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcap FILE",
		Short: "Reconstruct messages from a pcap capture file (- for stdin)",
		Example: "  dnp3reasm pcap substation.pcap\n" +
			"  dnp3reasm pcap --port 20000 --port 20001 --json substation.pcap\n" +
			"  dnp3reasm pcap --relay quic://collector:4433 substation.pcap",
		Args: cobra.ExactArgs(1),
		RunE: runPcap,
	}

	d := capture.DefaultConfig()
	cmd.Flags().IntSlice("port", []int{capture.DefaultPort}, "outstation TCP port to analyze; repeat for more")
	cmd.Flags().Bool("all-tcp", false, "analyze every TCP connection regardless of port")
	cmd.Flags().Bool("split-frames", d.SplitFrames, "deliver back-to-back frames in one TCP payload separately")
	cmd.Flags().Duration("idle-timeout", d.IdleTimeout, "close connections idle this long in capture time (0 = never)")
	cmd.Flags().String("relay", "", "also forward messages to a collector at quic://host:port or tcp://host:port")

	return cmd
}

func captureConfig() (capture.Config, error) {
	c := capture.DefaultConfig()
	c.SplitFrames = cfg.GetBool("split-frames")
	c.IdleTimeout = cfg.GetDuration("idle-timeout")

	c.Ports = nil
	if cfg.GetBool("all-tcp") {
		return c, nil
	}
	for _, p := range cfg.GetIntSlice("port") {
		if p <= 0 || p > 0xFFFF {
			return c, errors.Errorf("bad port %d", p)
		}
		c.Ports = append(c.Ports, uint16(p))
	}
	return c, nil
}

func runPcap(cmd *cobra.Command, args []string) error {
	ccfg, err := captureConfig()
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "opening %s", args[0])
		}
		defer f.Close()
		r = f
	}

	out, err := newOutputs(cmd)
	if err != nil {
		return err
	}
	defer out.Close()

	manager := analyzer.NewManager(transportConfig(), out.factory, appLog)
	c := capture.New(manager, ccfg, appLog)

	start := time.Now()
	err = c.ReadPcap(cmd.Context(), r)

	st := c.Statistics()
	appLog.Info("Capture: %d packets, %d TCP, %d filtered, %d connections in %s",
		st.Packets, st.TCPPackets, st.Filtered, st.Connections, time.Since(start).Round(time.Millisecond))
	reportStats(manager.Stats())

	if err != nil && !interrupted(err) {
		return err
	}
	return nil
}
