package main

import (
	"github.com/spf13/cobra"

	"github.com/mkolkebeck/bro/pkg/channel"
)

func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Receive and print messages relayed by pcap or tap",
		Example: "  dnp3reasm collect --listen :4433 --quic\n" +
			"  dnp3reasm collect --listen :20100 --json",
		Args: cobra.NoArgs,
		RunE: runCollect,
	}

	cmd.Flags().String("listen", ":20100", "address to accept relays on")
	cmd.Flags().Bool("quic", false, "accept QUIC instead of TCP")

	return cmd
}

func runCollect(cmd *cobra.Command, args []string) error {
	addr := cfg.GetString("listen")

	var ch channel.PhysicalChannel
	var err error
	if cfg.GetBool("quic") {
		ch, err = channel.NewQUICChannel(channel.QUICChannelConfig{
			Address:  addr,
			IsServer: true,
			Framing:  channel.FramingRelay,
		})
	} else {
		ch, err = channel.NewTCPChannel(channel.TCPChannelConfig{
			Address:  addr,
			IsServer: true,
			Framing:  channel.FramingRelay,
		})
	}
	if err != nil {
		return err
	}
	defer ch.Close()

	p := newPrinter(cmd.OutOrStdout(), cfg.GetBool("json"), cfg.GetBool("data"))
	appLog.Info("Collect: listening on %s", addr)

	err = channel.Receive(cmd.Context(), ch, p.Envelope, appLog)
	appLog.Info("Collect: %d messages received", p.Printed())

	if err != nil && !interrupted(err) {
		return err
	}
	return nil
}
