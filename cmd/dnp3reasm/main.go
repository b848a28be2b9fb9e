// Command dnp3reasm reconstructs DNP3 application messages from capture
// files, live taps and relayed streams.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Commands().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
