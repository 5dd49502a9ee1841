// Command boxproxyd runs the BOX interception proxy standalone.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"

	boxproxy "github.com/muriel2horak/oig-proxy"
	"github.com/muriel2horak/oig-proxy/internal"
)

func main() {
	cfg := boxproxy.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	quiet := flag.Bool("quiet", false, "suppress all logging (use internal.NullLogger)")
	flag.Parse()

	var logger boxproxy.Logger = log.Log
	if *quiet {
		logger = &internal.NullLogger{}
	}
	cfg.Validate(logger)

	// no external control source in the standalone binary; an embedder
	// wanting BOX-originated control requests wires its own ControlSource
	// in through boxproxy.NewSupervisor directly.
	sup, err := boxproxy.NewSupervisor(cfg, logger, nil, nil)
	boxproxy.Must0(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("boxproxyd: shutting down")
		cancel()
	}()

	if err := sup.Run(ctx, nil); err != nil && ctx.Err() == nil {
		logger.Warnf("boxproxyd: %s", err.Error())
	}
}
