// Command doipgw runs a configurable DoIP gateway server (ISO 13400-2 §6 CLI).
//
// This entry point is intentionally thin: flag parsing, logger
// construction and exit-code translation only. All behavior lives in
// gateway/ and internal/.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/doipgw/doipgw/gateway"
	"github.com/doipgw/doipgw/internal/logging"
	"github.com/doipgw/doipgw/internal/xerrors"
)

func main() {
	os.Exit(run())
}

func run() int {
	gatewayConfig := flag.String("gateway-config", "", "path to the root gateway document")
	host := flag.String("host", "", "override bind address from the gateway document")
	port := flag.Int("port", 0, "override bind port from the gateway document")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logging.Default(*debug)

	if *gatewayConfig == "" {
		fmt.Fprintln(os.Stderr, "doipgw: --gateway-config is required")
		return 1
	}

	gw, err := gateway.Load(*gatewayConfig, log)
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		return 1
	}
	gw.OverrideAddress(*host, *port)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := gw.Run(ctx); err != nil {
		var bindErr *xerrors.BindError
		if errors.As(err, &bindErr) {
			log.Error().Err(err).Msg("bind error")
			return 2
		}
		log.Error().Err(err).Msg("internal error")
		return 3
	}

	return 0
}
