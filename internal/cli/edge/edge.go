// Package edge implements the serve subcommand: a device responder that
// lets pnp clients pair with this host.
package edge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ambianic/pnp/internal/cli"
	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/device"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/termio"
)

// Run serves as device <peer-id> until interrupted and returns the exit
// code.
func Run(args []string) int {
	cfg, err := config.ParseClientConfig("pnp serve", args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "pnp serve: %v\n", err)
		return 2
	}
	if len(cfg.Args) != 1 {
		fmt.Fprintln(termio.Stderr(), "usage: pnp serve [flags] <peer-id>")
		return 2
	}
	logger := logging.New("pnp-device", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	responder := device.NewResponder(device.Config{
		Signaling:      cli.Signaling(cfg, logger),
		PeerID:         cfg.Args[0],
		Name:           cfg.TrustMarker + " Edge",
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case id := <-responder.Ready():
				fmt.Fprintf(termio.Stdout(), "Serving as %s. Press Ctrl+C to stop.\n", id)
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(termio.Stderr(), "pnp serve: %v\n", err)
		return 1
	}
	return 0
}
