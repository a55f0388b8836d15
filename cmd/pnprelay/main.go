package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ambianic/pnp/internal/cli"
	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/relay"
	"github.com/ambianic/pnp/internal/termio"
)

const (
	serverVersion = "v0.1.0"
	statsInterval = time.Minute
)

func main() {
	termio.Init()
	if cli.HasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush(time.Second)
		return
	}
	cfg := config.ParseServerConfig()
	logger := logging.New("pnprelay", cfg.LogLevel)
	srv := relay.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error {
		logStats(ctx, logger, srv)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", "error", err)
		termio.Flush(time.Second)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

// logStats reports registered peers until ctx is done.
func logStats(ctx context.Context, logger *slog.Logger, srv *relay.Server) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("relay stats", "peers", srv.Hub().Count())
		}
	}
}

func printServerUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: pnprelay [flags]")
	fmt.Fprintln(termio.Stderr(), "flags:")
	fmt.Fprintln(termio.Stderr(), "  --addr              listen address (default :9779)")
	fmt.Fprintln(termio.Stderr(), "  --log-level         debug, info, warn or error")
	fmt.Fprintln(termio.Stderr(), "  --max-message-bytes largest accepted websocket message")
	fmt.Fprintln(termio.Stderr(), "  --connects-per-min  websocket connects allowed per client address")
	fmt.Fprintln(termio.Stderr(), "  --msgs-per-sec      messages allowed per connection")
	fmt.Fprintln(termio.Stderr(), "  --idle-timeout      drop silent connections after this long")
	fmt.Fprintln(termio.Stderr(), "every flag can also be set as PNP_<NAME> in the environment")
	termio.Flush(time.Second)
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
