// Package client implements the pairing subcommands of the pnp binary.
package client

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ambianic/pnp/internal/appstate"
	"github.com/ambianic/pnp/internal/cli"
	"github.com/ambianic/pnp/internal/config"
	"github.com/ambianic/pnp/internal/logging"
	"github.com/ambianic/pnp/internal/pnp"
	"github.com/ambianic/pnp/internal/storage"
	"github.com/ambianic/pnp/internal/termio"
)

// Commands lists the subcommands Run understands.
var Commands = []string{"pair", "connect", "discover", "forget", "status"}

// Run executes command with args and returns the process exit code.
func Run(command string, args []string) int {
	cfg, err := config.ParseClientConfig("pnp "+command, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "pnp %s: %v\n", command, err)
		return 2
	}
	logger := logging.New("pnp", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DataDir, cfg.Namespace)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "open pairing state: %v\n", err)
		return 1
	}
	defer store.Close()

	if command == "status" {
		return status(termio.Stdout(), store)
	}

	mgr, err := pnp.New(pnp.Options{
		Sessions:       pnp.Signaling(cli.Signaling(cfg, logger)),
		Room:           cli.Room(cfg),
		Store:          store,
		Logger:         logger,
		TrustMarker:    cfg.TrustMarker,
		DiscoveryPause: cfg.DiscoveryPause,
		ConnectPause:   cfg.ConnectPause,
		OfferTimeout:   cfg.OfferTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		AuthTimeout:    cfg.AuthTimeout,
	})
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "start: %v\n", err)
		return 1
	}
	defer mgr.Close()
	go printMessages(ctx, termio.Stdout(), mgr)

	switch command {
	case "pair":
		err = pair(ctx, mgr)
	case "connect":
		err = connect(ctx, mgr, cfg.Args)
	case "discover":
		err = discover(ctx, termio.Stdout(), mgr)
	case "forget":
		err = mgr.RemoveRemotePeerID(ctx)
		if err == nil {
			fmt.Fprintln(termio.Stdout(), "Forgot the remembered device.")
		}
	default:
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", command)
		return 2
	}
	if err != nil {
		logger.Debug("command failed", "command", command, "error", err)
		fmt.Fprintf(termio.Stderr(), "pnp %s: %v\n", command, err)
		return 1
	}
	return 0
}

func status(w io.Writer, store *storage.Store) int {
	id, err := store.RemotePeerID()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintln(w, "No device paired.")
	case err != nil:
		fmt.Fprintf(termio.Stderr(), "read pairing state: %v\n", err)
		return 1
	default:
		fmt.Fprintf(w, "Paired with %s\n", id)
	}
	return 0
}

// printMessages echoes each new user message.
func printMessages(ctx context.Context, w io.Writer, mgr *pnp.Manager) {
	last := ""
	for s := range mgr.Subscribe(ctx) {
		if s.Message != "" && s.Message != last {
			fmt.Fprintf(w, ">> %s\n", s.Message)
			last = s.Message
		}
	}
}

// pair connects to the remembered device, or to the first one discovered.
func pair(ctx context.Context, mgr *pnp.Manager) error {
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	target := mgr.Snapshot().RemoteID
	if target == "" {
		peers, err := findPeers(ctx, mgr)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			return errors.New("no devices found")
		}
		target = peers[0]
	}
	if err := mgr.Connect(ctx, target); err != nil {
		return err
	}
	return awaitConnected(ctx, mgr)
}

// connect pairs with the given device, replacing the remembered one, and
// optionally fetches a path from it.
func connect(ctx context.Context, mgr *pnp.Manager, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pnp connect [flags] <peer-id> [path]")
	}
	target := args[0]
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	var err error
	if remembered := mgr.Snapshot().RemoteID; remembered != "" && remembered != target {
		err = mgr.ChangeRemotePeerID(ctx, target)
	} else {
		err = mgr.Connect(ctx, target)
	}
	if err != nil {
		return err
	}
	if err := awaitConnected(ctx, mgr); err != nil {
		return err
	}
	if len(args) < 2 {
		return nil
	}

	client, err := mgr.Client(ctx)
	if err != nil {
		return err
	}
	resp, err := client.Get(ctx, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(termio.Stdout(), "%d\n%s\n", resp.Header.Status, resp.Content)
	if !resp.OK() {
		return fmt.Errorf("remote device answered %d", resp.Header.Status)
	}
	return nil
}

func discover(ctx context.Context, w io.Writer, mgr *pnp.Manager) error {
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	peers, err := findPeers(ctx, mgr)
	if err != nil {
		return err
	}
	for _, id := range peers {
		fmt.Fprintln(w, id)
	}
	return nil
}

func findPeers(ctx context.Context, mgr *pnp.Manager) ([]string, error) {
	if err := mgr.Discover(ctx); err != nil {
		return nil, err
	}
	s, err := mgr.WaitFor(ctx, func(s appstate.State) bool {
		return s.Discovery == appstate.DiscoveryDone || s.Discovery == appstate.DiscoveryError
	})
	if err != nil {
		_ = mgr.CancelDiscovery(context.Background())
		return nil, err
	}
	if s.Discovery == appstate.DiscoveryError {
		return nil, errors.New(s.Message)
	}
	return s.Discovered, nil
}

func awaitConnected(ctx context.Context, mgr *pnp.Manager) error {
	s, err := mgr.WaitFor(ctx, func(s appstate.State) bool {
		return s.Peer == appstate.PeerConnected || s.Peer == appstate.PeerConnectionError
	})
	if err != nil {
		return err
	}
	if s.Peer == appstate.PeerConnectionError {
		return errors.New(s.Message)
	}
	return nil
}
