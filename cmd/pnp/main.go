package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ambianic/pnp/internal/cli/client"
	"github.com/ambianic/pnp/internal/cli/edge"
	"github.com/ambianic/pnp/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	defer termio.Flush(time.Second)
	if len(args) == 0 {
		printUsage()
		return 2
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(termio.Stdout(), version)
		return 0
	}

	cmdName := args[0]
	switch {
	case cmdName == "serve":
		return edge.Run(args[1:])
	case slices.Contains(client.Commands, cmdName):
		return client.Run(cmdName, args[1:])
	case cmdName == "help" || cmdName == "-h" || cmdName == "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(termio.Stderr(), "usage: pnp <command> [flags] [args]")
	fmt.Fprintln(termio.Stderr(), "commands:")
	fmt.Fprintln(termio.Stderr(), "  pair                    connect to the remembered device, or discover one")
	fmt.Fprintln(termio.Stderr(), "  connect <peer-id> [path] pair with a specific device and optionally fetch path")
	fmt.Fprintln(termio.Stderr(), "  discover                list devices sharing this network")
	fmt.Fprintln(termio.Stderr(), "  forget                  forget the remembered device")
	fmt.Fprintln(termio.Stderr(), "  status                  show the remembered device")
	fmt.Fprintln(termio.Stderr(), "  serve <peer-id>         act as an edge device")
	fmt.Fprintln(termio.Stderr(), "to learn detailed usage:")
	fmt.Fprintln(termio.Stderr(), "  pnp pair --help")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
