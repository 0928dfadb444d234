// Keyrelay is an authenticated WebSocket gateway that relays background
// task progress to connected clients.
//
// A single binary provides every role:
//
//	keyrelay serve     HTTP API, WebSocket sessions, optional embedded worker
//	keyrelay worker    task worker and scheduler (requires MQTT)
//	keyrelay users     account administration
//	keyrelay keys      API key administration
//	keyrelay migrate   apply pending database migrations
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "KEYRELAY_CONFIG"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the command line in args. Command output goes to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	return rootCommand(ctx, out).Execute(args)
}

func rootCommand(ctx context.Context, out io.Writer) *Command {
	var showVersion bool

	root := &Command{
		Name:    "keyrelay",
		Summary: "Authenticated WebSocket gateway with background task progress relay.",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("keyrelay", pflag.ContinueOnError)
			fs.BoolVar(&showVersion, "version", false, "print version information and exit")
			return fs
		},
		Subcommands: []*Command{
			serveCommand(ctx),
			workerCommand(ctx),
			usersCommand(ctx, out),
			keysCommand(ctx, out),
			migrateCommand(ctx, out),
		},
	}
	root.Run = func([]string) error {
		if showVersion {
			fmt.Fprintf(out, "keyrelay %s (commit %s, built %s)\n", version, commit, date)
			return nil
		}
		root.PrintHelp(helpOutput)
		return errSubcommandRequired
	}
	return root
}

// configFlag registers --config on fs.
func configFlag(fs *pflag.FlagSet, path *string) {
	fs.StringVarP(path, "config", "c", "",
		"configuration file (default $"+configEnvVar+", then "+defaultConfigPath+")")
}
