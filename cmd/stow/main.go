// Command stow is a command-line front end for the stow storage manager.
// Every artefact argument is a connection signature (s3://bucket/key,
// file:///data/report.csv, ...) or a plain local path; configured aliases
// expand to signatures.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	_ "github.com/Kieran-Bacon/stow/backend/local"
	_ "github.com/Kieran-Bacon/stow/backend/minio"
	_ "github.com/Kieran-Bacon/stow/backend/s3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stow: %v\n", err)
		os.Exit(1)
	}
}

// command is one subcommand: its flag set is parsed before run sees the
// positional arguments.
type command struct {
	name    string
	summary string
	usage   string
	flags   *pflag.FlagSet
	run     func(ctx context.Context, args []string) error
}

func run() error {
	commands := []*command{
		catCommand(),
		getCommand(),
		putCommand(),
		cpCommand(),
		mvCommand(),
		lsCommand(),
		rmCommand(),
		mkdirCommand(),
		touchCommand(),
		syncCommand(),
	}

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printUsage(commands)
		return nil
	}

	var cmd *command
	for _, c := range commands {
		if c.name == args[0] {
			cmd = c
			break
		}
	}
	if cmd == nil {
		printUsage(commands)
		return fmt.Errorf("unknown command %q", args[0])
	}

	if err := cmd.flags.Parse(args[1:]); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.run(ctx, cmd.flags.Args())
}

func printUsage(commands []*command) {
	fmt.Fprintln(os.Stderr, "usage: stow <command> [flags] <args>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "targets are connection signatures (s3://bucket/key) or local paths")
}
