// Command echomesh chats with a peer over the echomesh protocol.
//
//	echomesh connect --host 192.168.49.1 --port 9999
//	echomesh listen --seed "$SEED"
//
// Configuration is read from echomesh.yaml (., ./config or
// $HOME/.echomesh), then ECHOMESH_* environment variables, then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "echomesh - encrypted chat on a local mesh")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s connect [options]   connect to a listener\n", os.Args[0])
	fmt.Fprintf(w, "  %s listen [options]    accept peers\n", os.Args[0])
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Connect options:")
	fmt.Fprint(w, newFlagSet("connect").FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Listen options:")
	fmt.Fprint(w, newFlagSet("listen").FlagUsages())
}

func run(ctx context.Context, args []string, stdin *os.File, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errHelp
	}

	command := args[0]
	if command != "connect" && command != "listen" {
		printUsage(stderr)
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := loadConfig(command, args[1:])
	if err != nil {
		if errors.Is(err, errHelp) {
			printUsage(stdout)
		}
		return err
	}
	if err := validateConfig(command, cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	closer, err := setupLogging(cfg.Log)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closer.Close()

	switch command {
	case "connect":
		if cfg.Seed == "" {
			if cfg.Seed, err = promptSeed(xterm{}, int(stdin.Fd()), stderr); err != nil {
				return err
			}
		}
		return runConnect(ctx, cfg, stdin, stdout)
	default:
		if len(cfg.Seeds) == 0 {
			seed, err := promptSeed(xterm{}, int(stdin.Fd()), stderr)
			if err != nil {
				return err
			}
			cfg.Seeds = []string{seed}
		}
		return runListen(ctx, cfg, stdin, stdout)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errHelp) {
			os.Exit(0)
		}
		logrus.WithError(err).Error("echomesh failed")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
