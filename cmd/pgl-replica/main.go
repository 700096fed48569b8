package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-replica/cmd"
	"github.com/paulschiretz/pgl-replica/pkg/buildinfo"
	"github.com/paulschiretz/pgl-replica/pkg/flagparse"
	"github.com/paulschiretz/pgl-replica/pkg/plog"
)

func main() {
	// Cancel the context on Ctrl+C or SIGTERM so a running pass finishes its
	// current entry, the state file gets written and the lock is released.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		stop()
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}

// run parses args and dispatches to the matching command.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Run:
		return cmd.RunDaemon(ctx, flagMap)
	case flagparse.Sync:
		return cmd.RunSync(ctx, flagMap)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}
