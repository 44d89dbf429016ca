// Command ringboardd is the clipboard-history daemon. It owns the database
// on disk and serves mutations over a SOCK_SEQPACKET unix socket.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/ringboard/internal/config"
	"github.com/calvinalkan/ringboard/internal/logging"
	"github.com/calvinalkan/ringboard/internal/server"
)

func main() {
	flags := pflag.NewFlagSet("ringboardd", pflag.ExitOnError)
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")

	_ = flags.Parse(os.Args[1:])

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}

	log, err := logging.Init(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringboardd: %v\n", err)
		os.Exit(1)
	}

	defer func() { _ = log.Sync() }()

	runErr := run(log)
	if runErr != nil {
		log.Errorf("%v", runErr)

		var running *server.ServerAlreadyRunningError
		if errors.As(runErr, &running) {
			log.Error("unable to safely start server: please shut down the existing instance. " +
				"If something has gone terribly wrong, create an empty server lock file to " +
				"initiate the recovery sequence on the next startup.")
			log.Errorf("lock file: %s", running.LockFile)
		}

		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	mkdirErr := os.MkdirAll(cfg.DataDir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create data directory %q: %w", cfg.DataDir, mkdirErr)
	}

	guard, err := server.ClaimOwnership(cfg.DataDir, false)
	if errors.Is(err, server.ErrUncleanShutdown) {
		// The rings are the source of truth; the allocator rebuilds its
		// bucket free lists from them on every open, so recovery is a
		// forced takeover plus a warning for the operator.
		log.Warn("previous shutdown was unclean; rebuilding allocator state from the rings")

		guard, err = server.ClaimOwnership(cfg.DataDir, true)
	}

	if err != nil {
		return err
	}

	runErr := server.Run(cfg.DataDir, cfg.Socket, log)

	_ = os.Remove(cfg.Socket)

	shutdownErr := guard.Shutdown()
	if runErr != nil {
		return runErr
	}

	return shutdownErr
}
