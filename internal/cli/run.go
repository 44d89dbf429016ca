// Package cli implements the ringboard command line client.
package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/calvinalkan/ringboard/internal/config"
)

const usage = `ringboard - clipboard history

Usage:
  ringboard add [file]        add an entry (stdin when no file) [--mime]
  ringboard get <id>          print an entry's bytes
  ringboard ls                list entries, newest first [--limit]
  ringboard search [query]    search entries [--regex]; interactive when no query
  ringboard favorite <id>     move an entry to the favorites ring
  ringboard unfavorite <id>   move an entry back to the main ring
  ringboard delete <id>       remove an entry
`

// Run executes one CLI invocation and returns the process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	if len(args) < 2 {
		fmt.Fprint(stderr, usage)

		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "ringboard: %v\n", err)

		return 1
	}

	ctx := &context{
		cfg:    cfg,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	var runErr error

	switch cmd, rest := args[1], args[2:]; cmd {
	case "add":
		runErr = cmdAdd(ctx, rest)
	case "get":
		runErr = cmdGet(ctx, rest)
	case "ls":
		runErr = cmdLs(ctx, rest)
	case "search":
		runErr = cmdSearch(ctx, rest)
	case "favorite":
		runErr = cmdMove(ctx, rest, moveFavorite)
	case "unfavorite":
		runErr = cmdMove(ctx, rest, moveUnfavorite)
	case "delete":
		runErr = cmdMove(ctx, rest, moveDelete)
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "ringboard: unknown command %q\n\n%s", cmd, usage)

		return 2
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "ringboard: %v\n", runErr)

		return 1
	}

	return 0
}

// context carries the resolved configuration and streams through a command.
type context struct {
	cfg    config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// parseID accepts decimal or 0x-prefixed composite ids.
func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entry id %q", s)
	}

	return id, nil
}
