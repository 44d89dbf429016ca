package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/ringboard/internal/client"
)

// cmdAdd reads an entry from a file argument or stdin and sends it to the
// server.
func cmdAdd(ctx *context, args []string) error {
	flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
	flags.SetOutput(ctx.stderr)

	mime := flags.String("mime", "", "MIME type hint stored with the entry")

	parseErr := flags.Parse(args)
	if parseErr != nil {
		return parseErr
	}

	var (
		data []byte
		err  error
	)

	switch rest := flags.Args(); len(rest) {
	case 0:
		data, err = io.ReadAll(ctx.stdin)
	case 1:
		data, err = os.ReadFile(rest[0])
	default:
		return fmt.Errorf("add takes at most one file argument, got %d", len(rest))
	}

	if err != nil {
		return fmt.Errorf("failed to read entry data: %w", err)
	}

	if len(data) == 0 {
		return fmt.Errorf("refusing to add empty entry")
	}

	c, err := client.Connect(ctx.cfg.Socket)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.Add(data, *mime)
	if err != nil {
		return err
	}

	fmt.Fprintf(ctx.stdout, "%d\n", id)

	return nil
}

type moveKind int

const (
	moveFavorite moveKind = iota
	moveUnfavorite
	moveDelete
)

// cmdMove handles favorite, unfavorite and delete, which all take a single
// id and go through the socket.
func cmdMove(ctx *context, args []string, kind moveKind) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one entry id argument")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	c, err := client.Connect(ctx.cfg.Socket)
	if err != nil {
		return err
	}
	defer c.Close()

	switch kind {
	case moveFavorite:
		newID, moveErr := c.Favorite(id)
		if moveErr != nil {
			return moveErr
		}

		fmt.Fprintf(ctx.stdout, "%d\n", newID)
	case moveUnfavorite:
		newID, moveErr := c.Unfavorite(id)
		if moveErr != nil {
			return moveErr
		}

		fmt.Fprintf(ctx.stdout, "%d\n", newID)
	case moveDelete:
		delErr := c.Delete(id)
		if delErr != nil {
			return delErr
		}
	}

	return nil
}
