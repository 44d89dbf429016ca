package cli

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/ringboard/pkg/ring"
	"github.com/calvinalkan/ringboard/pkg/store"
)

// openReaders opens the database read-only; queries never involve the
// server.
func openReaders(ctx *context) (*store.DatabaseReader, *store.EntryReader, func(), error) {
	db, err := store.OpenDatabase(ctx.cfg.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}

	er, err := store.OpenEntryReader(ctx.cfg.DataDir)
	if err != nil {
		_ = db.Close()

		return nil, nil, nil, err
	}

	cleanup := func() {
		_ = er.Close()
		_ = db.Close()
	}

	return db, er, cleanup, nil
}

// cmdGet writes an entry's raw bytes to stdout.
func cmdGet(ctx *context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one entry id argument")
	}

	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	db, er, cleanup, err := openReaders(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	entry, err := db.GrowableGet(id)
	if err != nil {
		return err
	}

	loaded, err := entry.Load(er)
	if err != nil {
		return err
	}
	defer loaded.Close()

	_, writeErr := ctx.stdout.Write(loaded.Bytes())

	return writeErr
}

// cmdLs lists entries newest first, favorites before main.
func cmdLs(ctx *context, args []string) error {
	flags := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	flags.SetOutput(ctx.stderr)

	limit := flags.Int("limit", 100, "maximum number of entries to list")

	parseErr := flags.Parse(args)
	if parseErr != nil {
		return parseErr
	}

	db, er, cleanup, err := openReaders(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	remaining := *limit

	for _, it := range []*store.RingReader{db.Favorites(), db.Main()} {
		for remaining != 0 {
			entry, ok := it.NextBack()
			if !ok {
				break
			}

			printErr := printEntry(ctx, er, entry)
			if printErr != nil {
				return printErr
			}

			remaining--
		}
	}

	return nil
}

func printEntry(ctx *context, er *store.EntryReader, entry store.Entry) error {
	loaded, err := entry.Load(er)
	if err != nil {
		return err
	}
	defer loaded.Close()

	marker := " "
	if entry.RingKind() == ring.Favorites {
		marker = "*"
	}

	size := humanize.IBytes(uint64(len(loaded.Bytes())))

	fmt.Fprintf(ctx.stdout, "%s %-12d %8s  %s\n", marker, entry.ID(), size, preview(loaded.Bytes()))

	return nil
}

// preview renders the first line of an entry, printable characters only.
func preview(data []byte) string {
	const maxPreview = 60

	var b strings.Builder

	for _, r := range string(data) {
		if b.Len() >= maxPreview {
			b.WriteString("…")

			break
		}

		if r == '\n' || r == '\r' {
			b.WriteString(" ")

			continue
		}

		if !unicode.IsPrint(r) {
			b.WriteString(".")

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}
