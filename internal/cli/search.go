package cli

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/calvinalkan/ringboard/pkg/store"
)

// cmdSearch runs one query, or an interactive prompt loop when no query
// argument is given.
func cmdSearch(ctx *context, args []string) error {
	flags := pflag.NewFlagSet("search", pflag.ContinueOnError)
	flags.SetOutput(ctx.stderr)

	useRegex := flags.Bool("regex", false, "treat the query as a regular expression")

	parseErr := flags.Parse(args)
	if parseErr != nil {
		return parseErr
	}

	db, er, cleanup, err := openReaders(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if rest := flags.Args(); len(rest) > 0 {
		return runSearch(ctx, db, er, rest[0], *useRegex)
	}

	return interactiveSearch(ctx, db, er, *useRegex)
}

// interactiveSearch prompts for queries until EOF or Ctrl-C.
func interactiveSearch(ctx *context, db *store.DatabaseReader, er *store.EntryReader, useRegex bool) error {
	prompt := liner.NewLiner()
	defer prompt.Close()

	prompt.SetCtrlCAborts(true)

	for {
		query, err := prompt.Prompt("search> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return err
		}

		if query == "" {
			continue
		}

		prompt.AppendHistory(query)

		searchErr := runSearch(ctx, db, er, query, useRegex)
		if searchErr != nil {
			fmt.Fprintf(ctx.stderr, "ringboard: %v\n", searchErr)
		}
	}
}

func runSearch(ctx *context, db *store.DatabaseReader, er *store.EntryReader, query string, useRegex bool) error {
	var q store.Query

	if useRegex {
		re, err := regexp.Compile(query)
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}

		q.Regex = re
	} else {
		q.Literal = []byte(query)
	}

	// Bucketed hits come back as (class, index); build the reverse map to
	// composite ids by walking both rings once.
	index := bucketIndex(db)

	results := store.Search(q, er)
	defer results.Close()

	for res := range results.C {
		if res.Err != nil {
			return res.Err
		}

		id, ok := resolveHit(index, res.QueryResult)
		if !ok {
			// The entry was deleted between snapshot and resolution.
			continue
		}

		printErr := printHit(ctx, db, er, id, res.QueryResult)
		if printErr != nil {
			return printErr
		}
	}

	return nil
}

func bucketIndex(db *store.DatabaseReader) map[store.BucketAndIndex]uint64 {
	index := make(map[store.BucketAndIndex]uint64)

	for _, it := range []*store.RingReader{db.Main(), db.Favorites()} {
		for {
			entry, ok := it.Next()
			if !ok {
				break
			}

			if class, bucketSlot, bucketed := entry.BucketLocation(); bucketed {
				index[store.NewBucketAndIndex(class, bucketSlot)] = entry.ID()
			}
		}
	}

	return index
}

func resolveHit(index map[store.BucketAndIndex]uint64, hit store.QueryResult) (uint64, bool) {
	if hit.Location.Kind == store.LocationFile {
		return hit.Location.ID, true
	}

	id, ok := index[store.NewBucketAndIndex(hit.Location.Class, hit.Location.Index)]

	return id, ok
}

func printHit(ctx *context, db *store.DatabaseReader, er *store.EntryReader, id uint64, hit store.QueryResult) error {
	entry, err := db.GrowableGet(id)
	if err != nil {
		return err
	}

	loaded, err := entry.Load(er)
	if err != nil {
		return err
	}
	defer loaded.Close()

	fmt.Fprintf(ctx.stdout, "%-12d [%d:%d]  %s\n", id, hit.Start, hit.End, preview(loaded.Bytes()))

	return nil
}
