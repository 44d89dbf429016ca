// Command ringboard is the clipboard-history CLI: it queries the database
// directly for reads and talks to the ringboardd socket for mutations.
package main

import (
	"os"

	"github.com/calvinalkan/ringboard/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args))
}
