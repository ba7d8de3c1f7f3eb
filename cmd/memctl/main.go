// Command memctl manages long-term memories from the shell.
package main

import (
	"os"

	"github.com/Protocol-Lattice/go-memory/cmd/memctl/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
