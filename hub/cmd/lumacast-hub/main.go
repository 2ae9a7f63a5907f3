package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/lumacast/lumacast/hub/internal/cmd"
)

var version = "dev"

func main() {
	// Wipe sealed key material on exit.
	defer memguard.Purge()

	root := cmd.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.SafeExit(1)
	}
}
