package main

import (
	"fmt"
	"os"

	"github.com/glycerine/celltalk"
	"github.com/glycerine/celltalk/cmd/celltalk/commands"
)

func main() {
	celltalk.Exit1IfVersionReq()

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "celltalk: %v\n", err)
		os.Exit(1)
	}
}
