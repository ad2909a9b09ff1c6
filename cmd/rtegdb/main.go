package main

import (
	"os"

	"github.com/rtedbg/rtegdb/cmd/rtegdb/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
