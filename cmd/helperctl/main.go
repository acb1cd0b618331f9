package main

import (
	"os"

	"lendhelper/cmd/helperctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
