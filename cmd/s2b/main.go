package main

import (
	"os"

	"snapbucket/cmd/s2b/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
