package main

import (
	"os"

	"github.com/civita/formation/cmd/formationctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
