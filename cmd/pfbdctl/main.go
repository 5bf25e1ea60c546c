// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// pfbdctl is the command line client of the pfbd management server.
package main

import (
	"os"

	"github.com/asch/pfbd/cmd/pfbdctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
