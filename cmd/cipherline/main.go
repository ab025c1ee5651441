package main

import (
	"os"

	"cipherline/cmd/cipherline/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
