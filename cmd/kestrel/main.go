// Package main provides the entry point for the kestrel CLI.
package main

import (
	"os"

	"github.com/kestrelhq/kestrel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
