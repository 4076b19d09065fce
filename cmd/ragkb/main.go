// Package main provides the entry point for the ragkb CLI.
package main

import (
	"os"

	"github.com/kbindex/ragkb/cmd/ragkb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
