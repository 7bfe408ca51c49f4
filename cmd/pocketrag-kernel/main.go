// Package main provides the entry point for the pocketrag-kernel CLI.
package main

import (
	"os"

	"github.com/LKLLLLLLLLLL/pocketrag-kernel/cmd/pocketrag-kernel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
