// Package main provides the entry point for the template-electron CLI.
package main

import (
	"fmt"
	"os"

	"github.com/srymh/template-electron/cmd/template-electron/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
