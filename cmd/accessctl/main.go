package main

import (
	"fmt"
	"os"

	"github.com/platinummonkey/clinicaccess/pkg/cli"
)

func main() {
	rootCmd := cli.NewRootCommand(nil)

	if err := rootCmd.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
