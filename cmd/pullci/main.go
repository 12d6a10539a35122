package main

import (
	"fmt"
	"os"

	"pullci/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pullci:", err)
		os.Exit(1)
	}
}
