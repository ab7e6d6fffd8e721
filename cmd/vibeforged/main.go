package main

import (
	"fmt"
	"os"

	"vibeforge/internal/cli"
	"vibeforge/pkg/logger"
)

func main() {
	defer logger.Close()

	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
