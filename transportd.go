package main

import (
	"fmt"
	"os"

	"github.com/ardourgo/transportcore/cmd"
	"github.com/ardourgo/transportcore/internal/engineconf"
	"github.com/ardourgo/transportcore/internal/logging"
)

func main() {
	settings, err := engineconf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init()

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
