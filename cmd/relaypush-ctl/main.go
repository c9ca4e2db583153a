package main

import (
	"fmt"
	"os"

	"github.com/agentworkforce/relaypush/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relaypush-ctl:", err)
		os.Exit(1)
	}
}
