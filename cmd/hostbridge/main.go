// Command hostbridge starts the virtual-host-aware reverse proxy
// server from a configuration file, the way the teacher's cmd/main.go
// starts SuhaibServer from its first CLI argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostbridge/hostbridge/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return 2
	}
	configPath := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.RunWithConfigFile(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hostbridge: %v\n", err)
		return 1
	}
	return 0
}
