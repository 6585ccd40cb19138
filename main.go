// revnotify receives push notifications from a model server over
// reverse connections.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"revnotify/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "revnotify: %v\n", err)
		os.Exit(1)
	}
}
