package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/loanbook/courier/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
