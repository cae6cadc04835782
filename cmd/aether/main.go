// File: cmd/aether/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/anassagd432/aether-agent/cmd"
	"github.com/anassagd432/aether-agent/internal/observability"
)

func main() {
	// A signal-aware context gives the loop a chance to finish the current
	// iteration and emit its report before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
