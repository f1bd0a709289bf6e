package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ecobin/internal/services"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "ecobin: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto distinct process exit codes so scripts can
// tell bad input from an unreachable backend.
func exitCode(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return 2
	case errors.Is(err, services.ErrNotFound):
		return 3
	case errors.Is(err, services.ErrPersistence):
		return 4
	default:
		return 1
	}
}
