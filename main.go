package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/signalnine/gauntlet/cmd"
	"github.com/signalnine/gauntlet/internal/coordinator"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, coordinator.ErrStuckFramework) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
