package main

import (
	"os"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/app"
)

func main() {
	// app.Run logs its own failures.
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
