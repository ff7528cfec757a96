// Command signalhub-migrate applies the embedded schema migrations.
//
//	signalhub-migrate [up|down]
//
// The database is taken from SIGNALHUB_DATABASE_URL.
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/db"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	arg := "up"
	if len(os.Args) > 1 {
		arg = os.Args[1]
	}
	dir, err := db.ParseDirection(arg)
	if err != nil {
		log.Error("migrate.usage", "err", err)
		os.Exit(2)
	}

	dsn := os.Getenv("SIGNALHUB_DATABASE_URL")
	if err := db.Migrate(dsn, dir); err != nil && !errors.Is(err, db.ErrNoChange) {
		log.Error("migrate.fail", "direction", string(dir), "err", err)
		os.Exit(1)
	}
	log.Info("migrate.done", "direction", string(dir))
}
