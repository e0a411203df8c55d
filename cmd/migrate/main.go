package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/ledgerdrive/internal/config"
	"github.com/dvloznov/ledgerdrive/internal/logger"
	"github.com/dvloznov/ledgerdrive/internal/store"
)

var (
	dbPath = flag.String("db", "", "Path to the sqlite database (defaults to LEDGERDRIVE_DATABASE_PATH)")
)

func main() {
	flag.Parse()

	log := logger.New()

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		path = cfg.DatabasePath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Open applies every pending migration before returning.
	st, err := store.Open(ctx, path, log)
	if err != nil {
		log.Fatal().Err(err).Str("db", path).Msg("Migration failed")
	}
	defer st.Close()

	fmt.Fprintf(os.Stdout, "Database %s is up to date.\n", path)
}
