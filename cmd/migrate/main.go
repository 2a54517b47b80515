package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/driftline/uploadd/internal/common"
	"github.com/driftline/uploadd/pkg/config"
)

// Standalone schema tool for the postgres session backend. uploadd runs the
// same migration on startup; this exists for deployments where the service
// account has no DDL rights and an operator applies the schema separately.
func main() {
	up := flag.Bool("up", false, "Apply the session schema")
	flag.Parse()

	if !*up {
		fmt.Printf("Usage: %s -up\n", os.Args[0])
		os.Exit(1)
	}

	cfg := config.LoadFromEnv()

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	log.Info().Msg("schema is up to date")
}
