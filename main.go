package main

import (
	"net/http"

	"github.com/joho/godotenv"

	"sigfarma/m/internal/api"
	"sigfarma/m/internal/config"
	"sigfarma/m/internal/database"
	"sigfarma/m/internal/logger"
	"sigfarma/m/internal/migrations"
	"sigfarma/m/internal/seed"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Setup(cfg.LogEnv)

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		log.Fatal().Err(err).Msg("unable to migrate schema")
	}
	seed.LoadMedications(db, cfg.CatalogCSV, log)
	if err := seed.EnsureAdminUser(db, cfg.AdminUser, cfg.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("unable to create bootstrap admin")
	}

	handler := api.New(db, cfg.Secret, log)

	log.Info().Str("port", cfg.HTTPPort).Msg("SigFarma server starting")
	if err := http.ListenAndServe(":"+cfg.HTTPPort, handler.Router()); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
