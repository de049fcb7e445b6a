package cmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/config"
	"github.com/templui/authmail/internal/db"
	"github.com/templui/authmail/internal/logger"
	"github.com/templui/authmail/internal/repository"
	"github.com/templui/authmail/internal/service"
)

func loadConfig() *config.Config {
	cfg := config.Load()
	logger.Init(cfg.IsDevelopment(), cfg.LogLevel, "")
	return cfg
}

func openDB(cfg *config.Config) (*sqlx.DB, error) {
	return db.Init(cfg.DBDriver, cfg.DBConnection)
}

// newAuthCodeService opens the database and builds the service on top of
// an up-to-date schema.
func newAuthCodeService(cfg *config.Config) (*service.AuthCodeService, *sqlx.DB, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	err = db.RunMigrations(database.DB, cfg.DBDriver)
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}

	svc := service.NewAuthCodeService(
		repository.NewAuthCodeRepository(database),
		service.NewCodeGenerator(),
		clock.Real(),
		nil,
		cfg.AuthCodeExpiry,
	)
	return svc, database, nil
}
