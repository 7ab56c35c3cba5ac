package mysql

import (
	"embed"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to MySQL. The DSN is normalised so that DATETIME columns scan
// into time.Time and migration files may hold several statements.
func Open(dsn string) (*sqlx.DB, error) {
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true
	cfg.Loc = time.UTC

	db, err := sqlx.Connect("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "connect to mysql")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func newMigrator(db *sqlx.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "open embedded migrations")
	}
	target, err := migratemysql.WithInstance(db.DB, &migratemysql.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "prepare migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "mysql", target)
	return m, errors.Wrap(err, "create migrator")
}

func MigrateUp(db *sqlx.DB, logger logrus.FieldLogger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, _ := m.Version()
	logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("schema is up to date")
	return nil
}

func MigrateDown(db *sqlx.DB, logger logrus.FieldLogger) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "revert migrations")
	}
	logger.Info("schema reverted")
	return nil
}
