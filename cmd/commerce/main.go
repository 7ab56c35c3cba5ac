package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"commerce/pkg/config"
	"commerce/pkg/infrastructure/mysql"
)

var cfg config.Config

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	app := &cli.App{
		Name:  "commerce",
		Usage: "cart, checkout and order lifecycle service",
		Before: func(*cli.Context) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			log.SetLevel(cfg.Level())
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply or revert the database schema",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "apply all pending migrations", Action: migrateAction(mysql.MigrateUp)},
					{Name: "down", Usage: "revert all migrations", Action: migrateAction(mysql.MigrateDown)},
				},
			},
			{
				Name:   "serve",
				Usage:  "run the shopping and fulfillment gRPC server",
				Action: serveAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("commerce exited with an error")
	}
}
