package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"commerce/pkg/domain/service"
	"commerce/pkg/infrastructure/kafka"
	"commerce/pkg/infrastructure/mysql"
	"commerce/pkg/infrastructure/redis"
	"commerce/pkg/infrastructure/shipping"
	"commerce/pkg/infrastructure/transport"
)

func migrateAction(run func(*sqlx.DB, log.FieldLogger) error) cli.ActionFunc {
	return func(*cli.Context) error {
		db, err := mysql.Open(cfg.MySQLDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		return run(db, log.StandardLogger())
	}
}

func serveAction(c *cli.Context) error {
	logger := log.StandardLogger()

	db, err := mysql.Open(cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	rates := shipping.DefaultRates()
	if cfg.ShippingRatesFile != "" {
		if rates, err = shipping.LoadRates(cfg.ShippingRatesFile); err != nil {
			return err
		}
	}

	dispatcher := kafka.NewEventDispatcher(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.WithError(err).Warn("failed to close event writer")
		}
	}()

	carts := redis.NewCartRepository(redisClient, cfg.RedisNamespace)
	orders := mysql.NewOrderRepository(db)
	inventory := service.NewInventoryLedger(mysql.NewProductRepository(db), dispatcher, logger, cfg.MaxCASAttempts)
	discounts := service.NewDiscountEngine(mysql.NewDiscountRepository(db), dispatcher, logger, cfg.MaxCASAttempts)
	checkout := service.NewCheckoutService(
		carts, orders, inventory, discounts, shipping.NewQuoter(rates), nil, dispatcher, logger,
		service.WithCurrency(cfg.Currency),
	)
	orderService := service.NewOrderService(orders, inventory, dispatcher, logger)
	cartService := service.NewCartService(carts, inventory, discounts, dispatcher, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.GRPCAddr)
	}
	server := transport.NewServer(
		transport.NewFulfillmentHandler(checkout, orderService, logger),
		transport.NewShoppingHandler(cartService, checkout, logger),
		logger,
	)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, lis)
	})
	g.Go(func() error {
		killSignalChan := getKillSignalChan()
		defer signal.Stop(killSignalChan)
		select {
		case killSignal := <-killSignalChan:
			logKillSignal(killSignal)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	return g.Wait()
}

func getKillSignalChan() chan os.Signal {
	osKillSignalChan := make(chan os.Signal, 1)
	signal.Notify(osKillSignalChan, os.Interrupt, syscall.SIGTERM)
	return osKillSignalChan
}

func logKillSignal(killSignal os.Signal) {
	switch killSignal {
	case os.Interrupt:
		log.Info("Got SIGINT...")
	case syscall.SIGTERM:
		log.Info("Got SIGTERM...")
	}
}
