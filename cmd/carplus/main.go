package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/skalacodebr/carplus/pkg/app"
	"github.com/skalacodebr/carplus/pkg/domain/service"
	amqpdispatch "github.com/skalacodebr/carplus/pkg/infrastructure/amqp"
	"github.com/skalacodebr/carplus/pkg/infrastructure/gateway"
	"github.com/skalacodebr/carplus/pkg/infrastructure/mysql"
	"github.com/skalacodebr/carplus/pkg/infrastructure/transport"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cliApp := &cli.App{
		Name:  "carplus",
		Usage: "order payment and fulfillment reconciliation service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP service",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: runMigrations,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.WithError(err).Fatal("command failed")
	}
}

func serve(_ *cli.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	db, err := sqlx.Connect("mysql", cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	dispatcher, err := amqpdispatch.NewDispatcher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	repo := mysql.NewOrderRepository(db)
	audit := mysql.NewWebhookLogRepository(db)
	gatewayClient := gateway.NewClient(cfg.AsaasBaseURL, cfg.AsaasAPIKey, cfg.GatewayTimeout)
	orders := service.NewOrderService(repo, gatewayClient, dispatcher, cfg.PaymentDueDays)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      transport.Router(orders, audit, cfg.SimulationEnabled),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.WithFields(log.Fields{
		"port":               cfg.HTTPPort,
		"simulation_enabled": cfg.SimulationEnabled,
	}).Info("starting server")

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		killSignalChan := make(chan os.Signal, 1)
		signal.Notify(killSignalChan, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-killSignalChan:
			log.WithField("signal", sig.String()).Info("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMigrations(_ *cli.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+cfg.MigrationsDir, "mysql://"+cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	log.Info("migrations applied")
	return nil
}
