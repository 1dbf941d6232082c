package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danthegoodman1/icepart/gologger"
	"github.com/danthegoodman1/icepart/http_server"
	"github.com/danthegoodman1/icepart/icedb"
	"github.com/urfave/cli/v2"
)

var logger = gologger.NewLogger()

func main() {
	if err := App().Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Debug().Str("data_root", cfg.DataRoot).Msg("starting icepart")

	db, err := icedb.Open(c.Context, cfg)
	if err != nil {
		return fmt.Errorf("error opening icedb: %w", err)
	}

	httpServer, err := http_server.StartHTTPServer(db, cfg.HTTP.Port)
	if err != nil {
		db.Close(context.Background())
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Warn().Msg("received shutdown signal!")

	// For AWS ALB needing some time to de-register pod
	sleepTime := cfg.ShutdownSleepSec
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))

	time.Sleep(time.Second * time.Duration(sleepTime))
	logger.Info().Msg(fmt.Sprintf("slept for %ds, exiting", sleepTime))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	} else {
		logger.Info().Msg("successfully shutdown HTTP server")
	}
	if err := db.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to close icedb")
		return err
	}
	logger.Info().Msg("closed icedb")
	return nil
}
