// Command storagenode runs one content-addressed blob node.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/config"
	"github.com/chunkvault/chunkvault/internal/node"
	"github.com/chunkvault/chunkvault/pkg/env"
	"github.com/chunkvault/chunkvault/pkg/httpserver"
	"github.com/chunkvault/chunkvault/pkg/logging"
)

func main() {
	env.LoadEnv()

	cfg, err := config.Load(".")
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	log := logging.NewLogger(cfg.Debug)

	store, err := node.NewBlobStore(cfg.Node.StoragePath, cfg.Node.Compress)
	if err != nil {
		log.WithError(err).Fatal("open blob store")
	}

	server := node.NewServer(cfg.Node.ID, store, log)
	srv := httpserver.New(cfg.Node.ListenAddr, server.Router(), log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("storage node stopped")
		}
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("shutdown failed")
		}
	}
}
