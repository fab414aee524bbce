package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Init("info")
		logger.Error("configuration load failed", "err", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	users, messages, err := openStores(cfg)
	if err != nil {
		logger.Error("store initialization failed", "err", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, users, messages)
	srv.StartHub()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()
	logger.Info("chatrelay started", "port", cfg.Port, "data_dir", cfg.DataDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}

	// Drain connections first so presence updates stop, then close HTTP.
	if err := srv.Hub().Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "err", err)
	}
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	logger.Info("chatrelay stopped")
}

func openStores(cfg *server.Config) (*store.UserStore, *store.MessageLog, error) {
	userFile, err := store.NewFileStorage(cfg.UsersFile())
	if err != nil {
		return nil, nil, err
	}
	users, err := store.NewUserStore(userFile)
	if err != nil {
		return nil, nil, err
	}

	msgFile, err := store.NewFileStorage(cfg.MessagesFile())
	if err != nil {
		return nil, nil, err
	}
	messages, err := store.NewMessageLog(msgFile, cfg.HistoryCap)
	if err != nil {
		return nil, nil, err
	}
	return users, messages, nil
}
