// Command syncd is the local sync daemon: it keeps a durable mirror of
// the user's tasks, applies mutations optimistically, queues what the
// remote API cannot take right now, and replays the queue when
// connectivity returns. The rendering layer talks to it over loopback
// HTTP and a WebSocket event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tasklab/syncd/internal/api"
	"github.com/tasklab/syncd/internal/config"
	"github.com/tasklab/syncd/internal/engine"
	"github.com/tasklab/syncd/internal/model"
	"github.com/tasklab/syncd/internal/notify"
	"github.com/tasklab/syncd/internal/reminder"
	"github.com/tasklab/syncd/internal/server"
	"github.com/tasklab/syncd/internal/store"
	"github.com/tasklab/syncd/internal/trigger"
)

func main() {
	configPath := pflag.StringP("config", "c", "syncd.hujson", "path to the HuJSON config file")
	listenAddr := pflag.String("listen", "", "listen address override")
	envFile := pflag.String("env-file", ".env", "optional .env file")
	pflag.Parse()

	if err := run(*configPath, *listenAddr, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, envFile string) error {
	// .env is a convenience for development; absence is fine.
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}
	if err := seedDefaultLists(st); err != nil {
		return err
	}

	session, err := api.LoadSession(cfg.SessionFile)
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.RemoteURL, session, cfg.RequestTimeout())

	bus := notify.NewBus(64)
	defer bus.Close()
	hub := notify.NewHub(bus, logger)
	hub.Start()
	defer hub.Stop()

	eng := engine.New(st, client, bus, logger)

	reminders := reminder.NewService(eng, bus, logger)
	reminders.Start()
	defer reminders.Stop()
	if err := reminders.Resync(context.Background()); err != nil {
		logger.Printf("reminder: initial resync: %v", err)
	}

	tr := trigger.New(eng, cfg.SyncInterval(), func(ctx context.Context) {
		if err := reminders.Resync(ctx); err != nil {
			logger.Printf("reminder: resync: %v", err)
		}
	}, logger)
	tr.Start()
	defer tr.Stop()

	srv := server.New(eng, session, hub, tr, server.Options{
		DashboardList:  cfg.DashboardList,
		DashboardLimit: cfg.DashboardLimit,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("syncd listening on %s (remote %s)", cfg.ListenAddr, cfg.RemoteURL)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// seedDefaultLists makes sure the built-in lists exist before anything
// renders; PutList is a no-op for names already present.
func seedDefaultLists(st *store.SQLiteStore) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	for _, name := range model.DefaultLists {
		if err := st.PutList(ctx, model.List{Name: name, CreatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}
