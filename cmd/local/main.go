package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediaforge-backend/cmd"
	"mediaforge-backend/internal/api"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/messaging"
)

type Config struct {
	Root string `env:"ROOT" envDefault:"./mediaforge"`
	Port int    `env:"PORT" envDefault:"8001"`
}

func main() {
	cmd.LoadEnvFile()

	cfg := cmd.MustLoad[Config]()
	runtimeCfg := cmd.MustLoad[config.RuntimeConfig]()
	jobCfg := cmd.MustLoad[config.JobConfig]()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	jobCfg.WorkDir = filepath.Join(cfg.Root, "work")
	jobCfg.ModelCacheDir = filepath.Join(cfg.Root, "model_cache")

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "runtime", runtimeCfg.Backend)

	dbPath := filepath.Join(cfg.Root, "db", "mediaforge.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase("sqlite://" + dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.NewStorage(context.Background(), config.StorageConfig{
		Backend:  "local",
		LocalDir: filepath.Join(cfg.Root, "storage"),
	}, jobCfg.TrainingBucket, jobCfg.ModelsBucket, jobCfg.IllustrationsBucket)

	queue := messaging.NewInMemoryQueue()

	worker := messaging.NewWorker(db, assets.NewFetcher(store), queue, queue, cmd.NewRuntimes(runtimeCfg), jobCfg)

	slog.Info("starting worker")
	go worker.Start()

	if err := cmd.RequeuePending(context.Background(), db, queue); err != nil {
		log.Fatalf("Failed to requeue pending tasks: %v", err)
	}

	service := api.NewBackendService(db, store, queue, jobCfg.TrainingBucket)
	server := cmd.NewServer(cmd.NewRouter(service), cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
