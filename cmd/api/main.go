package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediaforge-backend/cmd"
	"mediaforge-backend/internal/api"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/messaging"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	dbCfg := cmd.MustLoad[config.DatabaseConfig]()
	storageCfg := cmd.MustLoad[config.StorageConfig]()
	queueCfg := cmd.MustLoad[config.QueueConfig]()
	jobCfg := cmd.MustLoad[config.JobConfig]()
	apiCfg := cmd.MustLoad[config.APIConfig]()

	if queueCfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set")
	}

	db, err := database.NewDatabase(dbCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.NewStorage(context.Background(), storageCfg, jobCfg.TrainingBucket)

	publisher, err := messaging.NewRabbitMQPublisher(queueCfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	service := api.NewBackendService(db, store, publisher, jobCfg.TrainingBucket)
	server := cmd.NewServer(cmd.NewRouter(service), apiCfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %d", apiCfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", apiCfg.Port, err)
	}

	log.Println("Server stopped.")
}
