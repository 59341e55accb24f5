package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mediaforge-backend/cmd"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/messaging"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	dbCfg := cmd.MustLoad[config.DatabaseConfig]()
	storageCfg := cmd.MustLoad[config.StorageConfig]()
	queueCfg := cmd.MustLoad[config.QueueConfig]()
	jobCfg := cmd.MustLoad[config.JobConfig]()
	runtimeCfg := cmd.MustLoad[config.RuntimeConfig]()

	if queueCfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set")
	}

	db, err := database.NewDatabase(dbCfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.NewStorage(context.Background(), storageCfg, jobCfg.TrainingBucket, jobCfg.ModelsBucket, jobCfg.IllustrationsBucket)

	publisher, err := messaging.NewRabbitMQPublisher(queueCfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(queueCfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	worker := messaging.NewWorker(db, assets.NewFetcher(store), publisher, reciever, cmd.NewRuntimes(runtimeCfg), jobCfg)

	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Unacknowledged tasks are redelivered to the next worker.
	log.Println("Shutdown signal received, stopping worker...")
	worker.Stop()

	log.Println("Worker process stopped.")
}
