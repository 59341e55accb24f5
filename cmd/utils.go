package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"mediaforge-backend/internal/api"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/diffusion/python"
	"mediaforge-backend/internal/diffusion/sdapi"
	"mediaforge-backend/internal/messaging"
	"mediaforge-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func MustLoad[T any]() T {
	cfg, err := config.Load[T]()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	return cfg
}

// NewRuntimes builds the runtime factories for the configured backend.
// Training always runs in the python plugin since the sdapi server only
// serves inference.
func NewRuntimes(cfg config.RuntimeConfig) messaging.Runtimes {
	newPlugin := func() (diffusion.Runtime, error) {
		runtime, err := python.LoadRuntime(cfg.PythonExecutable, cfg.PluginScript)
		if err != nil {
			return nil, fmt.Errorf("error loading python runtime: %w", err)
		}
		return runtime, nil
	}

	runtimes := messaging.Runtimes{
		NewPipeline: func() (diffusion.Pipeline, error) { return newPlugin() },
		NewTrainer:  func() (diffusion.Trainer, error) { return newPlugin() },
	}

	switch cfg.Backend {
	case "plugin":
	case "sdapi":
		runtimes.NewPipeline = func() (diffusion.Pipeline, error) {
			return sdapi.NewHost(cfg.SdapiHost), nil
		}
	default:
		log.Fatalf("invalid runtime backend %q, must be 'plugin' or 'sdapi'", cfg.Backend)
	}

	slog.Info("configured diffusion runtime", "backend", cfg.Backend)
	return runtimes
}

func NewStorage(ctx context.Context, cfg config.StorageConfig, buckets ...string) storage.Provider {
	store, err := storage.NewProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	for _, bucket := range buckets {
		if err := store.CreateBucket(ctx, bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}
	return store
}

func NewRouter(service *api.BackendService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	service.AddRoutes(r)

	return r
}

func NewServer(handler http.Handler, port int) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
}

// RequeuePending publishes a task for every brand and illustration still
// marked queued, so work accepted before a restart is not lost.
func RequeuePending(ctx context.Context, db *gorm.DB, publisher messaging.Publisher) error {
	var brands []database.Brand
	if err := db.WithContext(ctx).Where("status = ?", database.BrandQueued).Find(&brands).Error; err != nil {
		return fmt.Errorf("error fetching queued brands: %w", err)
	}

	for _, brand := range brands {
		if err := publisher.PublishTrainBrandTask(ctx, messaging.TrainBrandPayload{
			UserId:           brand.UserId,
			BrandId:          brand.BrandId,
			BrandName:        brand.Name,
			JobId:            brand.TrainingJobId,
			TrainingDataPath: brand.TrainingDataPath,
			NumImages:        brand.ImageCount,
		}); err != nil {
			return fmt.Errorf("error requeuing training for brand %s: %w", brand.BrandId, err)
		}
	}

	var illustrations []database.Illustration
	if err := db.WithContext(ctx).Where("status = ?", database.IllustrationQueued).Find(&illustrations).Error; err != nil {
		return fmt.Errorf("error fetching queued illustrations: %w", err)
	}

	for _, illustration := range illustrations {
		if err := publisher.PublishGenerateIllustrationTask(ctx, messaging.GenerateIllustrationPayload{
			IllustrationId: illustration.Id,
			UserId:         illustration.UserId,
			BrandId:        illustration.BrandId,
			Prompt:         illustration.Prompt,
			Width:          illustration.Width,
			Height:         illustration.Height,
		}); err != nil {
			return fmt.Errorf("error requeuing illustration %s: %w", illustration.Id, err)
		}
	}

	slog.Info("requeued pending tasks", "brands", len(brands), "illustrations", len(illustrations))
	return nil
}
